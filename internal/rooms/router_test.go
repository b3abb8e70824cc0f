package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-chat/internal/chat"
)

type staticMembership struct {
	participants map[string][]string
	err          error
}

func (m staticMembership) IsParticipant(_ context.Context, conversationID, subjectID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	members, ok := m.participants[conversationID]
	if !ok {
		return false, fmt.Errorf("conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	for _, p := range members {
		if p == subjectID {
			return true, nil
		}
	}
	return false, nil
}

type recorder struct {
	mu       sync.Mutex
	received map[string][]string
	reject   map[string]bool
}

func newRecorder() *recorder {
	return &recorder{received: make(map[string][]string), reject: make(map[string]bool)}
}

func (r *recorder) Deliver(connID string, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject[connID] {
		return false
	}
	r.received[connID] = append(r.received[connID], string(payload))
	return true
}

func (r *recorder) get(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received[connID]...)
}

func newTestRouter() (*Router, *recorder) {
	rec := newRecorder()
	membership := staticMembership{participants: map[string][]string{
		"c1": {"alice", "bob"},
		"c2": {"alice", "carol"},
	}}
	return NewRouter(membership, rec), rec
}

func TestJoinChecksMembership(t *testing.T) {
	rt, _ := newTestRouter()
	ctx := context.Background()

	tests := []struct {
		name           string
		conversationID string
		subjectID      string
		wantErr        error
	}{
		{name: "participant", conversationID: "c1", subjectID: "alice"},
		{name: "non_participant", conversationID: "c1", subjectID: "carol", wantErr: chat.ErrForbidden},
		{name: "unknown_conversation_is_forbidden", conversationID: "nope", subjectID: "alice", wantErr: chat.ErrForbidden},
		{name: "empty_id", conversationID: "", subjectID: "alice", wantErr: chat.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rt.Join(ctx, "conn-"+tt.subjectID, tt.conversationID, tt.subjectID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, rt.IsMember("conn-"+tt.subjectID, tt.conversationID))
				return
			}
			require.NoError(t, err)
			assert.True(t, rt.IsMember("conn-"+tt.subjectID, tt.conversationID))
		})
	}
}

func TestJoinPropagatesStoreFailure(t *testing.T) {
	rt := NewRouter(staticMembership{err: fmt.Errorf("db down: %w", chat.ErrPersistence)}, newRecorder())

	err := rt.Join(context.Background(), "x", "c1", "alice")
	assert.ErrorIs(t, err, chat.ErrPersistence)
	assert.False(t, errors.Is(err, chat.ErrForbidden))
}

func TestLeaveIsIdempotent(t *testing.T) {
	rt, _ := newTestRouter()
	require.NoError(t, rt.Join(context.Background(), "a1", "c1", "alice"))

	rt.Leave("a1", "c1")
	rt.Leave("a1", "c1")
	rt.Leave("never", "c1")
	rt.Leave("a1", "unknown")

	assert.False(t, rt.IsMember("a1", "c1"))
	rooms, subs := rt.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, subs)
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	rt, rec := newTestRouter()
	ctx := context.Background()
	require.NoError(t, rt.Join(ctx, "a1", "c1", "alice"))
	require.NoError(t, rt.Join(ctx, "a2", "c1", "alice"))
	require.NoError(t, rt.Join(ctx, "b1", "c1", "bob"))
	require.NoError(t, rt.Join(ctx, "a1", "c2", "alice"))

	rt.BroadcastExcept("c1", []byte("typing"), "a1")
	rt.Broadcast("c2", []byte("other-room"))

	assert.Equal(t, []string{"other-room"}, rec.get("a1"))
	assert.Equal(t, []string{"typing"}, rec.get("a2"))
	assert.Equal(t, []string{"typing"}, rec.get("b1"))
}

func TestBroadcastReportsFailedDeliveries(t *testing.T) {
	rt, rec := newTestRouter()
	ctx := context.Background()
	require.NoError(t, rt.Join(ctx, "a1", "c1", "alice"))
	require.NoError(t, rt.Join(ctx, "b1", "c1", "bob"))
	rec.reject["b1"] = true

	failed := rt.Broadcast("c1", []byte("hi"))
	assert.Equal(t, []string{"b1"}, failed)
	assert.Nil(t, rt.Broadcast("empty-room", []byte("hi")))
}

func TestLeaveAllReturnsRooms(t *testing.T) {
	rt, _ := newTestRouter()
	ctx := context.Background()
	require.NoError(t, rt.Join(ctx, "a1", "c2", "alice"))
	require.NoError(t, rt.Join(ctx, "a1", "c1", "alice"))

	assert.Equal(t, []string{"c1", "c2"}, rt.RoomsOf("a1"))
	assert.Equal(t, []string{"c1", "c2"}, rt.LeaveAll("a1"))
	assert.Empty(t, rt.RoomsOf("a1"))
	assert.Empty(t, rt.Members("c1"))
}

func TestConcurrentBroadcastsKeepOrderAcrossMembers(t *testing.T) {
	rt, rec := newTestRouter()
	ctx := context.Background()
	members := []string{"a1", "a2", "b1", "b2"}
	for _, m := range members {
		subject := "alice"
		if m[0] == 'b' {
			subject = "bob"
		}
		require.NoError(t, rt.Join(ctx, m, "c1", subject))
	}

	var wg sync.WaitGroup
	for sender := 0; sender < 8; sender++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				rt.Broadcast("c1", []byte(fmt.Sprintf("%d-%d", s, i)))
			}
		}(sender)
	}
	wg.Wait()

	reference := rec.get("a1")
	require.Len(t, reference, 200)
	for _, m := range members[1:] {
		assert.Equal(t, reference, rec.get(m), "member %s saw a different order", m)
	}
}

func TestConcurrentJoinLeaveKeepsIndexConsistent(t *testing.T) {
	rt, _ := newTestRouter()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", id)
			_ = rt.Join(ctx, connID, "c1", "alice")
			if id%2 == 0 {
				rt.Leave(connID, "c1")
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, rt.Members("c1"), 50)
	_, subs := rt.Stats()
	assert.Equal(t, 50, subs)
}
