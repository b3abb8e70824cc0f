package client

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

// Status is the lifecycle state of a provisional message.
type Status int

const (
	StatusPending Status = iota
	StatusAcknowledged
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReasonNotConnected fails a submission the socket could not emit.
const ReasonNotConnected = "not_connected"

// Provisional is a locally created message awaiting the gateway's verdict.
type Provisional struct {
	TempID         string
	ConversationID string
	Content        string
	Attachments    []string
	Status         Status
	// MessageID is bound by the ack.
	MessageID string
	CreatedAt time.Time
}

// Item is one entry of the visible message list.
type Item struct {
	chat.Message
	TempID      string
	Provisional bool
	Status      Status
}

// Sender emits a send event. It reports false when the event was dropped.
type Sender interface {
	Send(conversationID, content, tempID string, attachments []string) bool
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithNow overrides the clock used to stamp provisional messages.
func WithNow(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithTempIDs overrides the temporary id generator.
func WithTempIDs(next func() string) CoordinatorOption {
	return func(c *Coordinator) { c.newTempID = next }
}

// WithFailureHandler registers fn to learn about failed submissions.
func WithFailureHandler(fn func(p Provisional, reason string)) CoordinatorOption {
	return func(c *Coordinator) { c.onFailure = fn }
}

type provisionalEntry struct {
	Provisional
	seq uint64
}

type messageEntry struct {
	msg    chat.Message
	tempID string
	seq    uint64
}

// Coordinator reconciles provisional messages with the authoritative stream.
// The ack and the broadcast for the same send may arrive in either order;
// whichever comes first wins and the other is a no-op.
type Coordinator struct {
	mu          sync.Mutex
	sender      Sender
	now         func() time.Time
	newTempID   func() string
	onFailure   func(Provisional, string)
	seq         uint64
	provisional map[string]*provisionalEntry
	bound       map[string]string
	messages    map[string]*messageEntry
}

// NewCoordinator creates a Coordinator emitting through sender.
func NewCoordinator(sender Sender, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		sender:      sender,
		now:         time.Now,
		newTempID:   uuid.NewString,
		provisional: make(map[string]*provisionalEntry),
		bound:       make(map[string]string),
		messages:    make(map[string]*messageEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// Submit validates content, inserts a pending provisional message and emits
// the send. Invalid content is rejected locally without emitting.
func (c *Coordinator) Submit(conversationID, content string, attachments []string) (Provisional, error) {
	if err := chat.ValidateConversationID(conversationID); err != nil {
		return Provisional{}, err
	}
	if err := chat.ValidateContent(content); err != nil {
		return Provisional{}, err
	}

	c.mu.Lock()
	p := &provisionalEntry{
		Provisional: Provisional{
			TempID:         c.newTempID(),
			ConversationID: conversationID,
			Content:        content,
			Attachments:    append([]string{}, attachments...),
			Status:         StatusPending,
			CreatedAt:      c.now(),
		},
		seq: c.nextSeq(),
	}
	c.provisional[p.TempID] = p
	out := p.Provisional
	c.mu.Unlock()

	if !c.sender.Send(conversationID, content, out.TempID, out.Attachments) {
		c.HandleSendError(protocol.SendErrorEvent{TempID: out.TempID, Reason: ReasonNotConnected})
		out.Status = StatusFailed
		return out, fmt.Errorf("%w: not connected", chat.ErrTransport)
	}
	return out, nil
}

// HandleMessage applies a canonical message broadcast. It reports whether the
// message was new; repeats of a known id only merge the read-set.
func (c *Coordinator) HandleMessage(ev protocol.MessageEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.messages[ev.ID]; ok {
		existing.msg.MergeReadBy(ev.ReadBy...)
		return false
	}

	seq := uint64(0)
	tempID := ev.TempID
	if bound, ok := c.bound[ev.ID]; ok {
		tempID = bound
		delete(c.bound, ev.ID)
	}
	if p, ok := c.provisional[tempID]; ok && tempID != "" && p.ConversationID == ev.ConversationID {
		seq = p.seq
		delete(c.provisional, tempID)
	}
	if seq == 0 {
		seq = c.nextSeq()
	}

	c.messages[ev.ID] = &messageEntry{msg: ev.Message.Clone(), tempID: ev.TempID, seq: seq}
	return true
}

// HandleAck binds a pending provisional message to its real id. An ack for a
// message whose broadcast already arrived is a no-op.
func (c *Coordinator) HandleAck(ack protocol.AckEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.provisional[ack.TempID]
	if !ok || p.Status != StatusPending {
		return false
	}
	if _, seen := c.messages[ack.MessageID]; seen {
		delete(c.provisional, ack.TempID)
		return false
	}
	p.Status = StatusAcknowledged
	p.MessageID = ack.MessageID
	c.bound[ack.MessageID] = ack.TempID
	return true
}

// HandleSendError fails a pending provisional message and removes it from the
// visible list. Resubmission is up to the caller.
func (c *Coordinator) HandleSendError(ev protocol.SendErrorEvent) bool {
	c.mu.Lock()
	p, ok := c.provisional[ev.TempID]
	if !ok || p.Status != StatusPending {
		c.mu.Unlock()
		return false
	}
	delete(c.provisional, ev.TempID)
	p.Status = StatusFailed
	failed := p.Provisional
	onFailure := c.onFailure
	c.mu.Unlock()

	if onFailure != nil {
		onFailure(failed, ev.Reason)
	}
	return true
}

// ApplyReadReceipt merges a read receipt into the known messages and returns
// how many read-sets grew.
func (c *Coordinator) ApplyReadReceipt(ev protocol.ReadReceiptEvent) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids map[string]struct{}
	if len(ev.MessageIDs) > 0 {
		ids = make(map[string]struct{}, len(ev.MessageIDs))
		for _, id := range ev.MessageIDs {
			ids[id] = struct{}{}
		}
	}

	changed := 0
	for id, e := range c.messages {
		if e.msg.ConversationID != ev.ConversationID || e.msg.SenderID == ev.UserID {
			continue
		}
		if ids != nil {
			if _, ok := ids[id]; !ok {
				continue
			}
		}
		if e.msg.MergeReadBy(ev.UserID) {
			changed++
		}
	}
	return changed
}

// Load merges fetched history into the authoritative set.
func (c *Coordinator) Load(messages []chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range messages {
		if existing, ok := c.messages[m.ID]; ok {
			existing.msg.MergeReadBy(m.ReadBy...)
			continue
		}
		seq := uint64(0)
		if tempID, ok := c.bound[m.ID]; ok {
			if p, ok := c.provisional[tempID]; ok {
				seq = p.seq
			}
			delete(c.provisional, tempID)
			delete(c.bound, m.ID)
		}
		if seq == 0 {
			seq = c.nextSeq()
		}
		c.messages[m.ID] = &messageEntry{msg: m.Clone(), seq: seq}
	}
}

// Provisional returns the unresolved provisional message for tempID.
func (c *Coordinator) Provisional(tempID string) (Provisional, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.provisional[tempID]
	if !ok {
		return Provisional{}, false
	}
	return p.Provisional, true
}

// Pending counts provisional messages in conversationID still awaiting any
// server response.
func (c *Coordinator) Pending(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.provisional {
		if p.ConversationID == conversationID && p.Status == StatusPending {
			n++
		}
	}
	return n
}

// Visible returns the merged message list of conversationID: authoritative
// messages plus unresolved provisional ones, ordered by creation time with
// ties broken by insertion order.
func (c *Coordinator) Visible(conversationID string) []Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	type sortable struct {
		item Item
		seq  uint64
	}
	var out []sortable
	for _, e := range c.messages {
		if e.msg.ConversationID != conversationID {
			continue
		}
		out = append(out, sortable{
			item: Item{Message: e.msg.Clone(), TempID: e.tempID, Status: StatusAcknowledged},
			seq:  e.seq,
		})
	}
	for _, p := range c.provisional {
		if p.ConversationID != conversationID {
			continue
		}
		if _, dup := c.messages[p.MessageID]; p.MessageID != "" && dup {
			continue
		}
		out = append(out, sortable{
			item: Item{
				Message: chat.Message{
					ID:             p.MessageID,
					ConversationID: p.ConversationID,
					Content:        p.Content,
					Attachments:    append([]string{}, p.Attachments...),
					CreatedAt:      p.CreatedAt,
				},
				TempID:      p.TempID,
				Provisional: true,
				Status:      p.Status,
			},
			seq: p.seq,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.seq < b.seq
	})

	items := make([]Item, len(out))
	for i, s := range out {
		items[i] = s.item
	}
	return items
}
