// Package presence tracks which authenticated subjects hold live connections
// and derives their presence records from connection-count changes.
//
// The Registry is the only writer of presence state. A subject is online
// exactly while it owns at least one registered connection.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

// Record is the derived presence state for one subject.
type Record struct {
	SubjectID  string
	Status     protocol.PresenceStatus
	LastSeenAt time.Time
}

// Event converts the record into its wire form.
func (r Record) Event() protocol.PresenceEvent {
	return protocol.PresenceEvent{
		UserID:     r.SubjectID,
		Status:     r.Status,
		LastSeenAt: r.LastSeenAt,
	}
}

// Registry maps subjects to their active connections. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.Mutex
	bySubject map[string]map[string]struct{}
	byConn    map[string]string
	records   map[string]Record
	now       func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for LastSeenAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		bySubject: make(map[string]map[string]struct{}),
		byConn:    make(map[string]string),
		records:   make(map[string]Record),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register attaches connID to subjectID. It returns the subject's record and
// true when this connection took the subject from offline to online.
// Registering a connection that is already known is a no-op.
func (r *Registry) Register(subjectID, connID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byConn[connID]; ok {
		return r.records[owner], false
	}

	conns, ok := r.bySubject[subjectID]
	if !ok {
		conns = make(map[string]struct{})
		r.bySubject[subjectID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = subjectID

	if len(conns) > 1 {
		return r.records[subjectID], false
	}

	rec := Record{SubjectID: subjectID, Status: protocol.StatusOnline, LastSeenAt: r.now().UTC()}
	r.records[subjectID] = rec
	return rec, true
}

// Unregister detaches connID. It returns the owning subject's record and true
// when the last connection closed and the subject went offline. LastSeenAt is
// the moment the last connection was removed.
func (r *Registry) Unregister(connID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subjectID, ok := r.byConn[connID]
	if !ok {
		return Record{}, false
	}
	delete(r.byConn, connID)

	conns := r.bySubject[subjectID]
	delete(conns, connID)
	if len(conns) > 0 {
		return r.records[subjectID], false
	}
	delete(r.bySubject, subjectID)

	rec := Record{SubjectID: subjectID, Status: protocol.StatusOffline, LastSeenAt: r.now().UTC()}
	r.records[subjectID] = rec
	return rec, true
}

// IsOnline reports whether subjectID has at least one live connection.
func (r *Registry) IsOnline(subjectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySubject[subjectID]) > 0
}

// ConnectionsFor returns the live connection ids of subjectID, sorted.
func (r *Registry) ConnectionsFor(subjectID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.bySubject[subjectID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SubjectOf returns the subject owning connID.
func (r *Registry) SubjectOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// Presence returns the last known record for subjectID.
func (r *Registry) Presence(subjectID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[subjectID]
	return rec, ok
}

// Online returns the records of every online subject, sorted by subject id.
func (r *Registry) Online() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.bySubject))
	for subjectID := range r.bySubject {
		out = append(out, r.records[subjectID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// Counts returns the number of live connections and online subjects.
func (r *Registry) Counts() (connections, subjects int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn), len(r.bySubject)
}
