package client

import (
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

// TypingWindow is how long a typing-start signal stays valid.
const TypingWindow = 3 * time.Second

type typingKey struct {
	conversationID string
	subjectID      string
}

type typingEntry struct {
	timer Timer
	gen   uint64
}

// TypingOption customises a TypingView.
type TypingOption func(*TypingView)

// WithTypingClock replaces the timer source.
func WithTypingClock(afterFunc AfterFunc) TypingOption {
	return func(v *TypingView) {
		if afterFunc != nil {
			v.afterFunc = afterFunc
		}
	}
}

// WithTypingChange registers fn to run after a conversation's typing set
// changes.
func WithTypingChange(fn func(conversationID string)) TypingOption {
	return func(v *TypingView) { v.onChange = fn }
}

// TypingView tracks who is typing in each conversation. Every entry expires
// TypingWindow after its latest start signal, with or without a stop.
type TypingView struct {
	mu        sync.Mutex
	window    time.Duration
	afterFunc AfterFunc
	onChange  func(string)
	gen       uint64
	entries   map[typingKey]*typingEntry
}

// NewTypingView creates an empty view.
func NewTypingView(opts ...TypingOption) *TypingView {
	v := &TypingView{
		window:    TypingWindow,
		afterFunc: realAfterFunc,
		entries:   make(map[typingKey]*typingEntry),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Handle applies an inbound typing event.
func (v *TypingView) Handle(ev protocol.TypingEvent) {
	if ev.IsTyping {
		v.Start(ev.ConversationID, ev.UserID)
		return
	}
	v.Stop(ev.ConversationID, ev.UserID)
}

// Start marks subjectID typing and (re)arms its expiry.
func (v *TypingView) Start(conversationID, subjectID string) {
	key := typingKey{conversationID: conversationID, subjectID: subjectID}

	v.mu.Lock()
	if e, ok := v.entries[key]; ok {
		e.timer.Stop()
	}
	v.gen++
	gen := v.gen
	v.entries[key] = &typingEntry{
		gen:   gen,
		timer: v.afterFunc(v.window, func() { v.expire(key, gen) }),
	}
	v.mu.Unlock()

	v.changed(conversationID)
}

// Stop clears subjectID and cancels its expiry.
func (v *TypingView) Stop(conversationID, subjectID string) {
	key := typingKey{conversationID: conversationID, subjectID: subjectID}

	v.mu.Lock()
	e, ok := v.entries[key]
	if ok {
		e.timer.Stop()
		delete(v.entries, key)
	}
	v.mu.Unlock()

	if ok {
		v.changed(conversationID)
	}
}

func (v *TypingView) expire(key typingKey, gen uint64) {
	v.mu.Lock()
	e, ok := v.entries[key]
	if !ok || e.gen != gen {
		v.mu.Unlock()
		return
	}
	delete(v.entries, key)
	v.mu.Unlock()

	v.changed(key.conversationID)
}

// Reset clears every entry and cancels all timers.
func (v *TypingView) Reset() {
	v.mu.Lock()
	for key, e := range v.entries {
		e.timer.Stop()
		delete(v.entries, key)
	}
	v.mu.Unlock()
}

// Typing returns the subjects typing in conversationID, sorted.
func (v *TypingView) Typing(conversationID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []string
	for key := range v.entries {
		if key.conversationID == conversationID {
			out = append(out, key.subjectID)
		}
	}
	sort.Strings(out)
	return out
}

func (v *TypingView) changed(conversationID string) {
	if v.onChange != nil {
		v.onChange(conversationID)
	}
}

// PresenceView is the local projection of presence records, updated only
// from inbound presence events.
type PresenceView struct {
	mu      sync.RWMutex
	records map[string]protocol.PresenceEvent
}

// NewPresenceView creates an empty view.
func NewPresenceView() *PresenceView {
	return &PresenceView{records: make(map[string]protocol.PresenceEvent)}
}

// Apply records ev. An event older than the known record is ignored.
func (p *PresenceView) Apply(ev protocol.PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.records[ev.UserID]; ok && ev.LastSeenAt.Before(cur.LastSeenAt) {
		return
	}
	p.records[ev.UserID] = ev
}

// Get returns the last known record for subjectID.
func (p *PresenceView) Get(subjectID string) (protocol.PresenceEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.records[subjectID]
	return ev, ok
}

// IsOnline reports whether subjectID was last seen online.
func (p *PresenceView) IsOnline(subjectID string) bool {
	ev, ok := p.Get(subjectID)
	return ok && ev.Status == protocol.StatusOnline
}

// Online returns the subjects currently known to be online, sorted.
func (p *PresenceView) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id, ev := range p.records {
		if ev.Status == protocol.StatusOnline {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
