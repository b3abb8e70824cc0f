// Package rooms routes events to the connections subscribed to a conversation.
//
// Rooms are routing tables only: a conversation id maps to a set of connection
// ids and each connection id maps back to the rooms it joined. No message
// history is kept here.
package rooms

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Tyrowin/nexus-chat/internal/chat"
)

// MembershipChecker answers whether a subject participates in a conversation.
// Implementations return an error wrapping chat.ErrNotFound for unknown
// conversations.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, subjectID string) (bool, error)
}

// Deliverer hands a payload to a live connection without blocking. It returns
// false when the connection is gone or cannot keep up.
type Deliverer interface {
	Deliver(connID string, payload []byte) bool
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(connID string, payload []byte) bool

// Deliver calls f.
func (f DelivererFunc) Deliver(connID string, payload []byte) bool { return f(connID, payload) }

type room struct {
	mu      sync.Mutex
	members map[string]struct{}
	order   []string
}

func (r *room) add(connID string) {
	if _, ok := r.members[connID]; ok {
		return
	}
	r.members[connID] = struct{}{}
	r.order = append(r.order, connID)
}

func (r *room) remove(connID string) {
	if _, ok := r.members[connID]; !ok {
		return
	}
	delete(r.members, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Router keeps the conversation -> connections index and its inverse.
type Router struct {
	membership MembershipChecker
	deliverer  Deliverer

	mu        sync.RWMutex
	rooms     map[string]*room
	connRooms map[string]map[string]struct{}
}

// NewRouter creates a router that verifies joins with membership and sends
// payloads through deliverer.
func NewRouter(membership MembershipChecker, deliverer Deliverer) *Router {
	return &Router{
		membership: membership,
		deliverer:  deliverer,
		rooms:      make(map[string]*room),
		connRooms:  make(map[string]map[string]struct{}),
	}
}

// Join subscribes connID to conversationID after re-checking that subjectID
// participates in it. Unknown conversations and non-participants both fail
// with chat.ErrForbidden.
func (rt *Router) Join(ctx context.Context, connID, conversationID, subjectID string) error {
	if err := chat.ValidateConversationID(conversationID); err != nil {
		return err
	}

	ok, err := rt.membership.IsParticipant(ctx, conversationID, subjectID)
	if err != nil {
		if chat.Reason(err) == chat.ReasonForbidden {
			return fmt.Errorf("join %s: %w", conversationID, chat.ErrForbidden)
		}
		return fmt.Errorf("join %s: %w", conversationID, err)
	}
	if !ok {
		return fmt.Errorf("join %s: %w", conversationID, chat.ErrForbidden)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rm, exists := rt.rooms[conversationID]
	if !exists {
		rm = &room{members: make(map[string]struct{})}
		rt.rooms[conversationID] = rm
	}
	rm.mu.Lock()
	rm.add(connID)
	rm.mu.Unlock()

	joined, exists := rt.connRooms[connID]
	if !exists {
		joined = make(map[string]struct{})
		rt.connRooms[connID] = joined
	}
	joined[conversationID] = struct{}{}
	return nil
}

// Leave unsubscribes connID from conversationID. Leaving a room that was
// never joined is a no-op.
func (rt *Router) Leave(connID, conversationID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.leaveLocked(connID, conversationID)
}

func (rt *Router) leaveLocked(connID, conversationID string) {
	if rm, ok := rt.rooms[conversationID]; ok {
		rm.mu.Lock()
		rm.remove(connID)
		empty := len(rm.members) == 0
		rm.mu.Unlock()
		if empty {
			delete(rt.rooms, conversationID)
		}
	}
	if joined, ok := rt.connRooms[connID]; ok {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(rt.connRooms, connID)
		}
	}
}

// LeaveAll removes connID from every room it joined and returns those rooms.
func (rt *Router) LeaveAll(connID string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	joined := rt.connRooms[connID]
	left := make([]string, 0, len(joined))
	for conversationID := range joined {
		left = append(left, conversationID)
	}
	for _, conversationID := range left {
		rt.leaveLocked(connID, conversationID)
	}
	sort.Strings(left)
	return left
}

// IsMember reports whether connID is subscribed to conversationID.
func (rt *Router) IsMember(connID, conversationID string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.connRooms[connID][conversationID]
	return ok
}

// Members returns the connections subscribed to conversationID in join order.
func (rt *Router) Members(conversationID string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	rm, ok := rt.rooms[conversationID]
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]string(nil), rm.order...)
}

// RoomsOf returns the conversations connID is subscribed to, sorted.
func (rt *Router) RoomsOf(connID string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]string, 0, len(rt.connRooms[connID]))
	for conversationID := range rt.connRooms[connID] {
		out = append(out, conversationID)
	}
	sort.Strings(out)
	return out
}

// Broadcast delivers payload to every connection in the room and returns the
// connections that could not accept it.
func (rt *Router) Broadcast(conversationID string, payload []byte) []string {
	return rt.BroadcastExcept(conversationID, payload, "")
}

// BroadcastExcept delivers payload to every connection in the room except
// excludeConnID. The room stays locked for the whole fan-out, so two
// broadcasts to the same room reach every member in the same order.
func (rt *Router) BroadcastExcept(conversationID string, payload []byte, excludeConnID string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	rm, ok := rt.rooms[conversationID]
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	var failed []string
	for _, connID := range rm.order {
		if connID == excludeConnID {
			continue
		}
		if !rt.deliverer.Deliver(connID, payload) {
			failed = append(failed, connID)
		}
	}
	return failed
}

// Stats returns the number of rooms and subscriptions.
func (rt *Router) Stats() (rooms, subscriptions int) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, joined := range rt.connRooms {
		subscriptions += len(joined)
	}
	return len(rt.rooms), subscriptions
}
