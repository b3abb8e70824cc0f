package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/nexus-chat/internal/logging"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

// AppOptions configures an App.
type AppOptions struct {
	Socket Options

	// OnSendFailure learns about submissions the gateway rejected or the
	// socket dropped.
	OnSendFailure func(p Provisional, reason string)
	// OnError receives error events for rejected join, leave, typing and
	// markRead requests.
	OnError func(protocol.ErrorEvent)
	// OnTyping runs after a conversation's typing set changes.
	OnTyping func(conversationID string)
}

// typingRefresh is how often continuous local typing repeats its start
// signal. It must stay under TypingWindow so peers never expire a typist.
const typingRefresh = TypingWindow / 2

type localTyping struct {
	timer  Timer
	gen    uint64
	sentAt time.Time
}

// App wires the socket manager to the message coordinator and the view
// state. The credential drives the connection explicitly through
// SetCredential. Opened rooms are joined again after every reconnect.
type App struct {
	Socket   *Manager
	Messages *Coordinator
	Typing   *TypingView
	Presence *PresenceView

	log       *zap.Logger
	afterFunc AfterFunc
	onError   func(protocol.ErrorEvent)

	now func() time.Time

	mu          sync.Mutex
	typingGen   uint64
	localTyping map[string]*localTyping
	open        map[string]struct{}
}

// NewApp builds an App and subscribes its components to inbound events.
func NewApp(opts AppOptions) *App {
	var a *App
	onConnected := opts.Socket.OnConnected
	opts.Socket.OnConnected = func() {
		a.rejoin()
		if onConnected != nil {
			onConnected()
		}
	}

	socket := NewManager(opts.Socket)
	a = &App{
		Socket: socket,
		Messages: NewCoordinator(socket,
			WithFailureHandler(opts.OnSendFailure)),
		Typing: NewTypingView(
			WithTypingClock(opts.Socket.AfterFunc),
			WithTypingChange(opts.OnTyping)),
		Presence:    NewPresenceView(),
		log:         logging.OrNop(opts.Socket.Logger),
		afterFunc:   socket.opts.AfterFunc,
		onError:     opts.OnError,
		now:         time.Now,
		localTyping: make(map[string]*localTyping),
		open:        make(map[string]struct{}),
	}

	subscribe(a, protocol.EventMessage, func(ev protocol.MessageEvent) { a.Messages.HandleMessage(ev) })
	subscribe(a, protocol.EventAck, func(ev protocol.AckEvent) { a.Messages.HandleAck(ev) })
	subscribe(a, protocol.EventSendError, func(ev protocol.SendErrorEvent) { a.Messages.HandleSendError(ev) })
	subscribe(a, protocol.EventReadReceipt, func(ev protocol.ReadReceiptEvent) { a.Messages.ApplyReadReceipt(ev) })
	subscribe(a, protocol.EventTyping, a.Typing.Handle)
	subscribe(a, protocol.EventPresence, a.Presence.Apply)
	subscribe(a, protocol.EventError, func(ev protocol.ErrorEvent) {
		a.log.Info("request_rejected",
			zap.String("event", string(ev.Event)),
			zap.String("conversation", ev.ConversationID),
			zap.String("reason", ev.Reason))
		if a.onError != nil {
			a.onError(ev)
		}
	})
	return a
}

func subscribe[T any](a *App, event protocol.EventType, fn func(T)) {
	a.Socket.On(event, func(env protocol.Envelope) {
		var v T
		if err := env.Bind(&v); err != nil {
			a.log.Warn("event_decode_failed", zap.String("event", string(event)), zap.Error(err))
			return
		}
		fn(v)
	})
}

// SetCredential connects with token, reconnecting when it replaces a
// different credential. An empty token disconnects and clears view state.
func (a *App) SetCredential(ctx context.Context, token string) error {
	changed := a.Socket.SetCredential(token)
	if token == "" {
		a.Socket.Disconnect()
		a.Typing.Reset()
		a.stopLocalTyping()
		a.mu.Lock()
		a.open = make(map[string]struct{})
		a.mu.Unlock()
		return nil
	}
	if changed && a.Socket.State() != StateDisconnected {
		a.Socket.Disconnect()
	}
	return a.Socket.Connect(ctx)
}

// Open joins conversationID's room. The room is remembered, so a join that
// was dropped while disconnected happens on the next connect.
func (a *App) Open(conversationID string) bool {
	a.mu.Lock()
	a.open[conversationID] = struct{}{}
	a.mu.Unlock()
	return a.Socket.Join(conversationID)
}

// Close leaves conversationID's room and drops its local typing signal.
func (a *App) Close(conversationID string) bool {
	a.mu.Lock()
	delete(a.open, conversationID)
	a.mu.Unlock()
	a.StopTyping(conversationID)
	return a.Socket.Leave(conversationID)
}

// Opened lists the rooms joined through Open and not yet closed.
func (a *App) Opened() []string {
	a.mu.Lock()
	ids := make([]string, 0, len(a.open))
	for id := range a.open {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (a *App) rejoin() {
	ids := a.Opened()
	for _, id := range ids {
		a.Socket.Join(id)
	}
	if len(ids) > 0 {
		a.log.Info("rooms_rejoined", zap.Int("count", len(ids)))
	}
}

// Send submits content optimistically.
func (a *App) Send(conversationID, content string, attachments ...string) (Provisional, error) {
	a.StopTyping(conversationID)
	return a.Messages.Submit(conversationID, content, attachments)
}

// MarkRead marks messageIDs read, or everything unread when none are given.
func (a *App) MarkRead(conversationID string, messageIDs ...string) bool {
	return a.Socket.MarkRead(conversationID, messageIDs...)
}

// Typed signals local typing activity. A typing start goes out on the first
// call and again every typingRefresh while calls keep coming; a stop is
// emitted once no activity was seen for TypingWindow.
func (a *App) Typed(conversationID string) {
	now := a.now()

	a.mu.Lock()
	e, active := a.localTyping[conversationID]
	if active {
		e.timer.Stop()
	}
	a.typingGen++
	gen := a.typingGen
	next := &localTyping{
		gen:   gen,
		timer: a.afterFunc(TypingWindow, func() { a.typingIdle(conversationID, gen) }),
	}
	emit := !active || now.Sub(e.sentAt) >= typingRefresh
	if emit {
		next.sentAt = now
	} else {
		next.sentAt = e.sentAt
	}
	a.localTyping[conversationID] = next
	a.mu.Unlock()

	if emit {
		a.Socket.Typing(conversationID, true)
	}
}

// StopTyping emits a typing stop if a local typing signal is active.
func (a *App) StopTyping(conversationID string) {
	a.mu.Lock()
	e, ok := a.localTyping[conversationID]
	if ok {
		e.timer.Stop()
		delete(a.localTyping, conversationID)
	}
	a.mu.Unlock()

	if ok {
		a.Socket.Typing(conversationID, false)
	}
}

func (a *App) typingIdle(conversationID string, gen uint64) {
	a.mu.Lock()
	e, ok := a.localTyping[conversationID]
	if !ok || e.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.localTyping, conversationID)
	a.mu.Unlock()

	a.Socket.Typing(conversationID, false)
}

func (a *App) stopLocalTyping() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, e := range a.localTyping {
		e.timer.Stop()
		delete(a.localTyping, id)
	}
}
