// Package server coordinates connection registration, presence fan-out,
// room routing and connection cleanup for the chat gateway.
package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/nexus-chat/internal/auth"
	"github.com/Tyrowin/nexus-chat/internal/logging"
	"github.com/Tyrowin/nexus-chat/internal/metrics"
	"github.com/Tyrowin/nexus-chat/internal/presence"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
	"github.com/Tyrowin/nexus-chat/internal/rooms"
	"github.com/Tyrowin/nexus-chat/internal/store"
)

// GatewayOptions carries the collaborators of a Gateway. Messages,
// Conversations and Verifier are required.
type GatewayOptions struct {
	Messages      store.MessageStore
	Conversations store.ConversationStore
	Verifier      auth.TokenVerifier
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Registry      *presence.Registry
	// Ready reports whether the stores can serve traffic. Nil means always.
	Ready func() error
}

// Gateway owns every live connection. Registration and removal run on the
// Run loop; inbound events run on each connection's read goroutine.
type Gateway struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	running    chan struct{}
	runOnce    sync.Once

	registry      *presence.Registry
	router        *rooms.Router
	messages      store.MessageStore
	conversations store.ConversationStore
	verifier      auth.TokenVerifier
	ready         func() error
	seq           *sequencer
	log           *zap.Logger
	metrics       *metrics.Metrics

	storeTimeout     time.Duration
	presenceSnapshot bool
}

// NewGateway creates a Gateway using the active configuration. Call Run
// before serving connections.
func NewGateway(opts GatewayOptions) *Gateway {
	cfg := currentConfig()
	ctx, cancel := context.WithCancel(context.Background())

	registry := opts.Registry
	if registry == nil {
		registry = presence.NewRegistry()
	}

	g := &Gateway{
		clients:          make(map[string]*Client),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		running:          make(chan struct{}),
		registry:         registry,
		messages:         opts.Messages,
		conversations:    opts.Conversations,
		verifier:         opts.Verifier,
		ready:            opts.Ready,
		seq:              newSequencer(),
		log:              logging.OrNop(opts.Logger),
		metrics:          opts.Metrics,
		storeTimeout:     cfg.StoreTimeout,
		presenceSnapshot: cfg.PresenceSnapshot,
	}
	g.router = rooms.NewRouter(opts.Conversations, rooms.DelivererFunc(g.Deliver))

	for _, origin := range currentOrigins().rejected {
		g.log.Warn("invalid_origin_ignored", zap.String("origin", origin))
	}
	return g
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *presence.Registry { return g.registry }

// Router exposes the room router.
func (g *Gateway) Router() *rooms.Router { return g.router }

// Ready reports whether the gateway can accept traffic.
func (g *Gateway) Ready() error {
	select {
	case <-g.running:
	default:
		return errors.New("gateway loop not running")
	}
	if g.ctx.Err() != nil {
		return errors.New("gateway shutting down")
	}
	if g.ready != nil {
		return g.ready()
	}
	return nil
}

// ConnectionCount returns the number of admitted connections.
func (g *Gateway) ConnectionCount() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.clients)
}

// Deliver queues payload on connID without blocking. It returns false when
// the connection is gone or its buffer is full.
func (g *Gateway) Deliver(connID string, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("deliver_panic", zap.String("conn", connID), zap.Any("panic", r))
			ok = false
		}
	}()

	g.mutex.RLock()
	defer g.mutex.RUnlock()

	client, exists := g.clients[connID]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// Run starts the gateway's main event loop, handling client registration and
// unregistration. It returns once Shutdown is called.
func (g *Gateway) Run() {
	defer close(g.done)
	g.runOnce.Do(func() { close(g.running) })

	for {
		select {
		case <-g.ctx.Done():
			g.shutdownClients()
			return

		case client := <-g.register:
			if client == nil {
				g.log.Warn("nil_client_registration")
				continue
			}
			g.admit(client)

		case client := <-g.unregister:
			g.release(client)
		}
	}
}

// attach hands a freshly upgraded client to the Run loop. It returns false
// when the gateway is shutting down.
func (g *Gateway) attach(c *Client) bool {
	select {
	case g.register <- c:
		return true
	case <-g.ctx.Done():
		return false
	}
}

// detach asks the Run loop to release c, or releases it directly once the
// loop has stopped.
func (g *Gateway) detach(c *Client) {
	select {
	case g.unregister <- c:
	case <-g.ctx.Done():
		g.release(c)
	}
}

func (g *Gateway) admit(c *Client) {
	g.mutex.Lock()
	c.closed = false
	g.clients[c.id] = c
	c.setState(StateAuthenticated)
	g.mutex.Unlock()

	rec, online := g.registry.Register(c.subjectID, c.id)
	conns, subjects := g.registry.Counts()
	g.metrics.SetPresence(conns, subjects)
	c.log.Info("client_registered", zap.String("addr", c.addr), zap.Int("connections", conns))

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.writePump()
	}()
	go func() {
		defer g.wg.Done()
		c.readPump()
	}()

	if online {
		g.broadcastAll(protocol.MustEncode(protocol.EventPresence, rec.Event()), c.id)
	}
	if g.presenceSnapshot {
		for _, r := range g.registry.Online() {
			g.Deliver(c.id, protocol.MustEncode(protocol.EventPresence, r.Event()))
		}
	}
}

// release drops c from the arena, the rooms and the registry. It is safe to
// call for a client that was already evicted.
func (g *Gateway) release(c *Client) {
	if c == nil {
		return
	}

	g.mutex.Lock()
	if _, ok := g.clients[c.id]; ok {
		delete(g.clients, c.id)
		if !c.closed {
			c.closed = true
			close(c.send)
		}
	}
	g.mutex.Unlock()

	c.setState(StateClosed)
	c.cancel()

	left := g.router.LeaveAll(c.id)
	rec, offline := g.registry.Unregister(c.id)
	conns, subjects := g.registry.Counts()
	g.metrics.SetPresence(conns, subjects)
	c.log.Info("client_unregistered", zap.Int("rooms_left", len(left)), zap.Int("connections", conns))

	if offline {
		g.broadcastAll(protocol.MustEncode(protocol.EventPresence, rec.Event()), "")
	}
}

// broadcastAll sends payload to every admitted connection except exceptID.
func (g *Gateway) broadcastAll(payload []byte, exceptID string) {
	g.mutex.RLock()
	ids := make([]string, 0, len(g.clients))
	for id := range g.clients {
		if id != exceptID {
			ids = append(ids, id)
		}
	}
	g.mutex.RUnlock()
	sort.Strings(ids)

	var failed []string
	for _, id := range ids {
		if !g.Deliver(id, payload) {
			failed = append(failed, id)
		}
	}
	g.removeFailedClients(failed)
}

// removeFailedClients evicts connections that could not keep up. Their
// read pumps notice the closed socket and complete the release.
func (g *Gateway) removeFailedClients(ids []string) {
	if len(ids) == 0 {
		return
	}
	g.metrics.Dropped(len(ids))

	g.mutex.Lock()
	var channelsToClose []chan []byte
	for _, id := range ids {
		client, exists := g.clients[id]
		if !exists || client.closed {
			continue
		}
		client.closed = true
		channelsToClose = append(channelsToClose, client.send)
		client.log.Warn("client_evicted", zap.String("reason", "send buffer full"))
	}
	g.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients closes every live socket so their pumps exit.
func (g *Gateway) shutdownClients() {
	g.mutex.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for _, client := range g.clients {
		clients = append(clients, client)
	}
	g.mutex.Unlock()

	for _, client := range clients {
		client.setState(StateClosed)
		client.cancel()
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.log.Warn("close_failed", zap.Error(err))
			}
		}
	}

	g.log.Info("clients_closed", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the gateway and waits for all
// connection goroutines to finish, or for timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.log.Info("gateway_shutdown_started")

	g.cancel()

	select {
	case <-g.running:
		<-g.done
	default:
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("gateway_shutdown_completed")
		return nil
	case <-time.After(timeout):
		g.log.Warn("gateway_shutdown_timeout", zap.Duration("timeout", timeout))
		return context.DeadlineExceeded
	}
}
