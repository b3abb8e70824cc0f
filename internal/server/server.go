// Package server implements the HTTP server lifecycle for the Nexus Chat
// gateway: assembling the collaborators from configuration, serving, and
// shutting down.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/nexus-chat/internal/auth"
	"github.com/Tyrowin/nexus-chat/internal/dbmysql"
	"github.com/Tyrowin/nexus-chat/internal/logging"
	"github.com/Tyrowin/nexus-chat/internal/metrics"
	"github.com/Tyrowin/nexus-chat/internal/store"
)

// CreateServer creates and configures the HTTP server with security settings
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// App is a fully wired gateway process.
type App struct {
	Config   Config
	Gateway  *Gateway
	HTTP     *http.Server
	Metrics  *metrics.Metrics
	Verifier *auth.JWTVerifier

	log    *zap.Logger
	closer func() error
}

// NewApp validates cfg, makes it the active configuration and builds the
// stores, verifier, metrics, gateway and HTTP server it describes.
func NewApp(ctx context.Context, cfg *Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	SetConfig(cfg)
	active := currentConfig()
	log = logging.OrNop(log)

	verifier, err := auth.NewJWTVerifier(active.JWT.Secret,
		auth.WithIssuer(active.JWT.Issuer),
		auth.WithAudience(active.JWT.Audience))
	if err != nil {
		return nil, err
	}

	stores, err := openStores(active.Database, log)
	if err != nil {
		return nil, err
	}
	if err := seedConversations(ctx, stores.conversations, active.Seed, log); err != nil {
		_ = stores.close()
		return nil, err
	}

	m := metrics.New()
	gateway := NewGateway(GatewayOptions{
		Messages:      stores.messages,
		Conversations: stores.conversations,
		Verifier:      verifier,
		Logger:        log,
		Metrics:       m,
		Ready:         stores.ready,
	})

	return &App{
		Config:   active,
		Gateway:  gateway,
		HTTP:     CreateServer(active.Port, SetupRoutes(gateway, m)),
		Metrics:  m,
		Verifier: verifier,
		log:      log,
		closer:   stores.close,
	}, nil
}

type storeSet struct {
	messages      store.MessageStore
	conversations store.ConversationStore
	ready         func() error
	close         func() error
}

func openStores(cfg DatabaseConfig, log *zap.Logger) (storeSet, error) {
	switch cfg.Driver {
	case DriverMySQL:
		db, err := dbmysql.NewMySQL(cfg.DSN, dbmysql.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return storeSet{}, err
		}
		if err := dbmysql.Migrate(db); err != nil {
			return storeSet{}, fmt.Errorf("migrate: %w", err)
		}
		s := dbmysql.NewStore(db)
		log.Info("store_opened", zap.String("driver", DriverMySQL))
		return storeSet{messages: s, conversations: s, ready: s.Ping, close: s.Close}, nil
	default:
		m := store.NewMemory()
		log.Info("store_opened", zap.String("driver", DriverMemory))
		return storeSet{messages: m, conversations: m, close: func() error { return nil }}, nil
	}
}

func seedConversations(ctx context.Context, conversations store.ConversationStore, seeds []SeedConversation, log *zap.Logger) error {
	for _, s := range seeds {
		var err error
		var id string
		if s.Name == "" && len(s.Participants) == 2 {
			conv, cerr := conversations.CreatePrivate(ctx, s.Participants[0], s.Participants[1])
			id, err = conv.ID, cerr
		} else if len(s.Participants) > 0 {
			conv, cerr := conversations.CreateGroup(ctx, s.Participants[0], s.Name, s.Participants[1:])
			id, err = conv.ID, cerr
		} else {
			err = errors.New("seed conversation has no participants")
		}
		if err != nil {
			return fmt.Errorf("seed %q: %w", s.Name, err)
		}
		log.Info("conversation_seeded",
			zap.String("conversation", id),
			zap.String("name", s.Name),
			zap.Strings("participants", s.Participants))
	}
	return nil
}

// Run starts the gateway loop and serves HTTP until Shutdown is called.
func (a *App) Run() error {
	go a.Gateway.Run()
	return StartServer(a.HTTP, a.log)
}

// Shutdown stops accepting connections, drains the gateway and closes the
// stores.
func (a *App) Shutdown(ctx context.Context) error {
	err := ShutdownServer(ctx, a.HTTP, a.Gateway, a.Config.ShutdownTimeout)
	if cerr := a.closer(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
	}
	return err
}

// StartServer starts the HTTP server and blocks until it exits. A server
// closed by Shutdown is not an error.
func StartServer(server *http.Server, log *zap.Logger) error {
	logging.OrNop(log).Info("server_listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops the HTTP listener first so no new handshakes arrive,
// then shuts the gateway down.
func ShutdownServer(ctx context.Context, server *http.Server, gateway *Gateway, timeout time.Duration) error {
	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := gateway.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}
	return errors.Join(errs...)
}
