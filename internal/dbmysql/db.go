// Package dbmysql implements the message and conversation stores on top of
// gorm and MySQL.
package dbmysql

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/store"
)

// PoolConfig tunes the underlying sql.DB pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQL returns a GORM DB instance connected to MySQL
func NewMySQL(dsn string, pool PoolConfig) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql dsn is not set")
	}
	return Open(mysql.Open(dsn), pool)
}

// Open connects through any gorm dialector and applies the pool settings.
func Open(dialector gorm.Dialector, pool PoolConfig) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql.DB error: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate creates or updates the chat tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Conversation{}, &Participant{}, &Message{}, &MessageRead{})
}

// Store implements store.MessageStore and store.ConversationStore.
type Store struct {
	db *gorm.DB

	mu          sync.Mutex
	lastCreated time.Time
	now         func() time.Time
}

var (
	_ store.MessageStore      = (*Store)(nil)
	_ store.ConversationStore = (*Store)(nil)
)

// NewStore wraps an open, migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Ping checks that the database answers.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("ping", err)
	}
	return wrap("ping", sqlDB.Ping())
}

// Close releases the pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// stamp returns millisecond creation times that strictly increase within
// this process.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.lastCreated) {
		t = s.lastCreated.Add(time.Millisecond)
	}
	s.lastCreated = t
	return t
}

// wrap maps gorm errors onto the chat taxonomy.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, chat.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w: %v", op, chat.ErrPersistence, err)
	}
}
