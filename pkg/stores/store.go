package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/poncho/poncho/pkg/engine"
)

// Store is the durable event store used by the poller, the manager and the
// CLI.
type Store interface {
	engine.EventStore

	// Init opens the database connection.
	Init(ctx context.Context) error

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// Close releases the connection pool.
	Close() error

	// HealthCheck verifies the database is reachable.
	HealthCheck(ctx context.Context) error

	// CreateEvent inserts a new event, creating its hosts as needed.
	CreateEvent(ctx context.Context, event *engine.ServiceEvent) error

	// GetEvent loads one event with its hosts.
	GetEvent(ctx context.Context, id int64) (*engine.ServiceEvent, error)

	// ListEvents lists events matching filter, newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]*engine.ServiceEvent, error)

	// EnsureHost returns the host named name, creating it if needed.
	EnsureHost(ctx context.Context, name string) (*engine.Host, error)

	// ListTransitions returns an event's history, oldest first.
	ListTransitions(ctx context.Context, eventID int64) ([]engine.Transition, error)

	// Unstick clears the stuck flag so the poller selects the event again.
	Unstick(ctx context.Context, id int64) error
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	IncludeCompleted bool
	Workflow         string
	Limit            int
}

// Config holds store configuration.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver" validate:"required,oneof=sqlite postgres"`

	// DSN is a file path or ":memory:" for SQLite, a connection URL for PostgreSQL.
	DSN string `yaml:"dsn" json:"dsn" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// BusyTimeout is how long a SQLite writer waits for the database lock.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// DefaultConfig returns a file-backed SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "poncho.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
}

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// New returns an uninitialised store for cfg.Driver.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(cfg)
	case DriverPostgres:
		return NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Open creates, initialises and migrates a store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	store, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
