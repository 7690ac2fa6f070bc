// Package sqlite provides an embedded, file-backed FIFO queue implementation
// backed by SQLite. It exists for single-process developer and test
// deployments where running NATS or SQS is unnecessary overhead.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"log/slog"

	"go.flowcatalyst.dev/internal/common/tsid"
	"go.flowcatalyst.dev/internal/queue"
)

// Visibility timeout constants, mirroring the SQS backend's fast-fail/default
// pair so callers can treat all three backends uniformly.
const (
	FastFailVisibilitySeconds = 1
	DefaultVisibilitySeconds  = 30

	// dedupWindow is how long a message_deduplication row blocks a repeat
	// Publish call for the same deduplication ID.
	dedupWindow = 5 * time.Minute
)

// Client wraps a SQLite-backed queue database and provides both a Publisher
// and named Consumers against it.
type Client struct {
	db        *sql.DB
	path      string
	publisher *Publisher
	consumers map[string]*Consumer
	mu        sync.Mutex
}

// Config holds sqlite queue configuration.
type Config struct {
	// DataDir is the directory holding the queue database file.
	DataDir string

	// PollInterval is how often a Consumer polls for newly-visible messages.
	PollInterval time.Duration

	// VisibilityTimeout is the default visibility window applied on receive.
	VisibilityTimeout time.Duration
}

// DefaultConfig returns default sqlite queue configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:           "./data/sqlite",
		PollInterval:      200 * time.Millisecond,
		VisibilityTimeout: DefaultVisibilitySeconds * time.Second,
	}
}

// NewClient opens (creating if necessary) the queue database and ensures its
// schema exists.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilitySeconds * time.Second
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "queue.db")

	// _journal_mode=WAL lets the single poller and publisher share the file
	// without blocking each other on every write; _busy_timeout retries
	// instead of immediately returning SQLITE_BUSY under contention.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite queue db: %w", err)
	}
	db.SetMaxOpenConns(1)

	client := &Client{
		db:        db,
		path:      dbPath,
		consumers: make(map[string]*Consumer),
	}

	if err := client.CreateSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	client.publisher = &Publisher{db: db}

	slog.Info("Embedded SQLite queue opened", "path", dbPath)
	return client, nil
}

// CreateSchema creates the queue_messages and message_deduplication tables
// and their indexes if they do not already exist.
func (c *Client) CreateSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS queue_messages (
			message_id TEXT PRIMARY KEY,
			message_group_id TEXT,
			message_deduplication_id TEXT,
			message_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			visible_at INTEGER NOT NULL,
			receipt_handle TEXT,
			receive_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS message_deduplication (
			message_deduplication_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible_at ON queue_messages(visible_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_group ON queue_messages(message_group_id)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Publisher returns the client's publisher.
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates a new named consumer. filterSubject is matched
// against each message's stored subject; an empty filter consumes all
// subjects. A nil cfg (or zero fields in it) selects the package defaults, a
// 200ms poll interval and DefaultVisibilitySeconds; the Config passed to
// NewClient is not consulted here.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string, cfg *Config) (*Consumer, error) {
	pollInterval := 200 * time.Millisecond
	visibilityTimeout := DefaultVisibilitySeconds * time.Second
	if cfg != nil {
		if cfg.PollInterval > 0 {
			pollInterval = cfg.PollInterval
		}
		if cfg.VisibilityTimeout > 0 {
			visibilityTimeout = cfg.VisibilityTimeout
		}
	}

	consumer := &Consumer{
		db:                c.db,
		name:              name,
		filterSubject:     filterSubject,
		pollInterval:      pollInterval,
		visibilityTimeout: visibilityTimeout,
	}

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	slog.Info("SQLite queue consumer created", "name", name, "filterSubject", filterSubject)
	return consumer, nil
}

// Path returns the path to the queue database file.
func (c *Client) Path() string {
	return c.path
}

// HealthCheck verifies the queue database is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes all consumers and the underlying database.
func (c *Client) Close() error {
	c.mu.Lock()
	for name, consumer := range c.consumers {
		consumer.Stop()
		delete(c.consumers, name)
	}
	c.mu.Unlock()

	slog.Info("Closing embedded SQLite queue", "path", c.path)
	return c.db.Close()
}
