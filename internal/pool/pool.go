// Package pool implements a resilient connection pool for PostgreSQL.
//
// The pool hands out validated connections, reclaims them on release, and
// survives structural failures (database endpoint moved, network path down)
// by tearing the whole pool down and rebuilding it, rather than patching
// connections one by one. Every pooled connection gets a cheap liveness
// probe before being handed to a caller; the transport layer is never
// trusted to report that a proxy silently dropped an idle connection.
//
// Sizing defaults favor a small pool. The target deployment runs many
// short-lived process replicas behind one shared database, and oversized
// per-process pools exhaust the database's own connection ceiling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPoolExhausted is returned when no healthy connection could be obtained
// within the acquire retry budget. The failure is retryable; the pool has
// already been reinitialized by the time the caller sees it.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// errAtCapacity signals that every slot is checked out. The acquire retry
// loop treats it like any other transient failure and backs off.
var errAtCapacity = errors.New("pool at capacity")

// closeTimeout bounds connection teardown so Release never blocks a caller.
const closeTimeout = 5 * time.Second

// DBConn is the subset of *pgx.Conn behavior the pool and the import engine
// rely on. Tests substitute a fake; production code always wraps a real
// PostgreSQL session.
type DBConn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DialFunc opens a new database session. The pool owns the returned
// connection and is responsible for closing it.
type DialFunc func(ctx context.Context) (DBConn, error)

// Config holds pool sizing and acquire-retry settings.
type Config struct {
	// MinConns is the number of warm connections kept open.
	MinConns int

	// MaxConns is the ceiling on open connections, checked-out plus idle.
	MaxConns int

	// AcquireAttempts is the retry budget for Acquire.
	AcquireAttempts int

	// AcquireBackoff is the base delay between acquire attempts; the
	// actual delay grows linearly with the attempt number.
	AcquireBackoff time.Duration
}

// State describes the pool's lifecycle phase.
type State string

const (
	StateActive         State = "active"
	StateReinitializing State = "reinitializing"
	StateClosed         State = "closed"
)

// Status is a point-in-time snapshot of the pool for health endpoints.
type Status struct {
	ActiveCount    int   `json:"active_count"`
	AvailableCount int   `json:"available_count"`
	MaxConns       int   `json:"max_conns"`
	State          State `json:"state"`
}

// Conn is a checked-out connection. It must be returned to its Manager via
// Release exactly once and must never be shared across concurrent import
// calls.
type Conn struct {
	db         DBConn
	generation uint64
}

// Begin starts a transaction on the underlying connection.
func (c *Conn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.db.Begin(ctx)
}

// Exec runs a statement on the underlying connection.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.db.Exec(ctx, sql, args...)
}

// Query runs a query on the underlying connection.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.db.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query on the underlying connection.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.db.QueryRow(ctx, sql, args...)
}

// Manager owns a bounded set of live connections. Acquire, Release and
// Reinitialize are safe for concurrent use from all worker goroutines; the
// Manager is the single synchronization point of the import pipeline.
type Manager struct {
	cfg  Config
	dial DialFunc

	mu         sync.Mutex
	idle       []*Conn
	active     int
	generation uint64
	state      State
}

// New creates a Manager. Call Warm to pre-open MinConns connections.
func New(cfg Config, dial DialFunc) *Manager {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns < 0 {
		cfg.MinConns = 0
	}
	if cfg.AcquireAttempts <= 0 {
		cfg.AcquireAttempts = 3
	}
	return &Manager{
		cfg:   cfg,
		dial:  dial,
		state: StateActive,
	}
}

// Warm opens MinConns connections up front so the first imports do not pay
// the dial cost.
func (m *Manager) Warm(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.active+len(m.idle) >= m.cfg.MinConns {
			m.mu.Unlock()
			return nil
		}
		gen := m.generation
		m.mu.Unlock()

		db, err := m.dial(ctx)
		if err != nil {
			return fmt.Errorf("warm pool: %w", err)
		}

		m.mu.Lock()
		if gen != m.generation || m.state == StateClosed {
			m.mu.Unlock()
			_ = db.Close(ctx)
			return nil
		}
		m.idle = append(m.idle, &Conn{db: db, generation: gen})
		m.mu.Unlock()
	}
}

// Acquire returns a validated connection, blocking up to the retry budget
// when the pool is at capacity. Short bursts get time to drain; sustained
// overload surfaces as ErrPoolExhausted. Exhausting the full budget is
// treated as a structural failure and triggers a pool reinitialization so
// subsequent calls have a chance to succeed.
func (m *Manager) Acquire(ctx context.Context) (*Conn, error) {
	var conn *Conn

	err := withRetry(ctx, m.cfg.AcquireAttempts, LinearBackoff(m.cfg.AcquireBackoff), func() error {
		c, err := m.tryAcquire(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	slog.Warn("pool acquire budget exhausted, reinitializing", "error", err)
	if rerr := m.Reinitialize(ctx); rerr != nil {
		slog.Error("pool reinitialization failed", "error", rerr)
	}

	return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
}

// tryAcquire makes a single attempt: drain dead idle connections, hand out
// the first live one, or dial a fresh connection when under capacity.
func (m *Manager) tryAcquire(ctx context.Context) (*Conn, error) {
	for {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return nil, errors.New("pool is closed")
		}

		if n := len(m.idle); n > 0 {
			c := m.idle[n-1]
			m.idle = m.idle[:n-1]
			m.mu.Unlock()

			// Liveness probe before handing out a pooled connection.
			if c.db.IsClosed() || c.db.Ping(ctx) != nil {
				m.closeConn(c)
				continue
			}

			m.mu.Lock()
			if c.generation != m.generation || m.state == StateClosed {
				m.mu.Unlock()
				m.closeConn(c)
				continue
			}
			m.active++
			m.mu.Unlock()
			return c, nil
		}

		if m.active < m.cfg.MaxConns {
			// Reserve the slot before dialing so concurrent acquires
			// cannot overshoot MaxConns.
			m.active++
			gen := m.generation
			m.mu.Unlock()

			db, err := m.dial(ctx)

			m.mu.Lock()
			if gen != m.generation || m.state == StateClosed {
				// The pool was rebuilt or closed mid-dial; this slot no
				// longer exists.
				m.mu.Unlock()
				if err == nil {
					_ = db.Close(ctx)
				}
				continue
			}
			if err != nil {
				m.active--
				m.mu.Unlock()
				return nil, fmt.Errorf("dial: %w", err)
			}
			m.mu.Unlock()
			return &Conn{db: db, generation: gen}, nil
		}

		m.mu.Unlock()
		return nil, errAtCapacity
	}
}

// Release returns a connection to the pool. Unhealthy connections, and
// connections from a generation that has since been torn down, are closed
// and never rejoin the available set.
func (m *Manager) Release(c *Conn, healthy bool) {
	if c == nil {
		return
	}

	m.mu.Lock()
	current := c.generation == m.generation && m.state != StateClosed
	if current && m.active > 0 {
		m.active--
	}
	if healthy && current && !c.db.IsClosed() {
		m.idle = append(m.idle, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.closeConn(c)
}

// Reinitialize tears down every pooled connection and rebuilds the pool
// from scratch. Checked-out connections are abandoned immediately (the
// active count drops to zero) and closed when their holders release them,
// because their generation no longer matches.
func (m *Manager) Reinitialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return nil
	}
	m.state = StateReinitializing
	stale := m.idle
	m.idle = nil
	m.active = 0
	m.generation++
	m.mu.Unlock()

	for _, c := range stale {
		m.closeConn(c)
	}

	slog.Info("connection pool reinitialized", "closed_idle", len(stale))

	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()

	return m.Warm(ctx)
}

// Status reports the pool's current shape for health and diagnostics.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		ActiveCount:    m.active,
		AvailableCount: len(m.idle),
		MaxConns:       m.cfg.MaxConns,
		State:          m.state,
	}
}

// TestConnection acquires a connection, runs a trivial round-trip query and
// releases it. Used by the liveness endpoint.
func (m *Manager) TestConnection(ctx context.Context) bool {
	c, err := m.Acquire(ctx)
	if err != nil {
		return false
	}

	var one int
	err = c.QueryRow(ctx, "SELECT 1").Scan(&one)
	m.Release(c, err == nil)

	return err == nil && one == 1
}

// Close shuts the pool down permanently. Outstanding connections are closed
// as they are released.
func (m *Manager) Close() {
	m.mu.Lock()
	stale := m.idle
	m.idle = nil
	m.active = 0
	m.state = StateClosed
	m.mu.Unlock()

	for _, c := range stale {
		m.closeConn(c)
	}
}

// closeConn tears down a connection with a bounded timeout.
func (m *Manager) closeConn(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.db.Close(ctx); err != nil {
		slog.Debug("connection close failed", "error", err)
	}
}
