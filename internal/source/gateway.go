package source

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/timmy/scadarchive/internal/config"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/metrics"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// QueryFunc builds a query on a gorm session pinned to one pooled connection.
type QueryFunc func(tx *gorm.DB) *gorm.DB

// RowSet is a fully materialized query result.
type RowSet struct {
	Columns []string
	Rows    [][]any
}

// Conn is a connection checked out of the gateway pool.
type Conn struct {
	id       uint64
	conn     *sql.Conn
	broken   bool
	released bool
}

// GatewayConfig bounds the pool and its timeouts.
type GatewayConfig struct {
	PoolSize       int
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
	PingTimeout    time.Duration
	RetryDelay     time.Duration
}

func (c *GatewayConfig) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
}

// Gateway hands out at most PoolSize connections to the remote source and
// retries a query once on a recoverable transport error.
type Gateway struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	slots  chan struct{}
	cfg    GatewayConfig
	logger *logger.Logger
	nextID atomic.Uint64

	// run executes one attempt; replaced in tests to inject transport faults.
	run func(ctx context.Context, c *Conn, q QueryFunc) (*RowSet, error)
}

// Open connects to the remote source described by cfg.
// Parameters:
//   - cfg: source configuration (driver, dsn, pool bounds).
//   - log: base logger.
// Returns:
//   - *Gateway: pool ready for Acquire.
//   - error: non-nil if the driver is unknown or the connection cannot be opened.
func Open(cfg *config.SourceConfig, log *logger.Logger) (*Gateway, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.New(log, gormlogger.Config{
			SlowThreshold: 10 * time.Second,
			LogLevel:      gormlogger.Warn,
		}),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  cfg.DSN,
			PreferSimpleProtocol: true,
		}), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported source driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	return NewGateway(db, GatewayConfig{
		PoolSize:       cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		QueryTimeout:   cfg.QueryTimeout,
		PingTimeout:    cfg.PingTimeout,
		RetryDelay:     cfg.RetryDelay,
	}, log)
}

// NewGateway wraps an opened gorm handle.
func NewGateway(db *gorm.DB, cfg GatewayConfig, log *logger.Logger) (*Gateway, error) {
	cfg.applyDefaults()
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.PoolSize)
	sqlDB.SetMaxIdleConns(cfg.PoolSize)

	if log == nil {
		log = logger.GetDefault()
	}
	g := &Gateway{
		db:     db,
		sqlDB:  sqlDB,
		slots:  make(chan struct{}, cfg.PoolSize),
		cfg:    cfg,
		logger: log.Component("gateway"),
	}
	g.run = g.query
	return g, nil
}

// Close closes the underlying pool.
func (g *Gateway) Close() error {
	return g.sqlDB.Close()
}

// Ping checks that the source is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
	defer cancel()
	if err := g.sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return nil
}

// InUse returns the number of checked out connections.
func (g *Gateway) InUse() int {
	return len(g.slots)
}

// Acquire waits up to AcquireTimeout for a free slot.
func (g *Gateway) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()
	timer := time.NewTimer(g.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case g.slots <- struct{}{}:
	case <-timer.C:
		metrics.PoolExhaustedTotal.Inc()
		return nil, fmt.Errorf("%w: no connection free after %s", domain.ErrPoolExhausted, g.cfg.AcquireTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	metrics.PoolWaitSeconds.Observe(time.Since(start).Seconds())

	c := &Conn{id: g.nextID.Add(1)}
	if err := g.connect(ctx, c); err != nil {
		<-g.slots
		return nil, err
	}
	return c, nil
}

func (g *Gateway) connect(ctx context.Context, c *Conn) error {
	conn, err := g.sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	c.conn = conn
	c.broken = false
	return nil
}

// Release returns c to the pool. A connection that fails its liveness check
// is discarded so the pool never holds more than PoolSize connections.
func (g *Gateway) Release(c *Conn) {
	if c == nil || c.released {
		return
	}
	c.released = true
	defer func() { <-g.slots }()

	if c.conn == nil {
		return
	}
	if !c.broken {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PingTimeout)
		if err := c.conn.PingContext(ctx); err != nil {
			g.logger.WithError(err).WithField("conn_id", c.id).Warn("Connection failed liveness check on release")
			c.broken = true
		}
		cancel()
	}
	if c.broken {
		g.discard(c)
		return
	}
	_ = c.conn.Close()
	c.conn = nil
}

// discard drops the driver connection instead of returning it to database/sql's idle pool.
func (g *Gateway) discard(c *Conn) {
	if c.conn == nil {
		return
	}
	_ = c.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = c.conn.Close()
	c.conn = nil
	metrics.ConnectionsDiscardedTotal.Inc()
}

// Execute runs q on c. A recoverable transport error discards the connection,
// opens a fresh one in the same slot and retries exactly once; if that also
// fails the error wraps domain.ErrSourceUnavailable.
func (g *Gateway) Execute(ctx context.Context, c *Conn, q QueryFunc) (*RowSet, error) {
	if c == nil || c.released {
		return nil, errors.New("execute on a released connection")
	}

	attempt := 0
	rs, err := backoff.Retry(ctx, func() (*RowSet, error) {
		attempt++
		if c.broken || c.conn == nil {
			g.discard(c)
			if err := g.connect(ctx, c); err != nil {
				return nil, backoff.Permanent(err)
			}
			metrics.QueryRetriesTotal.Inc()
		}

		rs, err := g.run(ctx, c, q)
		if err == nil {
			return rs, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !IsRecoverable(err) {
			return nil, backoff.Permanent(err)
		}
		c.broken = true
		g.logger.WithError(err).WithFields(logger.Fields{
			"conn_id": c.id,
			"attempt": attempt,
		}).Warn("Recoverable source error")
		return nil, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(g.cfg.RetryDelay)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		if errors.Is(err, domain.ErrSourceUnavailable) {
			return nil, err
		}
		if IsRecoverable(err) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
		}
		return nil, err
	}
	return rs, nil
}

// query runs one attempt on the pinned connection and materializes the rows.
func (g *Gateway) query(ctx context.Context, c *Conn, q QueryFunc) (*RowSet, error) {
	if g.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.QueryTimeout)
		defer cancel()
	}

	tx := g.db.WithContext(ctx)
	tx.Statement.ConnPool = c.conn

	rows, err := q(tx).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &RowSet{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			// drivers may reuse byte buffers between rows
			if b, ok := v.([]byte); ok {
				vals[i] = append([]byte(nil), b...)
			}
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
