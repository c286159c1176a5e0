// Package backend opens the physical connection pool that proxied operations
// run on, and derives the slot budget from its size.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shirou/gopsutil/v4/cpu"
	_ "modernc.org/sqlite"

	"github.com/openjdbcproxy/ojp-go/pkg/utils"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	fallbackMaxPoolSize = 10
	pingTimeout         = 2 * time.Second
)

var (
	ErrUnsupportedDriver = errors.New("backend: unsupported driver")
	ErrEmptyDSN          = errors.New("backend: dsn is empty")
)

// Options configures the physical pool.
type Options struct {
	Driver string
	DSN    string

	// MaxOpenConns is the pool size and therefore the total slot budget.
	// Zero picks DefaultMaxPoolSize.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	PingAttempts int
	PingBackoff  time.Duration
}

func (o *Options) applyDefaults(ctx context.Context) {
	o.Driver = strings.ToLower(strings.TrimSpace(o.Driver))
	if o.Driver == "" {
		o.Driver = DriverSQLite
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = DefaultMaxPoolSize(ctx)
	}
	if o.MaxIdleConns <= 0 || o.MaxIdleConns > o.MaxOpenConns {
		o.MaxIdleConns = o.MaxOpenConns
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 5 * time.Minute
	}
	if o.PingAttempts <= 0 {
		o.PingAttempts = 3
	}
	if o.PingBackoff <= 0 {
		o.PingBackoff = 200 * time.Millisecond
	}
}

// Open opens and pings the pool.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*sql.DB, error) {
	opts.applyDefaults(ctx)
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "backend", "driver", opts.Driver)

	if strings.TrimSpace(opts.DSN) == "" {
		return nil, ErrEmptyDSN
	}

	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite:
		db, err = openSQLite(opts.DSN)
	case DriverMySQL:
		db, err = openMySQL(opts.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	err = utils.Retry(ctx, opts.PingAttempts, opts.PingBackoff, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("backend ping failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("backend: ping %s: %w", opts.Driver, err)
	}

	logger.Info("backend pool ready", "max_open_conns", opts.MaxOpenConns)
	return db, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	// Driver options may follow the path as a query string.
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "file:")
	if path != "" && !strings.HasPrefix(path, ":memory:") {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("backend: create sqlite directory: %w", err)
			}
		}
	}

	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("backend: open sqlite: %w", err)
	}
	return db, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("backend: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend: mysql connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// MaxPoolSize is the configured maximum number of open connections of db,
// which is the total number of execution slots the proxy can hand out.
func MaxPoolSize(db *sql.DB) int {
	return db.Stats().MaxOpenConnections
}

// DefaultMaxPoolSize sizes the pool at twice the logical CPUs plus one.
func DefaultMaxPoolSize(ctx context.Context) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		return fallbackMaxPoolSize
	}
	return 2*n + 1
}
