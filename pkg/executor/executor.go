// Package executor runs proxied operations inside an execution slot.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openjdbcproxy/ojp-go/pkg/classify"
	"github.com/openjdbcproxy/ojp-go/pkg/slots"
)

const defaultAcquireTimeout = 10 * time.Second

// ErrRejected matches every RejectedError.
var ErrRejected = errors.New("executor: no execution slot available")

// RejectedError is returned when an operation was not admitted in time.
type RejectedError struct {
	Class   slots.Class
	Key     string
	Timeout time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("executor: no %s slot available within %s", e.Class, e.Timeout)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectedError) Unwrap() error {
	return slots.ErrAcquireTimeout
}

// Admitter hands out execution slots. *slots.Manager implements it.
type Admitter interface {
	Acquire(ctx context.Context, class slots.Class, timeout time.Duration) (*slots.Grant, error)
}

type Options struct {
	// AcquireTimeout is how long an operation waits for a slot.
	AcquireTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = defaultAcquireTimeout
	}
}

// Executor classifies an operation, waits for a slot of its class, runs it
// and gives the slot back however the operation ends.
type Executor struct {
	admitter   Admitter
	classifier classify.Classifier
	db         *sql.DB
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates an Executor. db may be nil when only Do is used.
func New(admitter Admitter, classifier classify.Classifier, db *sql.DB, opts Options, logger *slog.Logger) *Executor {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		admitter:   admitter,
		classifier: classifier,
		db:         db,
		timeout:    opts.AcquireTimeout,
		logger:     logger.With("component", "executor"),
	}
}

// Do runs fn in a slot of the class the classifier assigns to key.
func (e *Executor) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return e.DoClass(ctx, e.classifier.Classify(key), key, fn)
}

// DoClass runs fn in a slot of the given class. The slot is released when fn
// returns or panics.
func (e *Executor) DoClass(ctx context.Context, class slots.Class, key string, fn func(ctx context.Context) error) error {
	grant, err := e.admitter.Acquire(ctx, class, e.timeout)
	if err != nil {
		if errors.Is(err, slots.ErrAcquireTimeout) {
			e.logger.Warn("operation rejected", "class", class, "timeout", e.timeout.String())
			return &RejectedError{Class: class, Key: key, Timeout: e.timeout}
		}
		return err
	}

	start := time.Now()
	defer func() {
		if err := grant.Release(); err != nil {
			e.logger.Error("failed to release slot", "grant", grant.ID(), "error", err)
		}
		if o, ok := e.classifier.(classify.Observer); ok {
			o.Observe(key, time.Since(start))
		}
	}()

	return fn(ctx)
}

// Exec runs a statement that returns no rows.
func (e *Executor) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if e.db == nil {
		return nil, errors.New("executor: no database configured")
	}

	var res sql.Result
	err := e.Do(ctx, query, func(ctx context.Context) error {
		var err error
		res, err = e.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Query runs a query and hands the rows to scan. The slot is held until scan
// returns and the rows are closed.
func (e *Executor) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	if e.db == nil {
		return errors.New("executor: no database configured")
	}

	return e.Do(ctx, query, func(ctx context.Context) error {
		rows, err := e.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}
