// Package database bridges the event-driven core and the blocking SQL
// layer. All relational access funnels through a single Gateway
// goroutine, so writes to the supervision model are serialized per
// process and the orchestration loop never blocks on a query.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Op is a unit of database work executed inside one transaction.
type Op func(tx *sqlx.Tx) error

// RawOp is a unit of database work without transaction framing, for
// multi-step jobs that frame their own transactions.
type RawOp func(db *sqlx.DB) error

// ErrGatewayClosed is returned when work is submitted after Close.
var ErrGatewayClosed = errors.New("database: gateway is closed")

// Future resolves when the submitted operation has run.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the operation completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return &TransientError{Op: "wait", Err: ctx.Err()}
	}
}

// job pairs an operation with its future. Exactly one of op and raw
// is set.
type job struct {
	op     Op
	raw    RawOp
	future *Future
}

// Gateway serializes database access through a dedicated goroutine.
type Gateway struct {
	db   *sqlx.DB
	jobs chan job
	quit chan struct{}
	done chan struct{}
}

// New creates a Gateway over an open database handle and starts its
// worker goroutine.
func New(db *sqlx.DB) *Gateway {
	g := &Gateway{
		db:   db,
		jobs: make(chan job, 64),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go g.loop()
	return g
}

// Open connects with the given driver and DSN and returns a Gateway.
func Open(driver, dsn string) (*Gateway, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle for schema setup and tests.
func (g *Gateway) DB() *sqlx.DB { return g.db }

// Run submits fn and waits for it to complete. fn runs inside a
// transaction that is committed on success and rolled back on error.
func (g *Gateway) Run(ctx context.Context, fn Op) error {
	f, err := g.Submit(fn)
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// RunRaw submits fn without transaction framing; fn frames its own
// transactions on the handle. Still serialized with every other job.
func (g *Gateway) RunRaw(ctx context.Context, fn RawOp) error {
	f, err := g.submit(job{raw: fn})
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// Submit queues fn and returns a Future for its completion.
func (g *Gateway) Submit(fn Op) (*Future, error) {
	return g.submit(job{op: fn})
}

func (g *Gateway) submit(j job) (*Future, error) {
	j.future = &Future{done: make(chan struct{})}
	select {
	case <-g.quit:
		return nil, ErrGatewayClosed
	case g.jobs <- j:
		return j.future, nil
	}
}

// Probe issues a lightweight query to verify connectivity. Called once
// at startup; a failure means the process should abort instead of
// looping on a dead database.
func (g *Gateway) Probe(ctx context.Context) error {
	return g.Run(ctx, func(tx *sqlx.Tx) error {
		var v string
		err := tx.Get(&v, tx.Rebind("SELECT version FROM version WHERE name = ?"), "correlator")
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
}

// Close stops the worker after draining queued jobs.
func (g *Gateway) Close() error {
	close(g.quit)
	<-g.done
	return g.db.Close()
}

// loop is the single writer. Every queued op runs here, one at a time.
func (g *Gateway) loop() {
	defer close(g.done)
	for {
		select {
		case <-g.quit:
			// Drain anything already queued before stopping.
			for {
				select {
				case j := <-g.jobs:
					g.execute(j)
				default:
					return
				}
			}
		case j := <-g.jobs:
			g.execute(j)
		}
	}
}

// execute runs one job with transaction framing and classification.
func (g *Gateway) execute(j job) {
	defer close(j.future.done)

	if j.raw != nil {
		j.future.err = Classify(j.raw(g.db))
		return
	}

	tx, err := g.db.Beginx()
	if err != nil {
		j.future.err = Classify(err)
		return
	}
	if err := j.op(tx); err != nil {
		_ = tx.Rollback()
		j.future.err = Classify(err)
		return
	}
	j.future.err = Classify(tx.Commit())
}
