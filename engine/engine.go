// Package engine ties the pipeline together: it resolves a raw payload
// against the catalog, plans the query graph and interprets it inside a
// single connector transaction. Any failure between the first statement
// and the commit rolls the transaction back, so partial nested writes are
// never observable.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
	"github.com/syssam/nestwrite/connector"
	"github.com/syssam/nestwrite/exec"
	"github.com/syssam/nestwrite/plan"
	"github.com/syssam/nestwrite/privacy"
	"github.com/syssam/nestwrite/writeop"
)

// Engine executes nested writes against one connector.
type Engine struct {
	conn   connector.Connector
	log    *slog.Logger
	policy privacy.Policy

	mu  sync.RWMutex
	cat *catalog.Catalog
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithPolicy installs a write policy. The policy is evaluated against
// every operation of the resolved tree before planning; a denied write
// never opens a transaction.
func WithPolicy(policy privacy.Policy) Option {
	return func(e *Engine) { e.policy = policy }
}

// New returns an engine over the given catalog and connector.
func New(cat *catalog.Catalog, conn connector.Connector, opts ...Option) *Engine {
	e := &Engine{cat: cat, conn: conn, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the catalog currently in use.
func (e *Engine) Catalog() *catalog.Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cat
}

// Reload swaps the catalog. In-flight writes keep the catalog they
// started with. Wired as the reload callback of catalog.Watcher.
func (e *Engine) Reload(cat *catalog.Catalog) {
	e.mu.Lock()
	e.cat = cat
	e.mu.Unlock()
	e.log.Info("catalog reloaded")
}

// Write is one root operation of a batch.
type Write struct {
	Model   string
	Payload map[string]any
}

// ExecuteNestedWrite runs one nested write in its own transaction and
// returns its result tree.
func (e *Engine) ExecuteNestedWrite(ctx context.Context, model string, payload map[string]any) (*exec.Result, error) {
	results, err := e.ExecuteInTx(ctx, []Write{{Model: model, Payload: payload}})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ExecuteWith runs one nested write on a caller-supplied transaction.
// The caller owns the transaction's lifecycle: nothing is committed or
// rolled back here, so a write can share its transaction with other
// statements.
func (e *Engine) ExecuteWith(ctx context.Context, tx connector.Tx, model string, payload map[string]any) (*exec.Result, error) {
	g, err := e.planWrite(ctx, e.Catalog(), model, payload)
	if err != nil {
		return nil, err
	}
	return exec.Run(ctx, g, tx, e.log)
}

// planWrite resolves and plans one write without touching storage.
func (e *Engine) planWrite(ctx context.Context, cat *catalog.Catalog, model string, payload map[string]any) (*plan.Graph, error) {
	op, err := writeop.Resolve(cat, model, payload)
	if err != nil {
		return nil, err
	}
	if err := e.policy.Eval(ctx, op); err != nil {
		return nil, err
	}
	return plan.Build(cat, op)
}

// ExecuteInTx runs several root writes inside one transaction. They
// execute in order and share atomicity: the first failure rolls
// everything back.
func (e *Engine) ExecuteInTx(ctx context.Context, writes []Write) ([]*exec.Result, error) {
	cat := e.Catalog()

	// Plan everything up front; planning errors must not cost a
	// transaction.
	graphs := make([]*plan.Graph, len(writes))
	for i, w := range writes {
		g, err := e.planWrite(ctx, cat, w.Model, w.Payload)
		if err != nil {
			return nil, err
		}
		graphs[i] = g
	}

	tx, err := e.conn.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	results := make([]*exec.Result, len(writes))
	for i, g := range graphs {
		res, err := exec.Run(ctx, g, tx, e.log)
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return nil, &nestwrite.RollbackError{Cause: err, Err: rbErr}
			}
			e.log.DebugContext(ctx, "nested write rolled back",
				"model", writes[i].Model, "error", err)
			return nil, err
		}
		results[i] = res
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log.DebugContext(ctx, "nested write committed",
		"writes", len(writes), "elapsed", time.Since(start))
	return results, nil
}
