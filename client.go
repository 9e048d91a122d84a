// Package spandb is a client for SpanDB, a distributed, horizontally
// scalable relational database. It maintains a pool of server-side
// sessions over a fixed set of multiplexed connections, and exposes
// single-use reads, read-only and read-write transactions, batch
// (partitioned) reads and partitioned DML on top of them.
package spandb

import (
	"context"

	"github.com/spandb/spandb.go/pkg/connection"
	"github.com/spandb/spandb.go/pkg/logger"
	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/retry"
	"github.com/spandb/spandb.go/pkg/session"
	"github.com/spandb/spandb.go/pkg/status"
)

// Client is the entry point of the SDK. It is safe for concurrent use and
// should be shared; constructing one dials connections and warms the
// session pool.
type Client struct {
	database string
	conns    *connection.Manager
	rpc      *connection.Client
	pool     *session.Pool
	logger   logger.Logger
	txRetry  retry.Setting
}

// NewClient connects to the configured endpoint and prepares the session
// pool for the given database.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conns, err := connection.NewManager(ctx, &connection.Config{
		BaseURL:     cfg.Endpoint,
		TokenSource: cfg.TokenSource,
		Logger:      cfg.Logger,
		Timeout:     cfg.Timeout,
	}, cfg.NumConnections)
	if err != nil {
		return nil, err
	}

	rpc := connection.NewClient(conns, retry.DefaultRPCSetting(), cfg.Logger)

	pool, err := session.NewPool(rpc, cfg.Database, cfg.SessionPool, cfg.Logger)
	if err != nil {
		_ = conns.Close(ctx)
		return nil, err
	}

	return &Client{
		database: cfg.Database,
		conns:    conns,
		rpc:      rpc,
		pool:     pool,
		logger:   cfg.Logger,
		txRetry:  retry.DefaultTransactionSetting(),
	}, nil
}

// Close drains the session pool and closes every connection.
func (c *Client) Close(ctx context.Context) error {
	perr := c.pool.Close(ctx)
	cerr := c.conns.Close(ctx)
	if perr != nil {
		return perr
	}
	return cerr
}

// Single returns a single-use read-only transaction at the given bound.
// Each read on it is served without a begin round trip. Close it when
// done.
func (c *Client) Single(ctx context.Context, tb TimestampBound) (*ReadOnlyTransaction, error) {
	ms, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return newSingleUseTransaction(ms, c.pool, tb), nil
}

// ReadOnlyTransaction begins a multi-use read-only transaction: every read
// on it observes the same snapshot. Close it when done.
func (c *Client) ReadOnlyTransaction(ctx context.Context, tb TimestampBound) (*ReadOnlyTransaction, error) {
	ms, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := beginReadOnlyTransaction(ctx, ms, c.pool, tb)
	if err != nil {
		ms.Release()
		return nil, err
	}
	return tx, nil
}

// BatchReadOnlyTransaction begins a snapshot transaction whose queries and
// reads can be partitioned and executed in parallel. Call Cleanup when all
// partitions have been processed.
func (c *Client) BatchReadOnlyTransaction(ctx context.Context, tb TimestampBound) (*BatchReadOnlyTransaction, error) {
	ms, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := beginBatchReadOnlyTransaction(ctx, ms, c.pool, tb)
	if err != nil {
		ms.Release()
		return nil, err
	}
	return tx, nil
}

// ReadWriteTransaction runs f inside a read-write transaction and commits
// when f returns nil. On an abort the whole function is retried with
// backoff on the same session; when the session itself is gone a fresh one
// is taken immediately. f must therefore be idempotent apart from its
// writes.
func (c *Client) ReadWriteTransaction(ctx context.Context, f func(ctx context.Context, tx *ReadWriteTransaction) error) (CommitResult, error) {
	return c.readWriteTransaction(ctx, f, CommitOptions{})
}

// ReadWriteTransactionWithOptions is ReadWriteTransaction with commit
// options.
func (c *Client) ReadWriteTransactionWithOptions(ctx context.Context, f func(ctx context.Context, tx *ReadWriteTransaction) error, opts CommitOptions) (CommitResult, error) {
	return c.readWriteTransaction(ctx, f, opts)
}

func (c *Client) readWriteTransaction(ctx context.Context, f func(ctx context.Context, tx *ReadWriteTransaction) error, opts CommitOptions) (CommitResult, error) {
	var ms *session.ManagedSession
	defer func() {
		if ms != nil {
			ms.Release()
		}
	}()

	for attempt := 0; ; {
		if ms == nil {
			var err error
			ms, err = c.pool.Acquire(ctx)
			if err != nil {
				return CommitResult{}, err
			}
		}

		res, err := c.runAttempt(ctx, ms, f, opts)
		if err == nil {
			return res, nil
		}

		switch {
		case status.IsSessionNotFound(err):
			ms.Release()
			ms = nil
		case status.CodeOf(err) == status.Aborted:
			c.logger.Debug("transaction aborted, retrying", "attempt", attempt)
			if werr := retry.Wait(ctx, c.txRetry, attempt); werr != nil {
				return CommitResult{}, werr
			}
			attempt++
		default:
			return CommitResult{}, err
		}
	}
}

func (c *Client) runAttempt(ctx context.Context, ms *session.ManagedSession, f func(ctx context.Context, tx *ReadWriteTransaction) error, opts CommitOptions) (CommitResult, error) {
	tx, err := beginReadWriteTransaction(ctx, ms)
	if err != nil {
		return CommitResult{}, err
	}
	ferr := f(ctx, tx)
	return tx.finish(ctx, ferr, opts)
}

// Apply commits the mutations in a retried read-write transaction.
func (c *Client) Apply(ctx context.Context, ms []Mutation) (CommitResult, error) {
	return c.ReadWriteTransaction(ctx, func(ctx context.Context, tx *ReadWriteTransaction) error {
		tx.BufferWrite(ms...)
		return nil
	})
}

// ApplyAtLeastOnce commits the mutations in a single-use transaction,
// saving a round trip. Unlike Apply, a retry after an ambiguous failure
// can apply the mutations a second time; only use it for idempotent
// writes.
func (c *Client) ApplyAtLeastOnce(ctx context.Context, muts []Mutation) (CommitResult, error) {
	ms, err := c.pool.Acquire(ctx)
	if err != nil {
		return CommitResult{}, err
	}
	defer func() {
		if ms != nil {
			ms.Release()
		}
	}()

	for attempt := 0; ; {
		res, err := ms.Client().Commit(ctx, &protocol.CommitRequest{
			Session: ms.Name(),
			SingleUseTransaction: &protocol.TransactionOptions{
				Mode: protocol.ModeReadWrite,
			},
			Mutations: mutationsToProto(muts),
		})
		if err == nil {
			ms.MarkUsed()
			return commitResultFromProto(res), nil
		}
		ms.InvalidateIfNeeded(err)

		switch {
		case status.IsSessionNotFound(err):
			ms.Release()
			ms, err = c.pool.Acquire(ctx)
			if err != nil {
				return CommitResult{}, err
			}
		case status.CodeOf(err) == status.Aborted:
			if werr := retry.Wait(ctx, c.txRetry, attempt); werr != nil {
				return CommitResult{}, werr
			}
			attempt++
		default:
			return CommitResult{}, err
		}
	}
}

// PartitionedUpdate runs a DML statement as partitioned DML: the update is
// applied partition by partition, so it is not atomic across the table,
// but can touch far more rows than a regular transaction. The statement
// must be idempotent. Returns a lower bound on the number of updated
// rows.
func (c *Client) PartitionedUpdate(ctx context.Context, stmt Statement) (int64, error) {
	for attempt := 0; ; {
		count, err := c.partitionedUpdateAttempt(ctx, stmt)
		if err == nil {
			return count, nil
		}

		switch {
		case status.IsSessionNotFound(err):
			// Fresh session on the next attempt, no backoff needed.
		case status.CodeOf(err) == status.Aborted, status.CodeOf(err) == status.Internal:
			if werr := retry.Wait(ctx, c.txRetry, attempt); werr != nil {
				return 0, werr
			}
			attempt++
		default:
			return 0, err
		}
	}
}

func (c *Client) partitionedUpdateAttempt(ctx context.Context, stmt Statement) (int64, error) {
	ms, err := c.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer ms.Release()

	txn, err := beginPartitionedDMLTransaction(ctx, ms)
	if err != nil {
		return 0, err
	}

	req := stmt.executeSQLRequest(ms.Name(), idSelector(txn.ID), 1)
	res, err := ms.Client().ExecuteSQL(ctx, req)
	if err != nil {
		return 0, ms.InvalidateIfNeeded(err)
	}
	ms.MarkUsed()
	return res.Stats.RowCount(), nil
}

// ListSessions lists the database's server-side sessions, pooled or not.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.Session, error) {
	return c.rpc.ListSessions(ctx, c.database)
}
