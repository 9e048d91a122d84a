package spandb

import (
	"context"
	"sync"
	"time"

	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/session"
	"github.com/spandb/spandb.go/pkg/status"
)

// ReadOnlyTransaction reads at a fixed timestamp and never takes locks.
// Single-use transactions skip the begin round trip; multi-use ones carry a
// server-side transaction ID so every read observes the same snapshot.
//
// Call Close when done to return the session to the pool.
type ReadOnlyTransaction struct {
	transaction

	pool      *session.Pool
	bound     TimestampBound
	singleUse bool

	mu            sync.Mutex
	readTimestamp *time.Time
	closed        bool
}

func newSingleUseTransaction(ms *session.ManagedSession, pool *session.Pool, tb TimestampBound) *ReadOnlyTransaction {
	tx := &ReadOnlyTransaction{pool: pool, bound: tb, singleUse: true}
	tx.session = ms
	tx.selector = singleUseSelector(tb)
	return tx
}

func beginReadOnlyTransaction(ctx context.Context, ms *session.ManagedSession, pool *session.Pool, tb TimestampBound) (*ReadOnlyTransaction, error) {
	tx := &ReadOnlyTransaction{pool: pool, bound: tb}
	tx.session = ms
	if err := tx.begin(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (tx *ReadOnlyTransaction) begin(ctx context.Context) error {
	res, err := tx.session.Client().BeginTransaction(ctx, &protocol.BeginTransactionRequest{
		Session: tx.session.Name(),
		Options: protocol.TransactionOptions{
			Mode:     protocol.ModeReadOnly,
			ReadOnly: tx.bound.readOnlyOptions(true),
		},
	})
	if err != nil {
		return tx.session.InvalidateIfNeeded(err)
	}
	tx.session.MarkUsed()
	tx.selector = idSelector(res.ID)
	tx.mu.Lock()
	tx.readTimestamp = res.ReadTimestamp
	tx.mu.Unlock()
	return nil
}

// renew replaces a session the server no longer knows with a fresh one and,
// for multi-use transactions, begins a new snapshot at the same bound.
func (tx *ReadOnlyTransaction) renew(ctx context.Context) error {
	ms, err := tx.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	tx.session.Release()
	tx.session = ms
	if tx.singleUse {
		return nil
	}
	return tx.begin(ctx)
}

// withSessionRecovery runs f once, and once more on a fresh session if the
// first attempt failed because the session was gone.
func (tx *ReadOnlyTransaction) withSessionRecovery(ctx context.Context, f func(ctx context.Context) (*RowIterator, error)) (*RowIterator, error) {
	it, err := f(ctx)
	if err == nil || !status.IsSessionNotFound(err) {
		return it, err
	}
	if rerr := tx.renew(ctx); rerr != nil {
		return nil, err
	}
	return f(ctx)
}

func (tx *ReadOnlyTransaction) Query(ctx context.Context, stmt Statement) (*RowIterator, error) {
	return tx.withSessionRecovery(ctx, func(ctx context.Context) (*RowIterator, error) {
		return tx.transaction.Query(ctx, stmt)
	})
}

func (tx *ReadOnlyTransaction) Read(ctx context.Context, table string, keys KeySet, columns []string) (*RowIterator, error) {
	return tx.ReadWithOptions(ctx, table, keys, columns, ReadOptions{})
}

func (tx *ReadOnlyTransaction) ReadWithOptions(ctx context.Context, table string, keys KeySet, columns []string, opts ReadOptions) (*RowIterator, error) {
	return tx.withSessionRecovery(ctx, func(ctx context.Context) (*RowIterator, error) {
		return tx.transaction.ReadWithOptions(ctx, table, keys, columns, opts)
	})
}

func (tx *ReadOnlyTransaction) ReadRow(ctx context.Context, table string, key Key, columns []string) (*Row, error) {
	it, err := tx.Read(ctx, table, Keys(key), columns)
	if err != nil {
		return nil, err
	}
	return singleRow(ctx, it, table)
}

// ReadTimestamp returns the snapshot timestamp, available once the
// transaction has begun. Single-use transactions do not report one.
func (tx *ReadOnlyTransaction) ReadTimestamp() (time.Time, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.readTimestamp == nil {
		return time.Time{}, false
	}
	return *tx.readTimestamp, true
}

// Close returns the session to the pool. Idempotent.
func (tx *ReadOnlyTransaction) Close() {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return
	}
	tx.closed = true
	tx.mu.Unlock()
	tx.session.Release()
}

// PartitionOptions hints how a batch transaction should split its work.
type PartitionOptions struct {
	PartitionSizeBytes int64
	MaxPartitions      int64
}

func (po PartitionOptions) toProto() *protocol.PartitionOptions {
	if po.PartitionSizeBytes == 0 && po.MaxPartitions == 0 {
		return nil
	}
	return &protocol.PartitionOptions{
		PartitionSizeBytes: po.PartitionSizeBytes,
		MaxPartitions:      po.MaxPartitions,
	}
}

// Partition is one independently executable slice of a partitioned query
// or read. Partitions of one BatchReadOnlyTransaction may run concurrently
// and observe the same snapshot. The stored request carries no session; it
// is completed with the transaction's current session at execute time.
type Partition struct {
	sql  *protocol.ExecuteSQLRequest
	read *protocol.ReadRequest
}

// BatchReadOnlyTransaction splits a query or read into partitions that can
// be executed in parallel, all at one snapshot.
type BatchReadOnlyTransaction struct {
	ReadOnlyTransaction
}

func beginBatchReadOnlyTransaction(ctx context.Context, ms *session.ManagedSession, pool *session.Pool, tb TimestampBound) (*BatchReadOnlyTransaction, error) {
	tx := &BatchReadOnlyTransaction{}
	tx.pool = pool
	tx.bound = tb
	tx.session = ms
	if err := tx.begin(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

// withPartitionRecovery is withSessionRecovery for the partitioning calls,
// which return partition lists rather than iterators.
func (tx *BatchReadOnlyTransaction) withPartitionRecovery(ctx context.Context, f func(ctx context.Context) ([]*Partition, error)) ([]*Partition, error) {
	ps, err := f(ctx)
	if err == nil || !status.IsSessionNotFound(err) {
		return ps, err
	}
	if rerr := tx.renew(ctx); rerr != nil {
		return nil, err
	}
	return f(ctx)
}

// PartitionQuery splits a query into partitions. The statement must be
// root-partitionable: its first operator in the query plan must be a
// distributed union.
func (tx *BatchReadOnlyTransaction) PartitionQuery(ctx context.Context, stmt Statement, opts PartitionOptions) ([]*Partition, error) {
	return tx.withPartitionRecovery(ctx, func(ctx context.Context) ([]*Partition, error) {
		res, err := tx.session.Client().PartitionQuery(ctx, &protocol.PartitionQueryRequest{
			Session:          tx.session.Name(),
			Transaction:      tx.selector,
			SQL:              stmt.SQL,
			Params:           stmt.Params,
			ParamTypes:       stmt.ParamTypes,
			PartitionOptions: opts.toProto(),
		})
		if err != nil {
			return nil, tx.session.InvalidateIfNeeded(err)
		}
		tx.session.MarkUsed()

		partitions := make([]*Partition, 0, len(res.Partitions))
		for _, p := range res.Partitions {
			req := stmt.executeSQLRequest("", nil, 0)
			req.PartitionToken = p.PartitionToken
			partitions = append(partitions, &Partition{sql: req})
		}
		return partitions, nil
	})
}

// PartitionRead splits a table read into partitions.
func (tx *BatchReadOnlyTransaction) PartitionRead(ctx context.Context, table string, keys KeySet, columns []string, opts PartitionOptions) ([]*Partition, error) {
	return tx.withPartitionRecovery(ctx, func(ctx context.Context) ([]*Partition, error) {
		res, err := tx.session.Client().PartitionRead(ctx, &protocol.PartitionReadRequest{
			Session:          tx.session.Name(),
			Transaction:      tx.selector,
			Table:            table,
			Columns:          columns,
			KeySet:           keys.toProto(),
			PartitionOptions: opts.toProto(),
		})
		if err != nil {
			return nil, tx.session.InvalidateIfNeeded(err)
		}
		tx.session.MarkUsed()

		partitions := make([]*Partition, 0, len(res.Partitions))
		for _, p := range res.Partitions {
			req := &protocol.ReadRequest{
				Table:          table,
				Columns:        columns,
				KeySet:         keys.toProto(),
				PartitionToken: p.PartitionToken,
			}
			partitions = append(partitions, &Partition{read: req})
		}
		return partitions, nil
	})
}

// Execute streams the rows of one partition. The partition's request is
// stamped with the transaction's current session, so a partition outlives a
// session replacement.
func (tx *BatchReadOnlyTransaction) Execute(ctx context.Context, p *Partition) (*RowIterator, error) {
	return tx.withSessionRecovery(ctx, func(ctx context.Context) (*RowIterator, error) {
		var rd reader
		if p.sql != nil {
			req := *p.sql
			req.Session = tx.session.Name()
			req.Transaction = tx.selector
			rd = &statementReader{client: tx.session.Client(), req: &req}
		} else {
			req := *p.read
			req.Session = tx.session.Name()
			req.Transaction = tx.selector
			rd = &tableReader{client: tx.session.Client(), req: &req}
		}
		it, err := newRowIterator(ctx, rd)
		if err != nil {
			return nil, tx.session.InvalidateIfNeeded(err)
		}
		tx.session.MarkUsed()
		return it, nil
	})
}

// Cleanup returns the transaction's session to the pool once all partitions
// have been executed.
func (tx *BatchReadOnlyTransaction) Cleanup() {
	tx.Close()
}
