package spandb

import (
	"context"
	"sync"

	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/session"
	"github.com/spandb/spandb.go/pkg/status"
)

// ReadWriteTransaction is a locking transaction. Reads and DML see the
// transaction's own uncommitted changes; buffered mutations are applied
// atomically at commit and are not visible to reads inside the
// transaction.
//
// The transaction function passed to Client.ReadWriteTransaction may run
// multiple times; it must not carry side effects outside the transaction.
type ReadWriteTransaction struct {
	transaction

	mu     sync.Mutex
	writes []Mutation
}

// beginReadWriteTransaction starts a server-side read-write transaction on
// the given session. The caller keeps ownership of the session whether or
// not begin succeeds.
func beginReadWriteTransaction(ctx context.Context, ms *session.ManagedSession) (*ReadWriteTransaction, error) {
	res, err := ms.Client().BeginTransaction(ctx, &protocol.BeginTransactionRequest{
		Session: ms.Name(),
		Options: protocol.TransactionOptions{Mode: protocol.ModeReadWrite},
	})
	if err != nil {
		return nil, ms.InvalidateIfNeeded(err)
	}
	ms.MarkUsed()
	tx := &ReadWriteTransaction{}
	tx.session = ms
	tx.selector = idSelector(res.ID)
	return tx, nil
}

// beginPartitionedDMLTransaction starts a partitioned DML transaction.
func beginPartitionedDMLTransaction(ctx context.Context, ms *session.ManagedSession) (*protocol.Transaction, error) {
	res, err := ms.Client().BeginTransaction(ctx, &protocol.BeginTransactionRequest{
		Session: ms.Name(),
		Options: protocol.TransactionOptions{Mode: protocol.ModePartitionedDML},
	})
	if err != nil {
		return nil, ms.InvalidateIfNeeded(err)
	}
	ms.MarkUsed()
	return res, nil
}

// BufferWrite queues mutations to be applied at commit.
func (tx *ReadWriteTransaction) BufferWrite(ms ...Mutation) {
	tx.mu.Lock()
	tx.writes = append(tx.writes, ms...)
	tx.mu.Unlock()
}

// Update executes a DML statement and returns the number of affected rows.
func (tx *ReadWriteTransaction) Update(ctx context.Context, stmt Statement) (int64, error) {
	req := stmt.executeSQLRequest(tx.session.Name(), tx.selector, tx.nextSeqno())
	res, err := tx.session.Client().ExecuteSQL(ctx, req)
	if err != nil {
		return 0, tx.session.InvalidateIfNeeded(err)
	}
	tx.session.MarkUsed()
	return res.Stats.RowCount(), nil
}

// BatchUpdate executes several DML statements in order with one round
// trip, returning the affected row count of each.
func (tx *ReadWriteTransaction) BatchUpdate(ctx context.Context, stmts []Statement) ([]int64, error) {
	if len(stmts) == 0 {
		return nil, status.New(status.InvalidArgument, "no statements to execute")
	}
	req := &protocol.ExecuteBatchDMLRequest{
		Session:     tx.session.Name(),
		Transaction: tx.selector,
		Seqno:       tx.nextSeqno(),
	}
	for _, s := range stmts {
		req.Statements = append(req.Statements, s.batchDMLStatement())
	}
	res, err := tx.session.Client().ExecuteBatchDML(ctx, req)
	if err != nil {
		return nil, tx.session.InvalidateIfNeeded(err)
	}
	tx.session.MarkUsed()
	counts := make([]int64, 0, len(res.ResultSets))
	for _, rs := range res.ResultSets {
		counts = append(counts, rs.Stats.RowCount())
	}
	return counts, nil
}

func (tx *ReadWriteTransaction) commit(ctx context.Context, opts CommitOptions) (CommitResult, error) {
	tx.mu.Lock()
	writes := tx.writes
	tx.mu.Unlock()

	res, err := tx.session.Client().Commit(ctx, &protocol.CommitRequest{
		Session:           tx.session.Name(),
		TransactionID:     tx.selector.ID,
		Mutations:         mutationsToProto(writes),
		ReturnCommitStats: opts.ReturnCommitStats,
	})
	if err != nil {
		return CommitResult{}, tx.session.InvalidateIfNeeded(err)
	}
	tx.session.MarkUsed()
	return commitResultFromProto(res), nil
}

func (tx *ReadWriteTransaction) rollback(ctx context.Context) error {
	err := tx.session.Client().Rollback(ctx, &protocol.RollbackRequest{
		Session:       tx.session.Name(),
		TransactionID: tx.selector.ID,
	})
	if err != nil {
		return tx.session.InvalidateIfNeeded(err)
	}
	tx.session.MarkUsed()
	return nil
}

// finish resolves the transaction after the user function returned. A nil
// ferr commits. Aborted and session-not-found errors propagate without a
// rollback: the server has already discarded the transaction in both
// cases. Any other error rolls back best-effort first.
func (tx *ReadWriteTransaction) finish(ctx context.Context, ferr error, opts CommitOptions) (CommitResult, error) {
	if ferr == nil {
		return tx.commit(ctx, opts)
	}
	if status.CodeOf(ferr) != status.Aborted && !status.IsSessionNotFound(ferr) {
		_ = tx.rollback(ctx)
	}
	return CommitResult{}, ferr
}
