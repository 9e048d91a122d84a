package spandb

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/session"
	"github.com/spandb/spandb.go/pkg/status"
)

// transaction is the read surface shared by every transaction kind: a
// leased session plus the selector stamped on each request.
type transaction struct {
	session  *session.ManagedSession
	selector *protocol.TransactionSelector

	// seqno orders DML within one transaction attempt so the server can
	// detect replays. Queries and reads do not consume sequence numbers.
	seqno atomic.Int64
}

func (t *transaction) nextSeqno() int64 {
	return t.seqno.Add(1)
}

// ReadOptions tunes a table read.
type ReadOptions struct {
	// Index reads through the named secondary index instead of the primary
	// key. Columns must then be present in the index.
	Index string
	// Limit caps the number of rows returned. Zero means no limit.
	Limit int64
}

// Query runs a SQL statement and returns a streaming row iterator.
func (t *transaction) Query(ctx context.Context, stmt Statement) (*RowIterator, error) {
	req := stmt.executeSQLRequest(t.session.Name(), t.selector, 0)
	it, err := newRowIterator(ctx, &statementReader{client: t.session.Client(), req: req})
	if err != nil {
		return nil, t.session.InvalidateIfNeeded(err)
	}
	t.session.MarkUsed()
	return it, nil
}

// Read streams the named columns of the rows the key set selects.
func (t *transaction) Read(ctx context.Context, table string, keys KeySet, columns []string) (*RowIterator, error) {
	return t.ReadWithOptions(ctx, table, keys, columns, ReadOptions{})
}

func (t *transaction) ReadWithOptions(ctx context.Context, table string, keys KeySet, columns []string, opts ReadOptions) (*RowIterator, error) {
	req := &protocol.ReadRequest{
		Session:     t.session.Name(),
		Transaction: t.selector,
		Table:       table,
		Index:       opts.Index,
		Columns:     columns,
		KeySet:      keys.toProto(),
		Limit:       opts.Limit,
	}
	it, err := newRowIterator(ctx, &tableReader{client: t.session.Client(), req: req})
	if err != nil {
		return nil, t.session.InvalidateIfNeeded(err)
	}
	t.session.MarkUsed()
	return it, nil
}

// ReadRow reads a single row by key. It returns a NotFound error when the
// row does not exist.
func (t *transaction) ReadRow(ctx context.Context, table string, key Key, columns []string) (*Row, error) {
	it, err := t.Read(ctx, table, Keys(key), columns)
	if err != nil {
		return nil, err
	}
	return singleRow(ctx, it, table)
}

func singleRow(ctx context.Context, it *RowIterator, table string) (*Row, error) {
	defer it.Stop()
	row, err := it.Next(ctx)
	if err == io.EOF {
		return nil, status.Errorf(status.NotFound, "row not found in table %s", table)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func singleUseSelector(tb TimestampBound) *protocol.TransactionSelector {
	return &protocol.TransactionSelector{
		SingleUse: &protocol.TransactionOptions{
			Mode:     protocol.ModeReadOnly,
			ReadOnly: tb.readOnlyOptions(false),
		},
	}
}

func idSelector(id []byte) *protocol.TransactionSelector {
	return &protocol.TransactionSelector{ID: id}
}
