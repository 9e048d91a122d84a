package spandb

import (
	"context"
	"io"

	"github.com/spandb/spandb.go/pkg/connection"
	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/status"
)

// reader re-issues a streaming RPC, picking up from a resume token after a
// broken stream.
type reader interface {
	read(ctx context.Context, resumeToken []byte) (*connection.Stream, error)
	canResume() bool
}

type statementReader struct {
	client *connection.Client
	req    *protocol.ExecuteSQLRequest
}

func (r *statementReader) read(ctx context.Context, resumeToken []byte) (*connection.Stream, error) {
	req := *r.req
	req.ResumeToken = resumeToken
	return r.client.ExecuteStreamingSQL(ctx, &req)
}

func (r *statementReader) canResume() bool { return true }

type tableReader struct {
	client *connection.Client
	req    *protocol.ReadRequest
}

func (r *tableReader) read(ctx context.Context, resumeToken []byte) (*connection.Stream, error) {
	req := *r.req
	req.ResumeToken = resumeToken
	return r.client.StreamingRead(ctx, &req)
}

func (r *tableReader) canResume() bool { return true }

// RowIterator yields the rows of a streaming read or query. It reassembles
// values split across chunks and transparently resumes a broken stream from
// the last resume token.
type RowIterator struct {
	rd     reader
	stream *connection.Stream

	fields []protocol.Field
	index  map[string]int

	rows        []*Row
	buffered    []any
	chunked     any
	hasChunked  bool
	resumeToken []byte
	stats       *protocol.ResultSetStats

	done bool
	err  error
}

// newRowIterator opens the stream and prefetches its first chunk, so that
// errors the server reports up front, like a missing session, surface here
// rather than on the first Next.
func newRowIterator(ctx context.Context, rd reader) (*RowIterator, error) {
	stream, err := rd.read(ctx, nil)
	if err != nil {
		return nil, err
	}
	it := &RowIterator{rd: rd, stream: stream}

	var prs protocol.PartialResultSet
	err = stream.Recv(ctx, &prs)
	if err == io.EOF {
		it.done = true
		return it, nil
	}
	if err != nil {
		stream.Close()
		return nil, err
	}
	if err := it.consume(&prs); err != nil {
		stream.Close()
		return nil, err
	}
	return it, nil
}

// Next returns the next row, or io.EOF once the stream is exhausted.
func (it *RowIterator) Next(ctx context.Context) (*Row, error) {
	if it.err != nil {
		return nil, it.err
	}
	for {
		if len(it.rows) > 0 {
			row := it.rows[0]
			it.rows = it.rows[1:]
			return row, nil
		}
		if it.done {
			return nil, io.EOF
		}

		var prs protocol.PartialResultSet
		err := it.stream.Recv(ctx, &prs)
		if err == io.EOF {
			if it.hasChunked || len(it.buffered) > 0 {
				it.err = status.Errorf(status.Internal, "stream ended mid-row")
				return nil, it.err
			}
			it.done = true
			continue
		}
		if err != nil {
			if resumed := it.resume(ctx, err); resumed {
				continue
			}
			it.err = err
			return nil, err
		}

		if cerr := it.consume(&prs); cerr != nil {
			it.err = cerr
			return nil, cerr
		}
	}
}

// resume reopens the stream from the last resume token. Errors that carry
// no token, or non-resumable readers, propagate to the caller.
func (it *RowIterator) resume(ctx context.Context, cause error) bool {
	if it.rd == nil || !it.rd.canResume() || len(it.resumeToken) == 0 {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	it.stream.Close()
	stream, err := it.rd.read(ctx, it.resumeToken)
	if err != nil {
		return false
	}
	it.stream = stream
	// The resumed stream replays everything after the token, so partial
	// values accumulated from un-tokenized frames must not be merged twice.
	it.buffered = nil
	it.chunked = nil
	it.hasChunked = false
	return true
}

// consume folds one chunk into the iterator: merge a value split across
// chunk boundaries, group completed values into rows, and track the resume
// token and stats.
func (it *RowIterator) consume(prs *protocol.PartialResultSet) error {
	if it.fields == nil && prs.Metadata != nil {
		it.fields = prs.Metadata.RowType
		it.index = make(map[string]int, len(it.fields))
		for i, f := range it.fields {
			it.index[f.Name] = i
		}
	}

	values := prs.Values
	if it.hasChunked {
		if len(values) == 0 {
			return status.Errorf(status.Internal, "chunk continuation carried no values")
		}
		merged, err := mergeChunkedValue(it.chunked, values[0])
		if err != nil {
			return err
		}
		values = append([]any{merged}, values[1:]...)
		it.hasChunked = false
	}
	if prs.ChunkedValue {
		if len(values) == 0 {
			return status.Errorf(status.Internal, "chunked flag set on empty chunk")
		}
		it.chunked = values[len(values)-1]
		it.hasChunked = true
		values = values[:len(values)-1]
	}

	it.buffered = append(it.buffered, values...)
	if width := len(it.fields); width > 0 {
		for len(it.buffered) >= width {
			it.rows = append(it.rows, newRow(it.fields, it.index, it.buffered[:width:width]))
			it.buffered = it.buffered[width:]
		}
	} else if len(it.buffered) > 0 {
		return status.Errorf(status.Internal, "row values arrived before metadata")
	}

	if len(prs.ResumeToken) > 0 {
		it.resumeToken = prs.ResumeToken
	}
	if prs.Stats != nil {
		it.stats = prs.Stats
	}
	return nil
}

// mergeChunkedValue joins the tail value of one chunk with the head value
// of the next. Strings and byte slices concatenate; lists concatenate with
// their boundary elements merged recursively when both sides allow it.
func mergeChunkedValue(prev, next any) (any, error) {
	switch p := prev.(type) {
	case string:
		n, ok := next.(string)
		if !ok {
			return nil, status.Errorf(status.Internal, "cannot merge string chunk with %T", next)
		}
		return p + n, nil
	case []byte:
		n, ok := next.([]byte)
		if !ok {
			return nil, status.Errorf(status.Internal, "cannot merge bytes chunk with %T", next)
		}
		return append(p, n...), nil
	case []any:
		n, ok := next.([]any)
		if !ok {
			return nil, status.Errorf(status.Internal, "cannot merge list chunk with %T", next)
		}
		if len(p) > 0 && len(n) > 0 && mergeable(p[len(p)-1], n[0]) {
			joined, err := mergeChunkedValue(p[len(p)-1], n[0])
			if err != nil {
				return nil, err
			}
			out := append(p[:len(p)-1], joined)
			return append(out, n[1:]...), nil
		}
		return append(p, n...), nil
	default:
		return nil, status.Errorf(status.Internal, "value of type %T cannot be chunked", prev)
	}
}

func mergeable(a, b any) bool {
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case []byte:
		_, ok := b.([]byte)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	default:
		return false
	}
}

// Stop releases the stream. It is safe to call at any point, including
// after Next returned io.EOF or an error.
func (it *RowIterator) Stop() {
	if it.stream != nil {
		it.stream.Close()
	}
	it.done = true
}

// RowCount returns the affected row count reported by the server, valid
// after the iterator is exhausted. DML statements report it; queries do
// not.
func (it *RowIterator) RowCount() int64 {
	return it.stats.RowCount()
}

// Do iterates the remaining rows, calling f for each, and stops the
// iterator when done.
func (it *RowIterator) Do(ctx context.Context, f func(r *Row) error) error {
	defer it.Stop()
	for {
		row, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(row); err != nil {
			return err
		}
	}
}
