package spandb_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spandb "github.com/spandb/spandb.go"
	"github.com/spandb/spandb.go/internal/fakespan"
	"github.com/spandb/spandb.go/pkg/logger"
	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/session"
	"github.com/spandb/spandb.go/pkg/status"
)

func setup(t *testing.T) (*fakespan.Server, *spandb.Client) {
	t.Helper()
	srv := fakespan.NewServer(logger.Discard())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	poolCfg := session.DefaultConfig()
	poolCfg.MinOpened = 0
	poolCfg.MaxOpened = 5
	poolCfg.MaxIdle = 5
	poolCfg.IncStep = 1
	poolCfg.AcquireTimeout = 2 * time.Second

	client, err := spandb.NewClient(context.Background(), spandb.Config{
		Database:       "projects/p/instances/i/databases/d",
		Endpoint:       srv.URL(),
		NumConnections: 1,
		SessionPool:    poolCfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return srv, client
}

func usersStub() fakespan.StubResult {
	return fakespan.StubResult{
		Fields: []protocol.Field{
			{Name: "id", Type: "INT64"},
			{Name: "name", Type: "STRING"},
		},
		Rows: [][]any{
			{int64(1), "alice"},
			{int64(2), "bob"},
			{int64(3), "carol"},
		},
	}
}

func collectIDs(ctx context.Context, t *testing.T, it *spandb.RowIterator) []int64 {
	t.Helper()
	var ids []int64
	require.NoError(t, it.Do(ctx, func(r *spandb.Row) error {
		var id int64
		if err := r.ColumnByName("id", &id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	}))
	return ids
}

func TestSingleQuery(t *testing.T) {
	srv, client := setup(t)
	srv.StubQuery("SELECT id, name FROM users", usersStub())

	ctx := context.Background()
	tx, err := client.Single(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Close()

	it, err := tx.Query(ctx, spandb.NewStatement("SELECT id, name FROM users"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, collectIDs(ctx, t, it))
}

func TestSingleRead(t *testing.T) {
	srv, client := setup(t)
	srv.StubRead("users", usersStub())

	ctx := context.Background()
	tx, err := client.Single(ctx, spandb.ExactStaleness(10*time.Second))
	require.NoError(t, err)
	defer tx.Close()

	it, err := tx.Read(ctx, "users", spandb.AllKeys(), []string{"id", "name"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, collectIDs(ctx, t, it))
}

func TestReadRow(t *testing.T) {
	srv, client := setup(t)
	srv.StubRead("users", usersStub())

	ctx := context.Background()
	tx, err := client.Single(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Close()

	row, err := tx.ReadRow(ctx, "users", spandb.Key{int64(1)}, []string{"id", "name"})
	require.NoError(t, err)

	var name string
	require.NoError(t, row.ColumnByName("name", &name))
	assert.Equal(t, "alice", name)
}

func TestReadRowNotFound(t *testing.T) {
	srv, client := setup(t)
	srv.StubRead("empty", fakespan.StubResult{
		Fields: []protocol.Field{{Name: "id", Type: "INT64"}},
	})

	ctx := context.Background()
	tx, err := client.Single(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Close()

	_, err = tx.ReadRow(ctx, "empty", spandb.Key{int64(9)}, []string{"id"})
	require.Error(t, err)
	assert.Equal(t, status.NotFound, status.CodeOf(err))
	assert.False(t, status.IsSessionNotFound(err))
}

func TestReadOnlyTransactionSnapshot(t *testing.T) {
	srv, client := setup(t)
	srv.StubQuery("SELECT id, name FROM users", usersStub())

	ctx := context.Background()
	tx, err := client.ReadOnlyTransaction(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Close()

	ts, ok := tx.ReadTimestamp()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)

	it, err := tx.Query(ctx, spandb.NewStatement("SELECT id, name FROM users"))
	require.NoError(t, err)
	assert.Len(t, collectIDs(ctx, t, it), 3)
}

func TestReadWriteTransactionCommits(t *testing.T) {
	srv, client := setup(t)

	res, err := client.ReadWriteTransaction(context.Background(), func(_ context.Context, tx *spandb.ReadWriteTransaction) error {
		tx.BufferWrite(spandb.Insert("users", []string{"id", "name"}, []any{int64(4), "dave"}))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, res.CommitTimestamp.IsZero())

	muts := srv.CommittedMutations()
	require.Len(t, muts, 1)
	assert.Equal(t, "users", muts[0].Table)
	assert.Equal(t, protocol.OpInsert, muts[0].Op)
}

func TestReadWriteTransactionRetriesAbort(t *testing.T) {
	srv, client := setup(t)
	srv.StubQuery("UPDATE users SET active = true", fakespan.StubResult{RowCount: 3})
	srv.AbortCommits(1)

	attempts := 0
	res, err := client.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx *spandb.ReadWriteTransaction) error {
		attempts++
		count, err := tx.Update(ctx, spandb.NewStatement("UPDATE users SET active = true"))
		if err != nil {
			return err
		}
		assert.Equal(t, int64(3), count)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, res.CommitTimestamp.IsZero())
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, srv.CommitCount())

	// Sequence numbers restart on every attempt.
	assert.Equal(t, []int64{1, 1}, srv.DMLSeqnos())
}

func TestReadWriteTransactionRollsBackOnError(t *testing.T) {
	srv, client := setup(t)

	boom := status.New(status.InvalidArgument, "bad input")
	_, err := client.ReadWriteTransaction(context.Background(), func(context.Context, *spandb.ReadWriteTransaction) error {
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	assert.Equal(t, 0, srv.CommitCount())
}

func TestBatchUpdate(t *testing.T) {
	srv, client := setup(t)
	srv.StubQuery("UPDATE a SET x = 1", fakespan.StubResult{RowCount: 2})
	srv.StubQuery("UPDATE b SET y = 2", fakespan.StubResult{RowCount: 5})

	_, err := client.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx *spandb.ReadWriteTransaction) error {
		counts, err := tx.BatchUpdate(ctx, []spandb.Statement{
			spandb.NewStatement("UPDATE a SET x = 1"),
			spandb.NewStatement("UPDATE b SET y = 2"),
		})
		if err != nil {
			return err
		}
		assert.Equal(t, []int64{2, 5}, counts)
		return nil
	})
	require.NoError(t, err)
}

func TestCommitStats(t *testing.T) {
	_, client := setup(t)

	res, err := client.ReadWriteTransactionWithOptions(context.Background(),
		func(_ context.Context, tx *spandb.ReadWriteTransaction) error {
			tx.BufferWrite(
				spandb.Insert("users", []string{"id"}, []any{int64(7)}),
				spandb.Update("users", []string{"id"}, []any{int64(8)}),
			)
			return nil
		}, spandb.CommitOptions{ReturnCommitStats: true})
	require.NoError(t, err)
	require.NotNil(t, res.CommitStats)
	assert.Equal(t, int64(2), res.CommitStats.MutationCount)
}

func TestApply(t *testing.T) {
	srv, client := setup(t)

	res, err := client.Apply(context.Background(), []spandb.Mutation{
		spandb.Delete("users", spandb.Keys(spandb.Key{int64(1)})),
	})
	require.NoError(t, err)
	assert.False(t, res.CommitTimestamp.IsZero())

	muts := srv.CommittedMutations()
	require.Len(t, muts, 1)
	assert.Equal(t, protocol.OpDelete, muts[0].Op)
}

func TestApplyAtLeastOnceRetriesAbort(t *testing.T) {
	srv, client := setup(t)
	srv.AbortCommits(1)

	res, err := client.ApplyAtLeastOnce(context.Background(), []spandb.Mutation{
		spandb.InsertOrUpdate("users", []string{"id"}, []any{int64(5)}),
	})
	require.NoError(t, err)
	assert.False(t, res.CommitTimestamp.IsZero())
	assert.Equal(t, 1, srv.CommitCount())
}

func TestPartitionedUpdate(t *testing.T) {
	srv, client := setup(t)
	srv.StubQuery("UPDATE big SET x = 1", fakespan.StubResult{RowCount: 42})

	count, err := client.PartitionedUpdate(context.Background(), spandb.NewStatement("UPDATE big SET x = 1"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestPartitionedUpdateRetriesInternal(t *testing.T) {
	srv, client := setup(t)
	srv.StubQuery("UPDATE big SET x = 1", fakespan.StubResult{RowCount: 42})
	srv.FailExecutes(1, status.Internal)

	count, err := client.PartitionedUpdate(context.Background(), spandb.NewStatement("UPDATE big SET x = 1"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestBatchPartitionQueryCoversAllRows(t *testing.T) {
	srv, client := setup(t)
	srv.StubQuery("SELECT id, name FROM users", usersStub())

	ctx := context.Background()
	tx, err := client.BatchReadOnlyTransaction(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Cleanup()

	partitions, err := tx.PartitionQuery(ctx, spandb.NewStatement("SELECT id, name FROM users"),
		spandb.PartitionOptions{MaxPartitions: 2})
	require.NoError(t, err)
	require.Len(t, partitions, 2)

	seen := map[int64]bool{}
	for _, p := range partitions {
		it, err := tx.Execute(ctx, p)
		require.NoError(t, err)
		for _, id := range collectIDs(ctx, t, it) {
			assert.False(t, seen[id], "row %d served by two partitions", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 3)
}

func TestBatchPartitionRead(t *testing.T) {
	srv, client := setup(t)
	srv.StubRead("users", usersStub())

	ctx := context.Background()
	tx, err := client.BatchReadOnlyTransaction(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Cleanup()

	partitions, err := tx.PartitionRead(ctx, "users", spandb.AllKeys(), []string{"id", "name"},
		spandb.PartitionOptions{MaxPartitions: 3})
	require.NoError(t, err)

	total := 0
	for _, p := range partitions {
		it, err := tx.Execute(ctx, p)
		require.NoError(t, err)
		total += len(collectIDs(ctx, t, it))
	}
	assert.Equal(t, 3, total)
}

func TestIteratorResumesAfterInterrupt(t *testing.T) {
	srv, client := setup(t)
	srv.StubQuery("SELECT id, name FROM users", usersStub())
	srv.SetRowsPerFrame(1)
	srv.InterruptStreams(1)

	ctx := context.Background()
	tx, err := client.Single(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Close()

	it, err := tx.Query(ctx, spandb.NewStatement("SELECT id, name FROM users"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, collectIDs(ctx, t, it))
}

func TestChunkedStringValueIsReassembled(t *testing.T) {
	srv, client := setup(t)
	long := strings.Repeat("spandb-", 10)
	srv.StubQuery("SELECT body FROM docs", fakespan.StubResult{
		Fields: []protocol.Field{{Name: "body", Type: "STRING"}},
		Rows:   [][]any{{long}},
	})
	srv.SetStringChunkSize(8)

	ctx := context.Background()
	tx, err := client.Single(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Close()

	it, err := tx.Query(ctx, spandb.NewStatement("SELECT body FROM docs"))
	require.NoError(t, err)

	var bodies []string
	require.NoError(t, it.Do(ctx, func(r *spandb.Row) error {
		var body string
		if err := r.ColumnByName("body", &body); err != nil {
			return err
		}
		bodies = append(bodies, body)
		return nil
	}))
	assert.Equal(t, []string{long}, bodies)
}

func TestIteratorResumeDropsPartialChunk(t *testing.T) {
	long := "abcdefghijklmnopqrst"
	srv, client := setup(t)
	srv.StubQuery("SELECT body FROM docs", fakespan.StubResult{
		Fields: []protocol.Field{{Name: "body", Type: "STRING"}},
		Rows:   [][]any{{"tiny"}, {long}},
	})
	srv.SetRowsPerFrame(1)
	srv.SetStringChunkSize(8)
	srv.InterruptStreams(1)
	// Break the stream right after the head half of the chunked value, so
	// the resumed stream replays the whole value.
	srv.InterruptAfterFrames(2)

	ctx := context.Background()
	tx, err := client.Single(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Close()

	it, err := tx.Query(ctx, spandb.NewStatement("SELECT body FROM docs"))
	require.NoError(t, err)

	var bodies []string
	require.NoError(t, it.Do(ctx, func(r *spandb.Row) error {
		var body string
		if err := r.ColumnByName("body", &body); err != nil {
			return err
		}
		bodies = append(bodies, body)
		return nil
	}))
	assert.Equal(t, []string{"tiny", long}, bodies)
}

func TestSessionNotFoundRecovery(t *testing.T) {
	evictAll := func(srv *fakespan.Server) {
		for _, name := range srv.SessionNames() {
			srv.EvictSession(name)
		}
	}

	t.Run("single", func(t *testing.T) {
		srv, client := setup(t)
		srv.StubQuery("SELECT id, name FROM users", usersStub())

		ctx := context.Background()
		tx, err := client.Single(ctx, spandb.StrongRead())
		require.NoError(t, err)
		defer tx.Close()

		evictAll(srv)
		it, err := tx.Query(ctx, spandb.NewStatement("SELECT id, name FROM users"))
		require.NoError(t, err)
		assert.Len(t, collectIDs(ctx, t, it), 3)
	})

	t.Run("read-only transaction", func(t *testing.T) {
		srv, client := setup(t)
		srv.StubQuery("SELECT id, name FROM users", usersStub())

		ctx := context.Background()
		tx, err := client.ReadOnlyTransaction(ctx, spandb.StrongRead())
		require.NoError(t, err)
		defer tx.Close()

		evictAll(srv)
		it, err := tx.Query(ctx, spandb.NewStatement("SELECT id, name FROM users"))
		require.NoError(t, err)
		assert.Len(t, collectIDs(ctx, t, it), 3)
	})

	t.Run("read-write transaction", func(t *testing.T) {
		srv, client := setup(t)

		ctx := context.Background()
		warm, err := client.Single(ctx, spandb.StrongRead())
		require.NoError(t, err)
		warm.Close()
		evictAll(srv)

		res, err := client.ReadWriteTransaction(ctx, func(_ context.Context, tx *spandb.ReadWriteTransaction) error {
			tx.BufferWrite(spandb.Insert("users", []string{"id"}, []any{int64(1)}))
			return nil
		})
		require.NoError(t, err)
		assert.False(t, res.CommitTimestamp.IsZero())
	})

	t.Run("apply at least once", func(t *testing.T) {
		srv, client := setup(t)

		ctx := context.Background()
		warm, err := client.Single(ctx, spandb.StrongRead())
		require.NoError(t, err)
		warm.Close()
		evictAll(srv)

		_, err = client.ApplyAtLeastOnce(ctx, []spandb.Mutation{
			spandb.Insert("users", []string{"id"}, []any{int64(2)}),
		})
		require.NoError(t, err)
	})

	t.Run("batch partition query", func(t *testing.T) {
		srv, client := setup(t)
		srv.StubQuery("SELECT id, name FROM users", usersStub())

		ctx := context.Background()
		tx, err := client.BatchReadOnlyTransaction(ctx, spandb.StrongRead())
		require.NoError(t, err)
		defer tx.Cleanup()

		evictAll(srv)
		partitions, err := tx.PartitionQuery(ctx, spandb.NewStatement("SELECT id, name FROM users"),
			spandb.PartitionOptions{MaxPartitions: 2})
		require.NoError(t, err)
		require.Len(t, partitions, 2)

		// Partitions must survive a second eviction between partitioning
		// and execution.
		evictAll(srv)
		total := 0
		for _, p := range partitions {
			it, err := tx.Execute(ctx, p)
			require.NoError(t, err)
			total += len(collectIDs(ctx, t, it))
		}
		assert.Equal(t, 3, total)
	})

	t.Run("batch partition read", func(t *testing.T) {
		srv, client := setup(t)
		srv.StubRead("users", usersStub())

		ctx := context.Background()
		tx, err := client.BatchReadOnlyTransaction(ctx, spandb.StrongRead())
		require.NoError(t, err)
		defer tx.Cleanup()

		evictAll(srv)
		partitions, err := tx.PartitionRead(ctx, "users", spandb.AllKeys(), []string{"id", "name"},
			spandb.PartitionOptions{MaxPartitions: 2})
		require.NoError(t, err)

		total := 0
		for _, p := range partitions {
			it, err := tx.Execute(ctx, p)
			require.NoError(t, err)
			total += len(collectIDs(ctx, t, it))
		}
		assert.Equal(t, 3, total)
	})

	t.Run("partitioned update", func(t *testing.T) {
		srv, client := setup(t)
		srv.StubQuery("UPDATE big SET x = 1", fakespan.StubResult{RowCount: 9})

		ctx := context.Background()
		warm, err := client.Single(ctx, spandb.StrongRead())
		require.NoError(t, err)
		warm.Close()
		evictAll(srv)

		count, err := client.PartitionedUpdate(ctx, spandb.NewStatement("UPDATE big SET x = 1"))
		require.NoError(t, err)
		assert.Equal(t, int64(9), count)
	})
}

func TestListSessions(t *testing.T) {
	_, client := setup(t)

	ctx := context.Background()
	tx, err := client.Single(ctx, spandb.StrongRead())
	require.NoError(t, err)
	defer tx.Close()

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sessions)
}
