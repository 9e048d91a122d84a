package connection_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spandb/spandb.go/internal/fakespan"
	"github.com/spandb/spandb.go/pkg/auth"
	"github.com/spandb/spandb.go/pkg/connection"
	"github.com/spandb/spandb.go/pkg/logger"
	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/retry"
	"github.com/spandb/spandb.go/pkg/status"
)

func startServer(t *testing.T) *fakespan.Server {
	t.Helper()
	srv := fakespan.NewServer(logger.Discard())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *fakespan.Server) *connection.WebSocketConnection {
	t.Helper()
	ws, err := connection.NewWebSocketConnection(&connection.Config{BaseURL: srv.URL()})
	require.NoError(t, err)
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() { _ = ws.Close(context.Background()) })
	return ws
}

func TestUnaryCall(t *testing.T) {
	srv := startServer(t)
	ws := dial(t, srv)

	var sess protocol.Session
	err := ws.Call(context.Background(), protocol.MethodCreateSession,
		&protocol.CreateSessionRequest{Database: "db"}, &sess)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Name)
}

func TestUnaryCallServerError(t *testing.T) {
	srv := startServer(t)
	ws := dial(t, srv)

	err := ws.Call(context.Background(), "no_such_method", nil, nil)
	require.Error(t, err)
	assert.Equal(t, status.Unimplemented, status.CodeOf(err))
}

func TestConcurrentCallsMultiplex(t *testing.T) {
	srv := startServer(t)
	ws := dial(t, srv)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			var sess protocol.Session
			errs <- ws.Call(context.Background(), protocol.MethodCreateSession,
				&protocol.CreateSessionRequest{Database: "db"}, &sess)
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.Len(t, srv.SessionNames(), n)
}

func TestStreamRecvUntilEOF(t *testing.T) {
	srv := startServer(t)
	srv.StubQuery("SELECT * FROM users", fakespan.StubResult{
		Fields: []protocol.Field{{Name: "id", Type: "INT64"}},
		Rows:   [][]any{{int64(1)}, {int64(2)}, {int64(3)}},
	})
	srv.SetRowsPerFrame(1)
	ws := dial(t, srv)

	ctx := context.Background()
	var sess protocol.Session
	require.NoError(t, ws.Call(ctx, protocol.MethodCreateSession,
		&protocol.CreateSessionRequest{Database: "db"}, &sess))

	stream, err := ws.CallStream(ctx, protocol.MethodExecuteStreamingSQL, &protocol.ExecuteSQLRequest{
		Session: sess.Name,
		SQL:     "SELECT * FROM users",
	})
	require.NoError(t, err)

	frames := 0
	for {
		var prs protocol.PartialResultSet
		err := stream.Recv(ctx, &prs)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames++
	}
	assert.Equal(t, 3, frames)

	var prs protocol.PartialResultSet
	assert.Equal(t, io.EOF, stream.Recv(ctx, &prs))
}

func TestStreamServerError(t *testing.T) {
	srv := startServer(t)
	ws := dial(t, srv)

	ctx := context.Background()
	var sess protocol.Session
	require.NoError(t, ws.Call(ctx, protocol.MethodCreateSession,
		&protocol.CreateSessionRequest{Database: "db"}, &sess))

	stream, err := ws.CallStream(ctx, protocol.MethodExecuteStreamingSQL, &protocol.ExecuteSQLRequest{
		Session: sess.Name,
		SQL:     "SELECT * FROM nowhere",
	})
	require.NoError(t, err)

	var prs protocol.PartialResultSet
	err = stream.Recv(ctx, &prs)
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestCallAfterClose(t *testing.T) {
	srv := startServer(t)
	ws := dial(t, srv)

	require.NoError(t, ws.Close(context.Background()))
	err := ws.Call(context.Background(), protocol.MethodCreateSession,
		&protocol.CreateSessionRequest{Database: "db"}, nil)
	require.Error(t, err)
}

func TestCloseWithInFlightCalls(t *testing.T) {
	srv := startServer(t)
	ws := dial(t, srv)

	const n = 10
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			var sess protocol.Session
			done <- ws.Call(context.Background(), protocol.MethodCreateSession,
				&protocol.CreateSessionRequest{Database: "db"}, &sess)
		}()
	}
	_ = ws.Close(context.Background())

	// Each call either completed before the close or failed cleanly.
	for i := 0; i < n; i++ {
		<-done
	}
	assert.True(t, ws.IsClosed())
}

func TestHandshakeAuth(t *testing.T) {
	srv := startServer(t)
	srv.RequireToken("secret")

	ws, err := connection.NewWebSocketConnection(&connection.Config{BaseURL: srv.URL()})
	require.NoError(t, err)
	require.Error(t, ws.Connect(context.Background()))

	authed, err := connection.NewWebSocketConnection(&connection.Config{
		BaseURL:     srv.URL(),
		TokenSource: auth.StaticToken("secret"),
	})
	require.NoError(t, err)
	require.NoError(t, authed.Connect(context.Background()))
	t.Cleanup(func() { _ = authed.Close(context.Background()) })
}

func TestManagerRoundRobin(t *testing.T) {
	srv := startServer(t)

	m, err := connection.NewManager(context.Background(), &connection.Config{BaseURL: srv.URL()}, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	assert.Equal(t, 3, m.Num())
	first := m.Conn()
	second := m.Conn()
	third := m.Conn()
	fourth := m.Conn()
	assert.NotSame(t, first, second)
	assert.NotSame(t, second, third)
	assert.Same(t, first, fourth)
}

func TestClientRetriesUnavailable(t *testing.T) {
	srv := startServer(t)
	srv.StubQuery("SELECT x FROM t", fakespan.StubResult{
		Fields: []protocol.Field{{Name: "x", Type: "INT64"}},
		Rows:   [][]any{{int64(7)}},
	})
	srv.FailExecutes(2, status.Unavailable)

	m, err := connection.NewManager(context.Background(), &connection.Config{BaseURL: srv.URL()}, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	rs := retry.DefaultRPCSetting()
	rs.Backoff.Initial = time.Millisecond
	client := connection.NewClient(m, rs, logger.Discard())

	sess, err := client.CreateSession(context.Background(), "db")
	require.NoError(t, err)

	res, err := client.ExecuteSQL(context.Background(), &protocol.ExecuteSQLRequest{
		Session: sess.Name,
		SQL:     "SELECT x FROM t",
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}
