package connection

import (
	"context"

	"github.com/spandb/spandb.go/pkg/logger"
	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/retry"
)

// Client is the typed RPC surface over a connection pool. Unary calls are
// retried on transient transport errors; streaming calls are not, because
// stream consumers resume from the last resume token instead.
type Client struct {
	conns  *Manager
	retry  retry.Setting
	logger logger.Logger
}

// NewClient wraps a connection manager. A zero retry setting disables
// call-level retries.
func NewClient(conns *Manager, rs retry.Setting, log logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	return &Client{conns: conns, retry: rs, logger: log}
}

// Conns exposes the underlying manager, mainly for sizing checks.
func (c *Client) Conns() *Manager { return c.conns }

func (c *Client) invoke(ctx context.Context, method string, params, result any) error {
	if len(c.retry.Codes) == 0 {
		return c.conns.Conn().Call(ctx, method, params, result)
	}
	return retry.Invoke(ctx, c.retry, func(ctx context.Context) error {
		return c.conns.Conn().Call(ctx, method, params, result)
	})
}

func (c *Client) CreateSession(ctx context.Context, database string) (*protocol.Session, error) {
	var s protocol.Session
	err := c.invoke(ctx, protocol.MethodCreateSession, &protocol.CreateSessionRequest{Database: database}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// BatchCreateSessions asks for count sessions. The server may return fewer;
// callers must check the length of the result.
func (c *Client) BatchCreateSessions(ctx context.Context, database string, count int) ([]protocol.Session, error) {
	var res protocol.BatchCreateSessionsResponse
	err := c.invoke(ctx, protocol.MethodBatchCreateSessions, &protocol.BatchCreateSessionsRequest{
		Database:     database,
		SessionCount: count,
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, name string) (*protocol.Session, error) {
	var s protocol.Session
	err := c.invoke(ctx, protocol.MethodGetSession, &protocol.GetSessionRequest{Name: name}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) ListSessions(ctx context.Context, database string) ([]protocol.Session, error) {
	var res protocol.ListSessionsResponse
	err := c.invoke(ctx, protocol.MethodListSessions, &protocol.ListSessionsRequest{Database: database}, &res)
	if err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.invoke(ctx, protocol.MethodDeleteSession, &protocol.DeleteSessionRequest{Name: name}, nil)
}

func (c *Client) BeginTransaction(ctx context.Context, req *protocol.BeginTransactionRequest) (*protocol.Transaction, error) {
	var tx protocol.Transaction
	if err := c.invoke(ctx, protocol.MethodBeginTransaction, req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) Commit(ctx context.Context, req *protocol.CommitRequest) (*protocol.CommitResponse, error) {
	var res protocol.CommitResponse
	if err := c.invoke(ctx, protocol.MethodCommit, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Rollback(ctx context.Context, req *protocol.RollbackRequest) error {
	return c.invoke(ctx, protocol.MethodRollback, req, nil)
}

func (c *Client) ExecuteSQL(ctx context.Context, req *protocol.ExecuteSQLRequest) (*protocol.ResultSet, error) {
	var res protocol.ResultSet
	if err := c.invoke(ctx, protocol.MethodExecuteSQL, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ExecuteBatchDML(ctx context.Context, req *protocol.ExecuteBatchDMLRequest) (*protocol.ExecuteBatchDMLResponse, error) {
	var res protocol.ExecuteBatchDMLResponse
	if err := c.invoke(ctx, protocol.MethodExecuteBatchDML, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Read(ctx context.Context, req *protocol.ReadRequest) (*protocol.ResultSet, error) {
	var res protocol.ResultSet
	if err := c.invoke(ctx, protocol.MethodRead, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ExecuteStreamingSQL(ctx context.Context, req *protocol.ExecuteSQLRequest) (*Stream, error) {
	return c.conns.Conn().CallStream(ctx, protocol.MethodExecuteStreamingSQL, req)
}

func (c *Client) StreamingRead(ctx context.Context, req *protocol.ReadRequest) (*Stream, error) {
	return c.conns.Conn().CallStream(ctx, protocol.MethodStreamingRead, req)
}

func (c *Client) PartitionQuery(ctx context.Context, req *protocol.PartitionQueryRequest) (*protocol.PartitionResponse, error) {
	var res protocol.PartitionResponse
	if err := c.invoke(ctx, protocol.MethodPartitionQuery, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) PartitionRead(ctx context.Context, req *protocol.PartitionReadRequest) (*protocol.PartitionResponse, error) {
	var res protocol.PartitionResponse
	if err := c.invoke(ctx, protocol.MethodPartitionRead, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
