// Package fakespan provides a fake SpanDB server for testing. It speaks the
// RPC protocol over WebSocket using CBOR encoding, keeps real session and
// transaction state, serves stubbed query and read results, and offers
// failure injection hooks: commit aborts, session eviction and stream
// interruption.
package fakespan

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/lxzan/gws"

	"github.com/spandb/spandb.go/internal/codec"
	"github.com/spandb/spandb.go/pkg/logger"
	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/status"
)

// rpcRequest mirrors the client's frame with the params left raw so they
// can be decoded per method.
type rpcRequest struct {
	ID     string          `cbor:"id"`
	Method string          `cbor:"method"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
}

type rpcResponse struct {
	ID     string        `cbor:"id"`
	Error  *status.Error `cbor:"error,omitempty"`
	Result any           `cbor:"result,omitempty"`
	More   bool          `cbor:"more,omitempty"`
}

// StubResult is a canned result for a query or read.
type StubResult struct {
	Fields   []protocol.Field
	Rows     [][]any
	RowCount int64
}

type txnState struct {
	id      []byte
	mode    protocol.TransactionMode
	session string
}

// Server is a fake SpanDB server bound to a local port.
type Server struct {
	listener net.Listener
	httpSrv  *http.Server
	upgrader *gws.Upgrader
	codec    codec.Codec
	logger   logger.Logger

	mu           sync.Mutex
	sessions     map[string]protocol.Session
	transactions map[string]*txnState
	queryStubs   map[string]StubResult
	readStubs    map[string]StubResult
	partitions   map[string]StubResult

	requireToken string
	batchLimit   int

	abortRemaining     int
	rowsPerFrame       int
	stringChunkSize    int
	interruptRemaining int
	interruptAfter     int
	failExecRemaining  int
	failExecCode       status.Code

	dmlSeqnos          []int64
	committedMutations []protocol.Mutation
	commitCount        int
}

type handler struct {
	srv *Server
}

// NewServer returns an unstarted server. Pass logger.Discard() to silence
// it.
func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		codec:        codec.New(),
		logger:       log,
		sessions:     make(map[string]protocol.Session),
		transactions: make(map[string]*txnState),
		queryStubs:   make(map[string]StubResult),
		readStubs:    make(map[string]StubResult),
		partitions:   make(map[string]StubResult),
	}
	s.upgrader = gws.NewUpgrader(&handler{srv: s}, &gws.ServerOption{})
	return s
}

// Start binds to a random local port and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = listener

	router := mux.NewRouter()
	router.HandleFunc("/rpc", s.handleRPC)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}).Methods(http.MethodGet)

	s.httpSrv = &http.Server{Handler: router}
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("fakespan serve failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes every connection.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// URL returns the ws:// base URL clients should dial.
func (s *Server) URL() string {
	return "ws://" + s.listener.Addr().String()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	token := s.requireToken
	s.mu.Unlock()
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err)
		return
	}
	go socket.ReadLoop()
}

// RequireToken makes the handshake demand the given bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	s.requireToken = token
	s.mu.Unlock()
}

// StubQuery registers a result for the exact SQL text.
func (s *Server) StubQuery(sql string, res StubResult) {
	s.mu.Lock()
	s.queryStubs[sql] = res
	s.mu.Unlock()
}

// StubRead registers a result for reads of the given table.
func (s *Server) StubRead(table string, res StubResult) {
	s.mu.Lock()
	s.readStubs[table] = res
	s.mu.Unlock()
}

// AbortCommits makes the next n commits fail with Aborted.
func (s *Server) AbortCommits(n int) {
	s.mu.Lock()
	s.abortRemaining = n
	s.mu.Unlock()
}

// EvictSession drops a session server-side, as if it expired.
func (s *Server) EvictSession(name string) {
	s.mu.Lock()
	delete(s.sessions, name)
	s.mu.Unlock()
}

// SessionNames returns the names of the live sessions.
func (s *Server) SessionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	return names
}

// SetBatchLimit caps how many sessions one batch_create_sessions returns,
// to exercise clients that must loop.
func (s *Server) SetBatchLimit(n int) {
	s.mu.Lock()
	s.batchLimit = n
	s.mu.Unlock()
}

// SetRowsPerFrame controls how many rows each streamed frame carries.
// Zero means the whole result in one frame.
func (s *Server) SetRowsPerFrame(n int) {
	s.mu.Lock()
	s.rowsPerFrame = n
	s.mu.Unlock()
}

// SetStringChunkSize makes the server split string values longer than n
// across frames with the chunked flag set.
func (s *Server) SetStringChunkSize(n int) {
	s.mu.Lock()
	s.stringChunkSize = n
	s.mu.Unlock()
}

// InterruptStreams makes the next n streams fail with Unavailable after
// their first frame, forcing clients to resume.
func (s *Server) InterruptStreams(n int) {
	s.mu.Lock()
	s.interruptRemaining = n
	s.mu.Unlock()
}

// InterruptAfterFrames sets how many frames an interrupted stream delivers
// before failing. Default 1.
func (s *Server) InterruptAfterFrames(k int) {
	s.mu.Lock()
	s.interruptAfter = k
	s.mu.Unlock()
}

// FailExecutes makes the next n execute_sql calls fail with the given
// code.
func (s *Server) FailExecutes(n int, code status.Code) {
	s.mu.Lock()
	s.failExecRemaining = n
	s.failExecCode = code
	s.mu.Unlock()
}

// DMLSeqnos returns every sequence number seen on DML requests, in arrival
// order.
func (s *Server) DMLSeqnos() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.dmlSeqnos...)
}

// CommittedMutations returns the mutations of every successful commit.
func (s *Server) CommittedMutations() []protocol.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Mutation(nil), s.committedMutations...)
}

// CommitCount returns the number of successful commits.
func (s *Server) CommitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitCount
}

func (h *handler) OnOpen(*gws.Conn) {}

func (h *handler) OnClose(*gws.Conn, error) {}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}
func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	s := h.srv

	var req rpcRequest
	if err := s.codec.Unmarshal(message.Bytes(), &req); err != nil {
		s.logger.Error("undecodable request", "error", err)
		return
	}

	switch req.Method {
	case protocol.MethodCreateSession:
		s.handleCreateSession(socket, &req)
	case protocol.MethodBatchCreateSessions:
		s.handleBatchCreateSessions(socket, &req)
	case protocol.MethodGetSession:
		s.handleGetSession(socket, &req)
	case protocol.MethodListSessions:
		s.handleListSessions(socket, &req)
	case protocol.MethodDeleteSession:
		s.handleDeleteSession(socket, &req)
	case protocol.MethodBeginTransaction:
		s.handleBeginTransaction(socket, &req)
	case protocol.MethodCommit:
		s.handleCommit(socket, &req)
	case protocol.MethodRollback:
		s.handleRollback(socket, &req)
	case protocol.MethodExecuteSQL:
		s.handleExecuteSQL(socket, &req)
	case protocol.MethodExecuteBatchDML:
		s.handleExecuteBatchDML(socket, &req)
	case protocol.MethodRead:
		s.handleRead(socket, &req)
	case protocol.MethodExecuteStreamingSQL:
		s.handleExecuteStreamingSQL(socket, &req)
	case protocol.MethodStreamingRead:
		s.handleStreamingRead(socket, &req)
	case protocol.MethodPartitionQuery:
		s.handlePartitionQuery(socket, &req)
	case protocol.MethodPartitionRead:
		s.handlePartitionRead(socket, &req)
	default:
		s.sendError(socket, req.ID, status.New(status.Unimplemented, "unknown method "+req.Method))
	}
}

func (s *Server) send(socket *gws.Conn, res *rpcResponse) {
	data, err := s.codec.Marshal(res)
	if err != nil {
		s.logger.Error("marshal response failed", "error", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

func (s *Server) sendResult(socket *gws.Conn, id string, result any) {
	s.send(socket, &rpcResponse{ID: id, Result: result})
}

func (s *Server) sendError(socket *gws.Conn, id string, err *status.Error) {
	s.send(socket, &rpcResponse{ID: id, Error: err})
}

func sessionNotFound(name string) *status.Error {
	return status.New(status.NotFound, "Session not found: "+name)
}

func (s *Server) checkSession(name string) *status.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[name]; !ok {
		return sessionNotFound(name)
	}
	return nil
}

func (s *Server) newSession() protocol.Session {
	id := uuid.Must(uuid.NewV4())
	sess := protocol.Session{
		Name:       "sessions/" + id.String(),
		CreateTime: time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.Name] = sess
	s.mu.Unlock()
	return sess
}

func (s *Server) handleCreateSession(socket *gws.Conn, req *rpcRequest) {
	var params protocol.CreateSessionRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	s.sendResult(socket, req.ID, s.newSession())
}

func (s *Server) handleBatchCreateSessions(socket *gws.Conn, req *rpcRequest) {
	var params protocol.BatchCreateSessionsRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	s.mu.Lock()
	limit := s.batchLimit
	s.mu.Unlock()

	count := params.SessionCount
	if limit > 0 && count > limit {
		count = limit
	}
	sessions := make([]protocol.Session, 0, count)
	for i := 0; i < count; i++ {
		sessions = append(sessions, s.newSession())
	}
	s.sendResult(socket, req.ID, protocol.BatchCreateSessionsResponse{Sessions: sessions})
}

func (s *Server) handleGetSession(socket *gws.Conn, req *rpcRequest) {
	var params protocol.GetSessionRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[params.Name]
	s.mu.Unlock()
	if !ok {
		s.sendError(socket, req.ID, sessionNotFound(params.Name))
		return
	}
	s.sendResult(socket, req.ID, sess)
}

func (s *Server) handleListSessions(socket *gws.Conn, req *rpcRequest) {
	var params protocol.ListSessionsRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	s.mu.Lock()
	sessions := make([]protocol.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	s.sendResult(socket, req.ID, protocol.ListSessionsResponse{Sessions: sessions})
}

func (s *Server) handleDeleteSession(socket *gws.Conn, req *rpcRequest) {
	var params protocol.DeleteSessionRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	s.mu.Lock()
	delete(s.sessions, params.Name)
	s.mu.Unlock()
	s.sendResult(socket, req.ID, nil)
}

func (s *Server) handleBeginTransaction(socket *gws.Conn, req *rpcRequest) {
	var params protocol.BeginTransactionRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}

	id := uuid.Must(uuid.NewV4())
	txn := &txnState{id: id.Bytes(), mode: params.Options.Mode, session: params.Session}
	s.mu.Lock()
	s.transactions[string(txn.id)] = txn
	s.mu.Unlock()

	res := protocol.Transaction{ID: txn.id}
	if params.Options.Mode == protocol.ModeReadOnly &&
		params.Options.ReadOnly != nil && params.Options.ReadOnly.ReturnReadTimestamp {
		now := time.Now()
		res.ReadTimestamp = &now
	}
	s.sendResult(socket, req.ID, res)
}

func (s *Server) handleCommit(socket *gws.Conn, req *rpcRequest) {
	var params protocol.CommitRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}

	s.mu.Lock()
	if s.abortRemaining > 0 {
		s.abortRemaining--
		delete(s.transactions, string(params.TransactionID))
		s.mu.Unlock()
		s.sendError(socket, req.ID, status.New(status.Aborted, "transaction aborted"))
		return
	}
	delete(s.transactions, string(params.TransactionID))
	s.committedMutations = append(s.committedMutations, params.Mutations...)
	s.commitCount++
	s.mu.Unlock()

	res := protocol.CommitResponse{CommitTimestamp: time.Now()}
	if params.ReturnCommitStats {
		var count int64
		for _, m := range params.Mutations {
			if m.Op == protocol.OpDelete {
				count++
				continue
			}
			count += int64(len(m.Values))
		}
		res.CommitStats = &protocol.CommitStats{MutationCount: count}
	}
	s.sendResult(socket, req.ID, res)
}

func (s *Server) handleRollback(socket *gws.Conn, req *rpcRequest) {
	var params protocol.RollbackRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}
	s.mu.Lock()
	delete(s.transactions, string(params.TransactionID))
	s.mu.Unlock()
	s.sendResult(socket, req.ID, nil)
}

func (s *Server) recordSeqno(seqno int64) {
	if seqno == 0 {
		return
	}
	s.mu.Lock()
	s.dmlSeqnos = append(s.dmlSeqnos, seqno)
	s.mu.Unlock()
}

func (s *Server) lookupQueryStub(sql string) (StubResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.queryStubs[sql]
	return res, ok
}

func (s *Server) lookupReadStub(table string) (StubResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.readStubs[table]
	return res, ok
}

func (s *Server) handleExecuteSQL(socket *gws.Conn, req *rpcRequest) {
	var params protocol.ExecuteSQLRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}
	s.recordSeqno(params.Seqno)

	s.mu.Lock()
	if s.failExecRemaining > 0 {
		s.failExecRemaining--
		code := s.failExecCode
		s.mu.Unlock()
		s.sendError(socket, req.ID, status.New(code, "injected execute failure"))
		return
	}
	s.mu.Unlock()

	if params.SQL == "SELECT 1" {
		one := int64(1)
		s.sendResult(socket, req.ID, protocol.ResultSet{
			Metadata: &protocol.ResultSetMetadata{RowType: []protocol.Field{{Name: "", Type: "INT64"}}},
			Rows:     [][]any{{one}},
		})
		return
	}

	stub, ok := s.lookupQueryStub(params.SQL)
	if !ok {
		s.sendError(socket, req.ID, status.New(status.InvalidArgument, "no stub for statement: "+params.SQL))
		return
	}
	s.sendResult(socket, req.ID, stubToResultSet(stub))
}

func (s *Server) handleExecuteBatchDML(socket *gws.Conn, req *rpcRequest) {
	var params protocol.ExecuteBatchDMLRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}
	s.recordSeqno(params.Seqno)

	res := protocol.ExecuteBatchDMLResponse{}
	for _, stmt := range params.Statements {
		stub, ok := s.lookupQueryStub(stmt.SQL)
		if !ok {
			s.sendError(socket, req.ID, status.New(status.InvalidArgument, "no stub for statement: "+stmt.SQL))
			return
		}
		res.ResultSets = append(res.ResultSets, stubToResultSet(stub))
	}
	s.sendResult(socket, req.ID, res)
}

func (s *Server) handleRead(socket *gws.Conn, req *rpcRequest) {
	var params protocol.ReadRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}
	stub, ok := s.lookupReadStub(params.Table)
	if !ok {
		s.sendError(socket, req.ID, status.New(status.NotFound, "no stub for table: "+params.Table))
		return
	}
	s.sendResult(socket, req.ID, stubToResultSet(stub))
}

func stubToResultSet(stub StubResult) protocol.ResultSet {
	rs := protocol.ResultSet{
		Metadata: &protocol.ResultSetMetadata{RowType: stub.Fields},
		Rows:     stub.Rows,
	}
	if stub.RowCount != 0 {
		count := stub.RowCount
		rs.Stats = &protocol.ResultSetStats{RowCountExact: &count}
	}
	return rs
}

func (s *Server) decodeParams(socket *gws.Conn, req *rpcRequest, dst any) bool {
	if err := s.codec.Unmarshal(req.Params, dst); err != nil {
		s.sendError(socket, req.ID, status.New(status.InvalidArgument, "bad params: "+err.Error()))
		return false
	}
	return true
}

func parseResumeToken(token []byte) int {
	if len(token) == 0 {
		return 0
	}
	n, err := strconv.Atoi(string(token))
	if err != nil {
		return 0
	}
	return n
}

func resumeToken(rowsDelivered int) []byte {
	return []byte(strconv.Itoa(rowsDelivered))
}
