package fakespan

import (
	"github.com/gofrs/uuid"
	"github.com/lxzan/gws"

	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/status"
)

func (s *Server) handleExecuteStreamingSQL(socket *gws.Conn, req *rpcRequest) {
	var params protocol.ExecuteSQLRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}
	s.recordSeqno(params.Seqno)

	stub, ok := s.streamSource(string(params.PartitionToken), func() (StubResult, bool) {
		return s.lookupQueryStub(params.SQL)
	})
	if !ok {
		s.sendError(socket, req.ID, status.New(status.InvalidArgument, "no stub for statement: "+params.SQL))
		return
	}
	s.streamStub(socket, req.ID, stub, parseResumeToken(params.ResumeToken))
}

func (s *Server) handleStreamingRead(socket *gws.Conn, req *rpcRequest) {
	var params protocol.ReadRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}

	stub, ok := s.streamSource(string(params.PartitionToken), func() (StubResult, bool) {
		return s.lookupReadStub(params.Table)
	})
	if !ok {
		s.sendError(socket, req.ID, status.New(status.NotFound, "no stub for table: "+params.Table))
		return
	}
	s.streamStub(socket, req.ID, stub, parseResumeToken(params.ResumeToken))
}

// streamSource resolves what rows a stream serves: the slice registered for
// a partition token, or the plain stub otherwise.
func (s *Server) streamSource(partitionToken string, lookup func() (StubResult, bool)) (StubResult, bool) {
	if partitionToken != "" {
		s.mu.Lock()
		stub, ok := s.partitions[partitionToken]
		s.mu.Unlock()
		return stub, ok
	}
	return lookup()
}

// streamStub writes a stub as a sequence of frames, honoring the resume
// offset, the per-frame row budget, string chunking and any pending stream
// interruption.
func (s *Server) streamStub(socket *gws.Conn, id string, stub StubResult, skipRows int) {
	s.mu.Lock()
	rowsPerFrame := s.rowsPerFrame
	chunkSize := s.stringChunkSize
	interrupt := s.interruptRemaining > 0
	if interrupt {
		s.interruptRemaining--
	}
	interruptAfter := s.interruptAfter
	if interruptAfter <= 0 {
		interruptAfter = 1
	}
	s.mu.Unlock()

	rows := stub.Rows
	if skipRows > len(rows) {
		skipRows = len(rows)
	}
	rows = rows[skipRows:]
	if rowsPerFrame <= 0 {
		rowsPerFrame = len(rows)
		if rowsPerFrame == 0 {
			rowsPerFrame = 1
		}
	}

	frames := buildFrames(stub, rows, skipRows, rowsPerFrame, chunkSize)
	if len(frames) == 0 {
		frames = []protocol.PartialResultSet{{
			Metadata: &protocol.ResultSetMetadata{RowType: stub.Fields},
		}}
	}
	if stub.RowCount != 0 {
		count := stub.RowCount
		frames[len(frames)-1].Stats = &protocol.ResultSetStats{RowCountExact: &count}
	}

	for i := range frames {
		last := i == len(frames)-1
		if interrupt && i == interruptAfter {
			s.sendError(socket, id, status.New(status.Unavailable, "stream interrupted"))
			return
		}
		s.send(socket, &rpcResponse{ID: id, Result: frames[i], More: !last})
	}
}

// buildFrames slices rows into frames of rowsPerFrame rows each. Metadata
// rides only on the first frame; every frame that ends on a row boundary
// carries a resume token counting rows delivered from the start of the
// result. When chunkSize is positive, a string value longer than that is
// split across two frames with the chunked flag.
func buildFrames(stub StubResult, rows [][]any, offset, rowsPerFrame, chunkSize int) []protocol.PartialResultSet {
	var frames []protocol.PartialResultSet
	for start := 0; start < len(rows); start += rowsPerFrame {
		end := start + rowsPerFrame
		if end > len(rows) {
			end = len(rows)
		}
		var values []any
		for _, row := range rows[start:end] {
			values = append(values, row...)
		}
		frame := protocol.PartialResultSet{
			Values:      values,
			ResumeToken: resumeToken(offset + end),
		}
		if len(frames) == 0 {
			frame.Metadata = &protocol.ResultSetMetadata{RowType: stub.Fields}
		}
		frames = append(frames, splitLongString(frame, chunkSize)...)
	}
	return frames
}

// splitLongString splits the first over-long string value of a frame into a
// chunked pair. The continuation frame keeps the resume token because only
// it completes the row.
func splitLongString(frame protocol.PartialResultSet, chunkSize int) []protocol.PartialResultSet {
	if chunkSize <= 0 {
		return []protocol.PartialResultSet{frame}
	}
	for i, v := range frame.Values {
		str, ok := v.(string)
		if !ok || len(str) <= chunkSize {
			continue
		}
		head := protocol.PartialResultSet{
			Metadata:     frame.Metadata,
			Values:       append(append([]any{}, frame.Values[:i]...), str[:chunkSize]),
			ChunkedValue: true,
		}
		tail := protocol.PartialResultSet{
			Values:      append([]any{str[chunkSize:]}, frame.Values[i+1:]...),
			ResumeToken: frame.ResumeToken,
		}
		return []protocol.PartialResultSet{head, tail}
	}
	return []protocol.PartialResultSet{frame}
}

func (s *Server) handlePartitionQuery(socket *gws.Conn, req *rpcRequest) {
	var params protocol.PartitionQueryRequest
	if !s.decodeParams(socket, req, &params) {
		return
	}
	if err := s.checkSession(params.Session); err != nil {
		s.sendError(socket, req.ID, err)
		return
	}
	stub, ok := s.lookupQueryStub(params.SQL)
	if !ok {
		s.sendError(socket, req.ID, status.New(status.InvalidArgument, "no stub for statement: "+params.SQL))
		return
	}
	s.sendResult(socket, req.ID, s.partitionStub(stub, params.PartitionOptions))
}

func (s *Server) handlePartitionRead(socket *gws.Conn, req *rpcRequest) {
	var params protocol.PartitionReadRequest
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
	s.sendResult(socket, req.ID, s.partitionStub(stub, params.PartitionOptions))
}

// partitionStub splits a stub's rows into contiguous slices and registers a
// token for each.
func (s *Server) partitionStub(stub StubResult, opts *protocol.PartitionOptions) protocol.PartitionResponse {
	numPartitions := 2
	if opts != nil && opts.MaxPartitions > 0 {
		numPartitions = int(opts.MaxPartitions)
	}
	if numPartitions > len(stub.Rows) && len(stub.Rows) > 0 {
		numPartitions = len(stub.Rows)
	}

	res := protocol.PartitionResponse{}
	per := (len(stub.Rows) + numPartitions - 1) / numPartitions
	for start := 0; start < len(stub.Rows) || (start == 0 && len(stub.Rows) == 0); start += per {
		end := start + per
		if end > len(stub.Rows) {
			end = len(stub.Rows)
		}
		token := uuid.Must(uuid.NewV4()).String()
		s.mu.Lock()
		s.partitions[token] = StubResult{Fields: stub.Fields, Rows: stub.Rows[start:end]}
		s.mu.Unlock()
		res.Partitions = append(res.Partitions, protocol.Partition{PartitionToken: []byte(token)})
		if len(stub.Rows) == 0 {
			break
		}
	}
	return res
}
