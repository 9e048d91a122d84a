// Package protocol holds the typed messages of the SpanDB RPC protocol.
// These structs are what travels inside RPC frames; the frame layer itself
// lives in pkg/connection. Wire encoding is CBOR via internal/codec.
package protocol

import "time"

// RPC method names.
const (
	MethodCreateSession       = "create_session"
	MethodBatchCreateSessions = "batch_create_sessions"
	MethodGetSession          = "get_session"
	MethodListSessions        = "list_sessions"
	MethodDeleteSession       = "delete_session"
	MethodBeginTransaction    = "begin_transaction"
	MethodCommit              = "commit"
	MethodRollback            = "rollback"
	MethodExecuteSQL          = "execute_sql"
	MethodExecuteStreamingSQL = "execute_streaming_sql"
	MethodExecuteBatchDML     = "execute_batch_dml"
	MethodRead                = "read"
	MethodStreamingRead       = "streaming_read"
	MethodPartitionQuery      = "partition_query"
	MethodPartitionRead       = "partition_read"
)

// Session is a server-side session handle. Sessions are expensive to create
// and are pooled and reused by the client.
type Session struct {
	Name                   string    `cbor:"name"`
	CreateTime             time.Time `cbor:"createTime,omitempty"`
	ApproximateLastUseTime time.Time `cbor:"approximateLastUseTime,omitempty"`
}

// TransactionMode selects the server-side transaction kind.
type TransactionMode string

const (
	ModeReadWrite      TransactionMode = "readWrite"
	ModePartitionedDML TransactionMode = "partitionedDml"
	ModeReadOnly       TransactionMode = "readOnly"
)

// ReadOnlyOptions is the wire form of a timestamp bound. Exactly one of the
// fields other than ReturnReadTimestamp is meaningful.
type ReadOnlyOptions struct {
	Strong              bool           `cbor:"strong,omitempty"`
	ReadTimestamp       *time.Time     `cbor:"readTimestamp,omitempty"`
	MinReadTimestamp    *time.Time     `cbor:"minReadTimestamp,omitempty"`
	ExactStaleness      *time.Duration `cbor:"exactStaleness,omitempty"`
	MaxStaleness        *time.Duration `cbor:"maxStaleness,omitempty"`
	ReturnReadTimestamp bool           `cbor:"returnReadTimestamp,omitempty"`
}

type TransactionOptions struct {
	Mode     TransactionMode  `cbor:"mode"`
	ReadOnly *ReadOnlyOptions `cbor:"readOnly,omitempty"`
}

// TransactionSelector identifies which transaction, if any, an RPC
// participates in. Zero value means "no transaction" (plain single read at
// strong consistency). SingleUse and ID are mutually exclusive.
type TransactionSelector struct {
	SingleUse *TransactionOptions `cbor:"singleUse,omitempty"`
	ID        []byte              `cbor:"id,omitempty"`
}

// KeyRangeKind states whether each end of a key range is inclusive.
type KeyRangeKind string

const (
	ClosedClosed KeyRangeKind = "closedClosed"
	ClosedOpen   KeyRangeKind = "closedOpen"
	OpenClosed   KeyRangeKind = "openClosed"
	OpenOpen     KeyRangeKind = "openOpen"
)

type KeyRange struct {
	Start []any        `cbor:"start"`
	End   []any        `cbor:"end"`
	Kind  KeyRangeKind `cbor:"kind"`
}

// KeySet names the rows of a read. All trumps Keys and Ranges.
type KeySet struct {
	All    bool       `cbor:"all,omitempty"`
	Keys   [][]any    `cbor:"keys,omitempty"`
	Ranges []KeyRange `cbor:"ranges,omitempty"`
}

// MutationOp is the kind of a buffered write.
type MutationOp string

const (
	OpInsert         MutationOp = "insert"
	OpUpdate         MutationOp = "update"
	OpInsertOrUpdate MutationOp = "insertOrUpdate"
	OpReplace        MutationOp = "replace"
	OpDelete         MutationOp = "delete"
)

// Mutation is a single buffered write. For delete, KeySet is set instead of
// Columns/Values.
type Mutation struct {
	Op      MutationOp `cbor:"op"`
	Table   string     `cbor:"table"`
	Columns []string   `cbor:"columns,omitempty"`
	Values  [][]any    `cbor:"values,omitempty"`
	KeySet  *KeySet    `cbor:"keySet,omitempty"`
}

// Field describes one result column.
type Field struct {
	Name string `cbor:"name"`
	Type string `cbor:"type,omitempty"`
}

type ResultSetMetadata struct {
	RowType []Field `cbor:"rowType,omitempty"`
}

type ResultSetStats struct {
	RowCountExact      *int64 `cbor:"rowCountExact,omitempty"`
	RowCountLowerBound *int64 `cbor:"rowCountLowerBound,omitempty"`
}

// RowCount flattens the stats variants into a single number; zero when the
// server reported nothing.
func (s *ResultSetStats) RowCount() int64 {
	if s == nil {
		return 0
	}
	if s.RowCountExact != nil {
		return *s.RowCountExact
	}
	if s.RowCountLowerBound != nil {
		return *s.RowCountLowerBound
	}
	return 0
}

// ResultSet is the unary (non-streamed) result shape.
type ResultSet struct {
	Metadata *ResultSetMetadata `cbor:"metadata,omitempty"`
	Rows     [][]any            `cbor:"rows,omitempty"`
	Stats    *ResultSetStats    `cbor:"stats,omitempty"`
}

// PartialResultSet is one chunk of a streamed result. Values is a flat list
// of column values; when ChunkedValue is set the final value continues in
// the next chunk.
type PartialResultSet struct {
	Metadata     *ResultSetMetadata `cbor:"metadata,omitempty"`
	Values       []any              `cbor:"values,omitempty"`
	ChunkedValue bool               `cbor:"chunkedValue,omitempty"`
	ResumeToken  []byte             `cbor:"resumeToken,omitempty"`
	Stats        *ResultSetStats    `cbor:"stats,omitempty"`
}

type CreateSessionRequest struct {
	Database string `cbor:"database"`
}

type BatchCreateSessionsRequest struct {
	Database     string `cbor:"database"`
	SessionCount int    `cbor:"sessionCount"`
}

type BatchCreateSessionsResponse struct {
	Sessions []Session `cbor:"sessions"`
}

type GetSessionRequest struct {
	Name string `cbor:"name"`
}

type ListSessionsRequest struct {
	Database string `cbor:"database"`
}

type ListSessionsResponse struct {
	Sessions []Session `cbor:"sessions"`
}

type DeleteSessionRequest struct {
	Name string `cbor:"name"`
}

type BeginTransactionRequest struct {
	Session string             `cbor:"session"`
	Options TransactionOptions `cbor:"options"`
}

// Transaction is the server's answer to begin_transaction. ReadTimestamp is
// present for read-only transactions that asked for it.
type Transaction struct {
	ID            []byte     `cbor:"id"`
	ReadTimestamp *time.Time `cbor:"readTimestamp,omitempty"`
}

// CommitRequest carries either the ID of a begun transaction or single-use
// transaction options, never both.
type CommitRequest struct {
	Session              string              `cbor:"session"`
	TransactionID        []byte              `cbor:"transactionId,omitempty"`
	SingleUseTransaction *TransactionOptions `cbor:"singleUseTransaction,omitempty"`
	Mutations            []Mutation          `cbor:"mutations,omitempty"`
	ReturnCommitStats    bool                `cbor:"returnCommitStats,omitempty"`
}

type CommitStats struct {
	MutationCount int64 `cbor:"mutationCount"`
}

type CommitResponse struct {
	CommitTimestamp time.Time    `cbor:"commitTimestamp"`
	CommitStats     *CommitStats `cbor:"commitStats,omitempty"`
}

type RollbackRequest struct {
	Session       string `cbor:"session"`
	TransactionID []byte `cbor:"transactionId"`
}

type ExecuteSQLRequest struct {
	Session        string               `cbor:"session"`
	Transaction    *TransactionSelector `cbor:"transaction,omitempty"`
	SQL            string               `cbor:"sql"`
	Params         map[string]any       `cbor:"params,omitempty"`
	ParamTypes     map[string]string    `cbor:"paramTypes,omitempty"`
	ResumeToken    []byte               `cbor:"resumeToken,omitempty"`
	PartitionToken []byte               `cbor:"partitionToken,omitempty"`
	Seqno          int64                `cbor:"seqno,omitempty"`
}

type BatchDMLStatement struct {
	SQL        string            `cbor:"sql"`
	Params     map[string]any    `cbor:"params,omitempty"`
	ParamTypes map[string]string `cbor:"paramTypes,omitempty"`
}

type ExecuteBatchDMLRequest struct {
	Session     string               `cbor:"session"`
	Transaction *TransactionSelector `cbor:"transaction,omitempty"`
	Seqno       int64                `cbor:"seqno,omitempty"`
	Statements  []BatchDMLStatement  `cbor:"statements"`
}

type ExecuteBatchDMLResponse struct {
	ResultSets []ResultSet `cbor:"resultSets"`
}

type ReadRequest struct {
	Session        string               `cbor:"session"`
	Transaction    *TransactionSelector `cbor:"transaction,omitempty"`
	Table          string               `cbor:"table"`
	Index          string               `cbor:"index,omitempty"`
	Columns        []string             `cbor:"columns"`
	KeySet         KeySet               `cbor:"keySet"`
	Limit          int64                `cbor:"limit,omitempty"`
	ResumeToken    []byte               `cbor:"resumeToken,omitempty"`
	PartitionToken []byte               `cbor:"partitionToken,omitempty"`
}

// PartitionOptions are hints; the server may return fewer or more
// partitions than requested.
type PartitionOptions struct {
	PartitionSizeBytes int64 `cbor:"partitionSizeBytes,omitempty"`
	MaxPartitions      int64 `cbor:"maxPartitions,omitempty"`
}

type PartitionQueryRequest struct {
	Session          string               `cbor:"session"`
	Transaction      *TransactionSelector `cbor:"transaction,omitempty"`
	SQL              string               `cbor:"sql"`
	Params           map[string]any       `cbor:"params,omitempty"`
	ParamTypes       map[string]string    `cbor:"paramTypes,omitempty"`
	PartitionOptions *PartitionOptions    `cbor:"partitionOptions,omitempty"`
}

type PartitionReadRequest struct {
	Session          string               `cbor:"session"`
	Transaction      *TransactionSelector `cbor:"transaction,omitempty"`
	Table            string               `cbor:"table"`
	Index            string               `cbor:"index,omitempty"`
	Columns          []string             `cbor:"columns"`
	KeySet           KeySet               `cbor:"keySet"`
	PartitionOptions *PartitionOptions    `cbor:"partitionOptions,omitempty"`
}

type Partition struct {
	PartitionToken []byte `cbor:"partitionToken"`
}

type PartitionResponse struct {
	Partitions  []Partition  `cbor:"partitions"`
	Transaction *Transaction `cbor:"transaction,omitempty"`
}
