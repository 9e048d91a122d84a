package spandb

import (
	"time"

	"github.com/spandb/spandb.go/pkg/protocol"
)

// Statement is a SQL string with named parameters. Parameters are referenced
// in the SQL text as @name.
type Statement struct {
	SQL        string
	Params     map[string]any
	ParamTypes map[string]string
}

// NewStatement returns a Statement with empty parameter maps.
func NewStatement(sql string) Statement {
	return Statement{
		SQL:        sql,
		Params:     map[string]any{},
		ParamTypes: map[string]string{},
	}
}

// AddParam binds a parameter value, inferring its type where possible.
func (s *Statement) AddParam(name string, v any) {
	if s.Params == nil {
		s.Params = map[string]any{}
	}
	if s.ParamTypes == nil {
		s.ParamTypes = map[string]string{}
	}
	s.Params[name] = v
	if t := inferType(v); t != "" {
		s.ParamTypes[name] = t
	}
}

func inferType(v any) string {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "INT64"
	case float32, float64:
		return "FLOAT64"
	case bool:
		return "BOOL"
	case string:
		return "STRING"
	case []byte:
		return "BYTES"
	case time.Time, *time.Time:
		return "TIMESTAMP"
	default:
		return ""
	}
}

func (s Statement) executeSQLRequest(session string, selector *protocol.TransactionSelector, seqno int64) *protocol.ExecuteSQLRequest {
	return &protocol.ExecuteSQLRequest{
		Session:     session,
		Transaction: selector,
		SQL:         s.SQL,
		Params:      s.Params,
		ParamTypes:  s.ParamTypes,
		Seqno:       seqno,
	}
}

func (s Statement) batchDMLStatement() protocol.BatchDMLStatement {
	return protocol.BatchDMLStatement{
		SQL:        s.SQL,
		Params:     s.Params,
		ParamTypes: s.ParamTypes,
	}
}
