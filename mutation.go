package spandb

import "github.com/spandb/spandb.go/pkg/protocol"

// Mutation is one buffered write. Mutations are applied atomically as part
// of a commit; they are not visible to reads inside the same transaction.
type Mutation struct {
	proto protocol.Mutation
}

func writeMutation(op protocol.MutationOp, table string, columns []string, values []any) Mutation {
	return Mutation{proto: protocol.Mutation{
		Op:      op,
		Table:   table,
		Columns: columns,
		Values:  [][]any{values},
	}}
}

// Insert adds a new row; the commit fails with AlreadyExists if the row is
// present.
func Insert(table string, columns []string, values []any) Mutation {
	return writeMutation(protocol.OpInsert, table, columns, values)
}

// Update modifies an existing row; the commit fails with NotFound if the
// row is absent.
func Update(table string, columns []string, values []any) Mutation {
	return writeMutation(protocol.OpUpdate, table, columns, values)
}

// InsertOrUpdate adds the row or updates the named columns if it exists.
func InsertOrUpdate(table string, columns []string, values []any) Mutation {
	return writeMutation(protocol.OpInsertOrUpdate, table, columns, values)
}

// Replace deletes the row if present, then inserts the given one.
func Replace(table string, columns []string, values []any) Mutation {
	return writeMutation(protocol.OpReplace, table, columns, values)
}

// Delete removes every row the key set names. Deleting absent rows is not
// an error.
func Delete(table string, ks KeySet) Mutation {
	p := ks.toProto()
	return Mutation{proto: protocol.Mutation{
		Op:     protocol.OpDelete,
		Table:  table,
		KeySet: &p,
	}}
}

func mutationsToProto(ms []Mutation) []protocol.Mutation {
	if len(ms) == 0 {
		return nil
	}
	out := make([]protocol.Mutation, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.proto)
	}
	return out
}
