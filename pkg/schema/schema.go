// Package schema provides the external "does this table still have a
// valid schema entry" check. The tracker consults it only when a drop's
// obsoletion log fails to commit: a valid table gets the dropped
// sstables restored to the live set, an invalid one has the drop
// finalized. The tracker has no operation that uses it to choose
// between dropping and unloading a table's sstables. Schema DDL itself is out of scope
// (spec.md §1); this package only exposes the narrow query the tracker
// needs against whatever schema store is configured.
package schema

import "context"

// Source answers whether a keyspace.table still exists with a valid
// schema entry.
type Source interface {
	IsValid(ctx context.Context, keyspace, table string) (bool, error)
}

// AlwaysValid is the default Source used when no external schema store
// is configured: every table is treated as valid, so a drop whose
// obsoletion log fails to commit always restores its sstables.
type AlwaysValid struct{}

func (AlwaysValid) IsValid(context.Context, string, string) (bool, error) {
	return true, nil
}

// Static is a fixed set of valid keyspace.table pairs, used by tests
// that want to force the "table was dropped" branch without a real
// schema store.
type Static struct {
	Valid map[string]bool // key: "keyspace.table"
}

func (s Static) IsValid(_ context.Context, keyspace, table string) (bool, error) {
	return s.Valid[keyspace+"."+table], nil
}
