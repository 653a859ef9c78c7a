// Package connector defines the storage connector capability interface the
// write engine executes against. One implementation exists per backend
// family: connector/sql for relational stores linking through foreign keys
// and join tables, connector/memory for a document-style store with
// embedded link sets. The planner never consults the backend type; it only
// reads the relation's linkage from the catalog, so every implementation
// must honor both foreign-key and join-table linkage through Link/Unlink.
package connector

import (
	"context"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
)

// Record is one stored record: its storage-internal id plus field values
// keyed by model field name.
type Record struct {
	ID     nestwrite.ID
	Fields map[string]any
}

// LinkScope scopes a filter to records linked, through one relation, to
// any of the given parent records. Side is the side the parents occupy.
type LinkScope struct {
	Relation  *catalog.Relation
	Side      catalog.Side
	ParentIDs []nestwrite.ID
}

// Filter selects records of one model. All set parts are conjoined. The
// zero Filter matches every record of the model.
//
// AnyOf is a disjunction of unique selectors: a non-nil empty AnyOf
// matches nothing, which is distinct from a nil AnyOf matching
// everything. IDs follows the same convention, as does a LinkedTo scope
// with no parent ids.
type Filter struct {
	Equals   map[string]any
	AnyOf    []catalog.Selector
	IDs      []nestwrite.ID
	LinkedTo *LinkScope
}

// Capabilities reports what a transaction supports.
type Capabilities struct {
	// ConcurrentStatements is true if independent statements may be
	// issued concurrently within the same transaction.
	ConcurrentStatements bool
}

// Connector opens transactions against one storage backend.
type Connector interface {
	// BeginTx starts a transaction. All engine operations for one nested
	// write run inside exactly one transaction.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is the transactional surface the interpreter dispatches primitive
// operations to. Mutation targets arrive as storage-internal ids because
// the query graph always resolves selectors through FindIDs checks before
// the mutation they guard.
type Tx interface {
	// CreateRecord inserts a record and returns it including generated
	// fields. Foreign-key link fields may be present in data when the
	// planner projected a parent id into the create.
	CreateRecord(ctx context.Context, model string, data map[string]any) (*Record, error)

	// UpdateRecord updates the record with the given id.
	UpdateRecord(ctx context.Context, model string, id nestwrite.ID, data map[string]any) (*Record, error)

	// DeleteRecord deletes the record with the given id.
	DeleteRecord(ctx context.Context, model string, id nestwrite.ID) error

	// FindIDs returns the ids matching the filter, in a stable order.
	// The sequence is finite and consumed once per call.
	FindIDs(ctx context.Context, model string, f Filter) ([]nestwrite.ID, error)

	// Link connects the records on side A and side B of the relation,
	// choosing foreign-key update or join-table insert from the
	// relation's linkage. Linking an already-linked pair is a no-op.
	Link(ctx context.Context, rel *catalog.Relation, aID, bID nestwrite.ID) error

	// Unlink disconnects the pair. Unlinking a pair that is not linked
	// is a no-op.
	Unlink(ctx context.Context, rel *catalog.Relation, aID, bID nestwrite.ID) error

	// UpdateMany updates every record matching the filter and returns
	// the affected count.
	UpdateMany(ctx context.Context, model string, f Filter, data map[string]any) (int64, error)

	// DeleteMany deletes every record matching the filter and returns
	// the affected count.
	DeleteMany(ctx context.Context, model string, f Filter) (int64, error)

	// Capabilities reports what this transaction supports.
	Capabilities() Capabilities

	Commit() error
	Rollback() error
}
