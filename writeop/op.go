// Package writeop validates and normalizes raw nested-write payloads into
// typed operation trees. Resolution is a pure transformation: it consults
// the catalog only and never touches storage. Everything downstream
// (planning, interpretation) works on the typed tree and never branches on
// untyped maps.
package writeop

import (
	"github.com/syssam/nestwrite/catalog"
)

// Kind tags the variant of a nested write operation.
type Kind int

// The operation variants.
const (
	KindCreate Kind = iota
	KindUpdate
	KindUpsert
	KindDelete
	KindConnect
	KindDisconnect
	KindSet
	KindConnectOrCreate
	KindCreateMany
	KindUpdateMany
	KindDeleteMany
)

var kindNames = [...]string{
	KindCreate:          "create",
	KindUpdate:          "update",
	KindUpsert:          "upsert",
	KindDelete:          "delete",
	KindConnect:         "connect",
	KindDisconnect:      "disconnect",
	KindSet:             "set",
	KindConnectOrCreate: "connectOrCreate",
	KindCreateMany:      "createMany",
	KindUpdateMany:      "updateMany",
	KindDeleteMany:      "deleteMany",
}

// String returns the payload key of the operation kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Operation is one node of the typed write tree. Which fields are set
// depends on Kind; the builder switches on Kind and reads only the fields
// documented for it.
type Operation struct {
	Kind  Kind
	Model string // model the operation touches

	// Selector addresses the single target of update, upsert, delete,
	// connectOrCreate, and to-one connect/disconnect.
	Selector catalog.Selector

	// Selectors addresses the batch targets of to-many connect,
	// disconnect, set, and delete.
	Selectors []catalog.Selector

	// DisconnectAll is set for `disconnect: true` on a to-one side.
	DisconnectAll bool

	// Data holds scalar field values for create and update.
	Data map[string]any

	// Rows holds the batch input of createMany.
	Rows []map[string]any

	// Filter holds the equality filter of updateMany and deleteMany.
	// An empty filter matches every record in scope.
	Filter map[string]any

	// Update and Create are the two branches of upsert; Create alone is
	// the create branch of connectOrCreate.
	Update *Operation
	Create *Operation

	// Nested carries further operations on relations reachable from the
	// touched model, in stable field order.
	Nested []Nested
}

// Nested groups the operations requested for one relation field of the
// parent operation's model.
type Nested struct {
	Field string          // relation field name on the parent model
	Rel   catalog.RelSide // the side the field lives on
	Ops   []*Operation    // operations on the far model
}
