package nestwrite

// ID is the storage-internal identifier of a record, opaque to the engine.
// Connectors that generate numeric keys render them as decimal strings so
// the planner and interpreter stay backend-agnostic.
type ID string

// String returns the id as a plain string.
func (id ID) String() string { return string(id) }
