// Package nestwrite is the write path of a multi-backend query engine.
//
// A single nested-write request may create, connect, disconnect, update,
// upsert, or delete records across several related models in one atomic
// unit. The engine turns such a request into a dependency graph of
// primitive storage operations and interprets that graph inside one
// transaction against a storage connector.
//
// The root package holds the error taxonomy and shared value types.
// The pipeline lives in the sub-packages:
//
//   - catalog: the relation metadata catalog (models, relations,
//     cardinality, linkage, cascade policy), loadable from YAML.
//   - writeop: validates and normalizes a raw write payload into a typed
//     operation tree.
//   - plan: builds the query graph for an operation tree and holds the
//     relation constraint validator.
//   - exec: interprets a query graph transactionally.
//   - connector: the storage connector capability interface, with a
//     relational implementation under connector/sql and a document-style
//     in-memory implementation under connector/memory.
//   - privacy: optional write-policy rules evaluated before planning.
//   - engine: the single entry point composing the pipeline.
//
// Typical usage:
//
//	cat, err := catalog.FromYAMLFile("schema.yaml")
//	if err != nil { ... }
//	eng := engine.New(cat, memory.New(cat))
//	res, err := eng.ExecuteNestedWrite(ctx, "User", payload)
package nestwrite
