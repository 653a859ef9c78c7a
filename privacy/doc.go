// Package privacy provides an authorization layer for nested writes.
//
// Policies evaluate against the resolved operation tree before planning,
// so a denied write never opens a transaction. A policy is an ordered
// list of rules; each rule returns one of three decisions:
//
//   - Allow: permits the write and stops evaluation
//   - Deny: rejects the write and stops evaluation
//   - Skip: abstains, continuing to the next rule
//
// If every rule skips, the write is permitted. The same policy is
// evaluated for the root operation and recursively for every nested
// operation, including upsert and connectOrCreate branches.
//
// # Defining Policies
//
//	policy := privacy.Policy{
//	    privacy.DenyIfNoViewer(),
//	    privacy.HasRole("admin"),
//	    privacy.OnModel(privacy.DenyOperationRule(writeop.KindDeleteMany), "User"),
//	    privacy.IsOwner("authorId"),
//	}
//	eng := engine.New(cat, conn, engine.WithPolicy(policy))
//
// # Viewer
//
// The Viewer interface represents the authenticated caller. It travels
// through the context:
//
//	ctx := privacy.WithViewer(ctx, &privacy.SimpleViewer{
//	    UserID: "user-123",
//	    Roles:  []string{"editor"},
//	})
//	res, err := eng.ExecuteNestedWrite(ctx, "Post", payload)
//
// # Decision Context
//
// DecisionContext short-circuits evaluation for a whole call tree, which
// is useful for trusted internal writes:
//
//	ctx = privacy.DecisionContext(ctx, privacy.Allow)
package privacy
