package plan

import (
	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
	"github.com/syssam/nestwrite/writeop"
)

// relationViolation builds the violation error for a relation viewed from
// the given parent side.
func relationViolation(rs catalog.RelSide) *nestwrite.RelationViolation {
	return &nestwrite.RelationViolation{
		Relation: rs.Rel.Name,
		Model:    rs.Rel.Model(rs.Side),
		Field:    rs.Rel.Field(rs.Side),
	}
}

// canEmptyParentSide reports whether the parent's view of the relation may
// become empty given the remaining sibling operations under the same
// relation field. Unlinking the current partner of a required side is
// legal only when a sibling create, connect or connectOrCreate in the
// same nested block immediately refills the slot; the canonical operation
// order guarantees the unlink runs first.
func canEmptyParentSide(rs catalog.RelSide, siblings []*writeop.Operation) bool {
	if !rs.Rel.Required(rs.Side) {
		return true
	}
	for _, op := range siblings {
		switch op.Kind {
		case writeop.KindCreate, writeop.KindConnect, writeop.KindConnectOrCreate:
			return true
		}
	}
	return false
}

// canOrphanChild reports whether a child record may legally lose its link
// to the parent without being deleted. It is false exactly when the child
// side of the relation is required.
func canOrphanChild(rs catalog.RelSide) bool {
	return !rs.Rel.Required(rs.Side.Other())
}

// requiredLinks verifies a new record establishes a partner for every
// required relation side of its model. via names the side already filled
// by the relation the create was reached through; any other required
// side needs a nested create, connect or connectOrCreate under its
// field, or the record would come out of the write permanently unlinked.
func requiredLinks(cat *catalog.Catalog, model string, nested []writeop.Nested, via catalog.RelSide) error {
	filled := make(map[string]bool, len(nested))
	for _, n := range nested {
		for _, op := range n.Ops {
			switch op.Kind {
			case writeop.KindCreate, writeop.KindConnect, writeop.KindConnectOrCreate:
				filled[n.Field] = true
			}
		}
	}
	for _, field := range cat.RelationFields(model) {
		rs, err := cat.RelationForField(model, field)
		if err != nil || !rs.Rel.Required(rs.Side) {
			continue
		}
		if rs == via || filled[field] {
			continue
		}
		return relationViolation(rs)
	}
	return nil
}
