package plan

import (
	"fmt"
	"maps"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
	"github.com/syssam/nestwrite/connector"
	"github.com/syssam/nestwrite/writeop"
)

// Build translates a resolved operation tree into a query graph. Building
// is pure: it consults the catalog only, never storage, so every graph
// shape is fully determined by the catalog and the operation tree.
// Data-dependent decisions become FlowIf nodes resolved at execution
// time.
func Build(cat *catalog.Catalog, op *writeop.Operation) (*Graph, error) {
	b := &builder{cat: cat, g: NewGraph()}
	root, err := b.buildRoot(op)
	if err != nil {
		return nil, err
	}
	b.g.MarkResult(root)
	if err := b.g.Finalize(); err != nil {
		return nil, err
	}
	return b.g, nil
}

type gateFrame struct {
	ifn NodeID
	arm BranchArm
}

type builder struct {
	cat   *catalog.Catalog
	g     *Graph
	gates []gateFrame
}

// parentRef is the planning-time handle on the operation a nested block
// hangs off: its mutation node, the node whose result carries its id, and
// the result-tree path it sits at.
type parentRef struct {
	node     NodeID
	idSrc    NodeID
	model    string
	isCreate bool
}

func (b *builder) applyGates(id NodeID) {
	for _, fr := range b.gates {
		b.g.Branch(fr.ifn, id, fr.arm)
	}
}

func (b *builder) query(label string, q *Query) NodeID {
	id := b.g.AddQuery(label, q)
	b.applyGates(id)
	return id
}

func (b *builder) check(label string) NodeID {
	id := b.g.AddCheck(label)
	b.applyGates(id)
	return id
}

func (b *builder) ifNode(label string) NodeID {
	id := b.g.AddIf(label)
	b.applyGates(id)
	return id
}

func (b *builder) diff(label string) NodeID {
	id := b.g.AddDiff(label)
	b.applyGates(id)
	return id
}

// gated runs fn with every node it creates branch-gated on the given arm.
func (b *builder) gated(ifn NodeID, arm BranchArm, fn func() error) error {
	b.gates = append(b.gates, gateFrame{ifn: ifn, arm: arm})
	err := fn()
	b.gates = b.gates[:len(b.gates)-1]
	return err
}

func expectFound(model, relation string, want int) *Expect {
	return &Expect{Kind: ExpectExactly, Count: want, Violation: func(found int) error {
		return &nestwrite.NotFoundError{Model: model, Relation: relation, Expected: want, Found: found}
	}}
}

func expectConnected(relation string, want int) *Expect {
	return &Expect{Kind: ExpectExactly, Count: want, Violation: func(found int) error {
		return &nestwrite.NotConnectedError{Relation: relation, Expected: want, Found: found}
	}}
}

// guardRequired expects the producer to find nothing; anything found
// means the relation requirement on the given side would break.
func guardRequired(rs catalog.RelSide) *Expect {
	return &Expect{Kind: ExpectEmpty, Violation: func(int) error {
		return relationViolation(rs)
	}}
}

func (b *builder) buildRoot(op *writeop.Operation) (NodeID, error) {
	switch op.Kind {
	case writeop.KindCreate:
		return b.create(op, -1, "", catalog.RelSide{})

	case writeop.KindUpdate:
		find := b.query("find "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{Equals: op.Selector}})
		chk := b.check("target " + op.Model)
		b.g.Project(find, chk, Projection{Target: Discard}, expectFound(op.Model, "", 1))
		upd := b.query("update "+op.Model, &Query{Op: OpUpdate, Model: op.Model, Data: op.Data})
		b.g.Node(upd).Tag = &ResultTag{Owner: -1}
		b.g.Project(find, upd, Projection{Target: IntoTargetID}, nil)
		b.g.Order(chk, upd)
		p := parentRef{node: upd, idSrc: upd, model: op.Model}
		for _, n := range op.Nested {
			if err := b.nested(p, n); err != nil {
				return 0, err
			}
		}
		return upd, nil

	case writeop.KindUpsert:
		find := b.query("find "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{Equals: op.Selector}})
		ifn := b.ifNode("upsert " + op.Model)
		b.g.Project(find, ifn, Projection{Target: IntoFlow}, nil)
		err := b.gated(ifn, ArmThen, func() error {
			upd := b.query("update "+op.Model, &Query{Op: OpUpdate, Model: op.Model, Data: op.Update.Data})
			b.g.Node(upd).Tag = &ResultTag{Owner: -1}
			b.g.Project(find, upd, Projection{Target: IntoTargetID}, nil)
			p := parentRef{node: upd, idSrc: upd, model: op.Model}
			for _, n := range op.Update.Nested {
				if err := b.nested(p, n); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		err = b.gated(ifn, ArmElse, func() error {
			_, err := b.create(op.Create, -1, "", catalog.RelSide{})
			return err
		})
		if err != nil {
			return 0, err
		}
		ret := b.g.AddReturn("upsert " + op.Model)
		b.joinLeaves(ifn, ret)
		return ret, nil

	case writeop.KindDelete:
		find := b.query("find "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{Equals: op.Selector}})
		chk := b.check("target " + op.Model)
		b.g.Project(find, chk, Projection{Target: Discard}, expectFound(op.Model, "", 1))
		terminals := b.cascade(op.Model, find, nil, map[string]bool{})
		del := b.query("delete "+op.Model, &Query{Op: OpDelete, Model: op.Model})
		b.g.Node(del).Tag = &ResultTag{Owner: -1}
		b.g.Project(find, del, Projection{Target: IntoTargetID}, nil)
		b.g.Order(chk, del)
		for _, t := range terminals {
			b.g.Order(t, del)
		}
		return del, nil

	case writeop.KindCreateMany:
		// createMany rows carry no nested block, so any required side
		// would come out unlinked.
		if err := requiredLinks(b.cat, op.Model, nil, catalog.RelSide{}); err != nil {
			return 0, err
		}
		node := b.query("createMany "+op.Model, &Query{Op: OpCreateMany, Model: op.Model, Rows: op.Rows})
		b.g.Node(node).Tag = &ResultTag{Owner: -1}
		return node, nil

	case writeop.KindUpdateMany:
		node := b.query("updateMany "+op.Model, &Query{Op: OpUpdateMany, Model: op.Model, Data: op.Data, Filter: connector.Filter{Equals: op.Filter}})
		b.g.Node(node).Tag = &ResultTag{Owner: -1}
		return node, nil

	case writeop.KindDeleteMany:
		node := b.query("deleteMany "+op.Model, &Query{Op: OpDeleteMany, Model: op.Model, Filter: connector.Filter{Equals: op.Filter}})
		b.g.Node(node).Tag = &ResultTag{Owner: -1}
		return node, nil
	}
	return 0, nestwrite.NewValidationError(op.Model, fmt.Errorf("operation %s not allowed at the root", op.Kind))
}

// joinLeaves points every branch-gated sink of ifn at the return node so
// the join runs after whichever arm executed.
func (b *builder) joinLeaves(ifn, ret NodeID) {
	gated := make(map[NodeID]bool)
	for _, e := range b.g.Edges() {
		if e.Kind == EdgeBranch && e.From == ifn {
			gated[e.To] = true
		}
	}
	hasOut := make(map[NodeID]bool)
	for _, e := range b.g.Edges() {
		if gated[e.From] && gated[e.To] {
			hasOut[e.From] = true
		}
	}
	for id := range gated {
		if !hasOut[id] {
			b.g.Order(id, ret)
		}
	}
}

// create materializes a create operation and its nested block, returning
// the create node. Partners owning the foreign key are created after the
// parent; a partner lending its key to the parent is created first and
// its id projected into the parent's data. via is the relation side the
// create was reached through, already linked by the caller; every other
// required side must be filled by the nested block.
func (b *builder) create(op *writeop.Operation, owner NodeID, field string, via catalog.RelSide) (NodeID, error) {
	if err := requiredLinks(b.cat, op.Model, op.Nested, via); err != nil {
		return 0, err
	}
	data := make(map[string]any, len(op.Data))
	maps.Copy(data, op.Data)
	node := b.query("create "+op.Model, &Query{Op: OpCreate, Model: op.Model, Data: data})
	b.g.Node(node).Tag = &ResultTag{Owner: owner, Field: field}
	p := parentRef{node: node, idSrc: node, model: op.Model, isCreate: true}
	for _, n := range op.Nested {
		if err := b.nested(p, n); err != nil {
			return 0, err
		}
	}
	return node, nil
}

func (b *builder) nested(p parentRef, n writeop.Nested) error {
	for _, op := range n.Ops {
		var err error
		switch op.Kind {
		case writeop.KindCreate:
			err = b.nestedCreate(p, n, op)
		case writeop.KindCreateMany:
			err = b.nestedCreateMany(p, n, op)
		case writeop.KindConnect:
			err = b.nestedConnect(p, n, op)
		case writeop.KindConnectOrCreate:
			err = b.nestedConnectOrCreate(p, n, op)
		case writeop.KindDisconnect:
			err = b.nestedDisconnect(p, n, op)
		case writeop.KindDelete:
			err = b.nestedDelete(p, n, op)
		case writeop.KindSet:
			err = b.nestedSet(p, n, op)
		case writeop.KindUpdate:
			err = b.nestedUpdate(p, n, op)
		case writeop.KindUpdateMany:
			err = b.nestedUpdateMany(p, n, op)
		case writeop.KindDeleteMany:
			err = b.nestedDeleteMany(p, n, op)
		case writeop.KindUpsert:
			err = b.nestedUpsert(p, n, op)
		default:
			err = nestwrite.NewValidationError(n.Field, fmt.Errorf("operation %s not allowed under a relation field", op.Kind))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// findLinked reads the far-side records currently linked to the parent,
// optionally narrowed by extra filter parts.
func (b *builder) findLinked(p parentRef, rs catalog.RelSide, f connector.Filter, label string) NodeID {
	f.LinkedTo = &connector.LinkScope{Relation: rs.Rel, Side: rs.Side}
	node := b.query(label, &Query{Op: OpFindIDs, Model: rs.Rel.Model(rs.Side.Other()), Filter: f})
	b.g.Project(p.idSrc, node, Projection{Target: IntoLinkScope}, nil)
	return node
}

// link pairs the parent with the far-side ids produced by src. Barriers
// below zero are ignored.
func (b *builder) link(op OpCode, p parentRef, rs catalog.RelSide, src NodeID, after ...NodeID) NodeID {
	far := rs.Side.Other()
	node := b.query(op.String()+" "+rs.Rel.Name, &Query{Op: op, Model: rs.Rel.Model(far), Rel: rs.Rel})
	b.g.Project(p.idSrc, node, Projection{Target: IntoLinkSide, Side: rs.Side}, nil)
	b.g.Project(src, node, Projection{Target: IntoLinkSide, Side: far}, nil)
	for _, a := range after {
		if a >= 0 {
			b.g.Order(a, node)
		}
	}
	return node
}

// freeToOneSlot clears the parent's current partner on a to-one side so a
// new one can take its place. A departing partner that itself requires
// the link blocks the write instead.
func (b *builder) freeToOneSlot(p parentRef, rs catalog.RelSide, cur NodeID) NodeID {
	far := rs.Side.Other()
	if !canOrphanChild(rs) {
		chk := b.check("occupied " + rs.Rel.Name)
		b.g.Project(cur, chk, Projection{Target: Discard}, guardRequired(catalog.RelSide{Rel: rs.Rel, Side: far}))
		return chk
	}
	return b.link(OpUnlink, p, rs, cur)
}

// detachOtherParent handles the previous holder of a to-one connect
// target: a required holder blocks the write, an optional one is
// unlinked.
func (b *builder) detachOtherParent(p parentRef, rs catalog.RelSide, read NodeID) NodeID {
	rel := rs.Rel
	far := rs.Side.Other()
	other := b.query("holder of "+rel.Name, &Query{
		Op:     OpFindIDs,
		Model:  rel.Model(rs.Side),
		Filter: connector.Filter{LinkedTo: &connector.LinkScope{Relation: rel, Side: far}},
	})
	b.g.Project(read, other, Projection{Target: IntoLinkScope}, nil)
	if rel.Required(rs.Side) {
		chk := b.check("taken " + rel.Name)
		b.g.Project(other, chk, Projection{Target: Discard}, guardRequired(rs))
		return chk
	}
	unl := b.query("unlink "+rel.Name, &Query{Op: OpUnlink, Model: rel.Model(far), Rel: rel})
	b.g.Project(other, unl, Projection{Target: IntoLinkSide, Side: rs.Side}, nil)
	b.g.Project(read, unl, Projection{Target: IntoLinkSide, Side: far}, nil)
	return unl
}

func (b *builder) nestedCreate(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	rel := rs.Rel
	toOne := !rel.ToMany(rs.Side)

	barrier := NodeID(-1)
	if toOne && !p.isCreate {
		cur := b.findLinked(p, rs, connector.Filter{}, "current "+n.Field)
		barrier = b.freeToOneSlot(p, rs, cur)
	}

	via := catalog.RelSide{Rel: rel, Side: rs.Side.Other()}
	if toOne && rel.OwnsForeignKey(rs.Side) {
		child, err := b.create(op, p.node, n.Field, via)
		if err != nil {
			return err
		}
		b.g.Project(child, p.node, Projection{Target: IntoDataField, Field: rel.ForeignKey}, nil)
		if barrier >= 0 {
			b.g.Order(barrier, p.node)
		}
		return nil
	}

	child, err := b.create(op, p.node, n.Field, via)
	if err != nil {
		return err
	}
	if rel.Linkage == catalog.JoinTable {
		b.link(OpLink, p, rs, child, barrier)
		return nil
	}
	// Foreign key on the new partner: seed it from the parent id.
	b.g.Project(p.idSrc, child, Projection{Target: IntoDataField, Field: rel.ForeignKey}, nil)
	if barrier >= 0 {
		b.g.Order(barrier, child)
	}
	return nil
}

func (b *builder) nestedCreateMany(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rel := n.Rel.Rel
	if rel.Linkage == catalog.JoinTable {
		return nestwrite.NewValidationError(n.Field, fmt.Errorf("createMany is not supported through a join table"))
	}
	if err := requiredLinks(b.cat, op.Model, nil, catalog.RelSide{Rel: rel, Side: n.Rel.Side.Other()}); err != nil {
		return err
	}
	node := b.query("createMany "+op.Model, &Query{Op: OpCreateMany, Model: op.Model, Rows: op.Rows})
	b.g.Project(p.idSrc, node, Projection{Target: IntoDataField, Field: rel.ForeignKey}, nil)
	return nil
}

func (b *builder) nestedConnect(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	want := len(op.Selectors)
	read := b.query("connect targets "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{AnyOf: op.Selectors}})
	chk := b.check("connect " + n.Field)
	b.g.Project(read, chk, Projection{Target: Discard}, expectFound(op.Model, rs.Rel.Name, want))
	return b.linkFound(p, rs, read, chk)
}

// linkFound wires the far-side ids produced by read into the relation,
// with the occupancy checks a to-one side needs. ready, when not
// negative, must precede the first mutation.
func (b *builder) linkFound(p parentRef, rs catalog.RelSide, read, ready NodeID) error {
	rel := rs.Rel
	if rel.ToMany(rs.Side) {
		b.link(OpLink, p, rs, read, ready)
		return nil
	}

	if !p.isCreate {
		// Connecting may displace the parent's current partner; when the
		// target already is that partner the whole block is a no-op.
		cur := b.findLinked(p, rs, connector.Filter{}, "current "+rel.Name)
		changed := b.diff("changed " + rel.Name)
		b.g.Project(read, changed, Projection{Target: IntoCompLeft}, nil)
		b.g.Project(cur, changed, Projection{Target: IntoCompRight}, nil)
		ifn := b.ifNode("reconnect " + rel.Name)
		b.g.Project(changed, ifn, Projection{Target: IntoFlow}, nil)
		return b.gated(ifn, ArmThen, func() error {
			slot := b.freeToOneSlot(p, rs, cur)
			det := b.detachOtherParent(p, rs, read)
			b.link(OpLink, p, rs, read, ready, slot, det)
			return nil
		})
	}

	det := b.detachOtherParent(p, rs, read)
	if rel.OwnsForeignKey(rs.Side) {
		fwd := b.diff("target id " + rel.Name)
		b.g.Project(read, fwd, Projection{Target: IntoCompLeft}, nil)
		b.g.Project(fwd, p.node, Projection{Target: IntoDataField, Field: rel.ForeignKey}, nil)
		if ready >= 0 {
			b.g.Order(ready, p.node)
		}
		b.g.Order(det, p.node)
		return nil
	}
	b.link(OpLink, p, rs, read, ready, det)
	return nil
}

func (b *builder) nestedConnectOrCreate(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	read := b.query("find "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{Equals: op.Selector}})
	ifn := b.ifNode("connectOrCreate " + n.Field)
	b.g.Project(read, ifn, Projection{Target: IntoFlow}, nil)
	if err := b.gated(ifn, ArmThen, func() error {
		return b.linkFound(p, rs, read, -1)
	}); err != nil {
		return err
	}
	return b.gated(ifn, ArmElse, func() error {
		return b.nestedCreate(p, n, op.Create)
	})
}

func (b *builder) nestedDisconnect(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	rel := rs.Rel
	far := rs.Side.Other()
	if !canOrphanChild(rs) {
		return relationViolation(catalog.RelSide{Rel: rel, Side: far})
	}
	if !canEmptyParentSide(rs, n.Ops) {
		return relationViolation(rs)
	}

	if rel.ToMany(rs.Side) {
		want := len(op.Selectors)
		readAll := b.query("disconnect targets "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{AnyOf: op.Selectors}})
		chkA := b.check("targets " + n.Field)
		b.g.Project(readAll, chkA, Projection{Target: Discard}, expectFound(op.Model, rel.Name, want))
		linked := b.findLinked(p, rs, connector.Filter{AnyOf: op.Selectors}, "linked "+n.Field)
		b.g.Order(chkA, linked)
		chkL := b.check("linked " + n.Field)
		b.g.Project(linked, chkL, Projection{Target: Discard}, expectConnected(rel.Name, want))
		b.link(OpUnlink, p, rs, linked, chkL)
		return nil
	}

	if op.DisconnectAll {
		cur := b.findLinked(p, rs, connector.Filter{}, "current "+n.Field)
		b.link(OpUnlink, p, rs, cur)
		return nil
	}
	linked := b.findLinked(p, rs, connector.Filter{AnyOf: op.Selectors}, "linked "+n.Field)
	chk := b.check("linked " + n.Field)
	b.g.Project(linked, chk, Projection{Target: Discard}, expectConnected(rel.Name, 1))
	b.link(OpUnlink, p, rs, linked, chk)
	return nil
}

func (b *builder) nestedDelete(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	rel := rs.Rel
	if !canEmptyParentSide(rs, n.Ops) {
		return relationViolation(rs)
	}

	if rel.ToMany(rs.Side) {
		want := len(op.Selectors)
		readAll := b.query("delete targets "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{AnyOf: op.Selectors}})
		chkA := b.check("targets " + n.Field)
		b.g.Project(readAll, chkA, Projection{Target: Discard}, expectFound(op.Model, rel.Name, want))
		linked := b.findLinked(p, rs, connector.Filter{AnyOf: op.Selectors}, "linked "+n.Field)
		b.g.Order(chkA, linked)
		chkL := b.check("linked " + n.Field)
		b.g.Project(linked, chkL, Projection{Target: Discard}, expectConnected(rel.Name, want))
		terminals := b.cascade(op.Model, linked, rel, map[string]bool{})
		del := b.query("deleteMany "+op.Model, &Query{Op: OpDeleteMany, Model: op.Model})
		b.g.Project(linked, del, Projection{Target: IntoFilterIDs}, nil)
		b.g.Order(chkL, del)
		for _, t := range terminals {
			b.g.Order(t, del)
		}
		return nil
	}

	cur := b.findLinked(p, rs, connector.Filter{}, "current "+n.Field)
	chk := b.check("current " + n.Field)
	b.g.Project(cur, chk, Projection{Target: Discard}, expectFound(op.Model, rel.Name, 1))
	terminals := b.cascade(op.Model, cur, rel, map[string]bool{})
	del := b.query("delete "+op.Model, &Query{Op: OpDelete, Model: op.Model})
	b.g.Project(cur, del, Projection{Target: IntoTargetID}, nil)
	b.g.Order(chk, del)
	for _, t := range terminals {
		b.g.Order(t, del)
	}
	return nil
}

// cascade emulates the catalog's on-delete policies for the records
// produced by src. Restrict relations block the delete while a linked
// partner would dangle or lose a required link; cascade relations delete
// the partners first. The traversed relation is skipped and each relation
// is visited once so cyclic schemas terminate.
func (b *builder) cascade(model string, src NodeID, skip *catalog.Relation, visited map[string]bool) []NodeID {
	var terminals []NodeID
	for _, rs := range b.cat.Touching(model) {
		rel := rs.Rel
		if skip != nil && rel.Name == skip.Name {
			continue
		}
		if visited[rel.Name] {
			continue
		}
		other := rs.Side.Other()
		partnerModel := rel.Model(other)
		scope := &connector.LinkScope{Relation: rel, Side: rs.Side}

		if rel.OnDelete == catalog.Cascade {
			visited[rel.Name] = true
			partners := b.query("cascade "+partnerModel, &Query{Op: OpFindIDs, Model: partnerModel, Filter: connector.Filter{LinkedTo: scope}})
			b.g.Project(src, partners, Projection{Target: IntoLinkScope}, nil)
			subs := b.cascade(partnerModel, partners, rel, visited)
			del := b.query("cascade deleteMany "+partnerModel, &Query{Op: OpDeleteMany, Model: partnerModel})
			b.g.Project(partners, del, Projection{Target: IntoFilterIDs}, nil)
			for _, s := range subs {
				b.g.Order(s, del)
			}
			terminals = append(terminals, del)
			continue
		}

		// Join rows disappear with the record and an optional partner
		// that keeps its own key loses nothing; only a dangling foreign
		// key or a broken requirement blocks.
		blocking := rel.Required(other) || (rel.Linkage != catalog.JoinTable && rel.OwnsForeignKey(other))
		if !blocking {
			continue
		}
		partners := b.query("referencing "+partnerModel, &Query{Op: OpFindIDs, Model: partnerModel, Filter: connector.Filter{LinkedTo: scope}})
		b.g.Project(src, partners, Projection{Target: IntoLinkScope}, nil)
		chk := b.check("restrict " + rel.Name)
		b.g.Project(partners, chk, Projection{Target: Discard}, guardRequired(catalog.RelSide{Rel: rel, Side: other}))
		terminals = append(terminals, chk)
	}
	return terminals
}

func (b *builder) nestedSet(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	rel := rs.Rel
	far := rs.Side.Other()
	want := len(op.Selectors)

	readNew := b.query("set targets "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{AnyOf: op.Selectors}})
	chkN := b.check("set " + n.Field)
	b.g.Project(readNew, chkN, Projection{Target: Discard}, expectFound(op.Model, rel.Name, want))
	cur := b.findLinked(p, rs, connector.Filter{}, "current "+n.Field)

	removed := b.diff("removed " + n.Field)
	b.g.Project(cur, removed, Projection{Target: IntoCompLeft}, nil)
	b.g.Project(readNew, removed, Projection{Target: IntoCompRight}, nil)
	added := b.diff("added " + n.Field)
	b.g.Project(readNew, added, Projection{Target: IntoCompLeft}, nil)
	b.g.Project(cur, added, Projection{Target: IntoCompRight}, nil)

	var barrier NodeID
	if !canOrphanChild(rs) {
		barrier = b.check("set strands " + rel.Name)
		b.g.Project(removed, barrier, Projection{Target: Discard}, guardRequired(catalog.RelSide{Rel: rel, Side: far}))
	} else {
		barrier = b.link(OpUnlink, p, rs, removed, chkN)
	}
	b.link(OpLink, p, rs, added, chkN, barrier)
	return nil
}

func (b *builder) nestedUpdate(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	rel := rs.Rel

	if !rel.ToMany(rs.Side) {
		linked := b.findLinked(p, rs, connector.Filter{Equals: op.Selector}, "current "+n.Field)
		chk := b.check("current " + n.Field)
		b.g.Project(linked, chk, Projection{Target: Discard}, expectFound(op.Model, rel.Name, 1))
		upd := b.query("update "+op.Model, &Query{Op: OpUpdate, Model: op.Model, Data: op.Data})
		b.g.Node(upd).Tag = &ResultTag{Owner: p.node, Field: n.Field}
		b.g.Project(linked, upd, Projection{Target: IntoTargetID}, nil)
		b.g.Order(chk, upd)
		cp := parentRef{node: upd, idSrc: upd, model: op.Model}
		for _, cn := range op.Nested {
			if err := b.nested(cp, cn); err != nil {
				return err
			}
		}
		return nil
	}

	readAll := b.query("find "+op.Model, &Query{Op: OpFindIDs, Model: op.Model, Filter: connector.Filter{Equals: op.Selector}})
	chkA := b.check("target " + n.Field)
	b.g.Project(readAll, chkA, Projection{Target: Discard}, expectFound(op.Model, rel.Name, 1))
	linked := b.findLinked(p, rs, connector.Filter{Equals: op.Selector}, "linked "+n.Field)
	b.g.Order(chkA, linked)
	chkL := b.check("linked " + n.Field)
	b.g.Project(linked, chkL, Projection{Target: Discard}, expectConnected(rel.Name, 1))
	upd := b.query("update "+op.Model, &Query{Op: OpUpdate, Model: op.Model, Data: op.Data})
	b.g.Node(upd).Tag = &ResultTag{Owner: p.node, Field: n.Field}
	b.g.Project(linked, upd, Projection{Target: IntoTargetID}, nil)
	b.g.Order(chkL, upd)
	cp := parentRef{node: upd, idSrc: upd, model: op.Model}
	for _, cn := range op.Nested {
		if err := b.nested(cp, cn); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) nestedUpdateMany(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	node := b.query("updateMany "+op.Model, &Query{
		Op:     OpUpdateMany,
		Model:  op.Model,
		Data:   op.Data,
		Filter: connector.Filter{Equals: op.Filter, LinkedTo: &connector.LinkScope{Relation: rs.Rel, Side: rs.Side}},
	})
	b.g.Project(p.idSrc, node, Projection{Target: IntoLinkScope}, nil)
	return nil
}

func (b *builder) nestedDeleteMany(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	read := b.findLinked(p, rs, connector.Filter{Equals: op.Filter}, "deleteMany scope "+n.Field)
	terminals := b.cascade(op.Model, read, rs.Rel, map[string]bool{})
	del := b.query("deleteMany "+op.Model, &Query{Op: OpDeleteMany, Model: op.Model})
	b.g.Project(read, del, Projection{Target: IntoFilterIDs}, nil)
	for _, t := range terminals {
		b.g.Order(t, del)
	}
	return nil
}

func (b *builder) nestedUpsert(p parentRef, n writeop.Nested, op *writeop.Operation) error {
	rs := n.Rel
	read := b.findLinked(p, rs, connector.Filter{Equals: op.Selector}, "upsert target "+n.Field)
	ifn := b.ifNode("upsert " + n.Field)
	b.g.Project(read, ifn, Projection{Target: IntoFlow}, nil)
	if err := b.gated(ifn, ArmThen, func() error {
		upd := b.query("update "+op.Model, &Query{Op: OpUpdate, Model: op.Model, Data: op.Update.Data})
		b.g.Node(upd).Tag = &ResultTag{Owner: p.node, Field: n.Field}
		b.g.Project(read, upd, Projection{Target: IntoTargetID}, nil)
		cp := parentRef{node: upd, idSrc: upd, model: op.Model}
		for _, cn := range op.Update.Nested {
			if err := b.nested(cp, cn); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return b.gated(ifn, ArmElse, func() error {
		return b.nestedCreate(p, n, op.Create)
	})
}
