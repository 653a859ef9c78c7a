// Package exec interprets query graphs against a connector transaction.
// The interpreter walks the graph in deterministic topological order,
// carries projected ids across edges, enforces expectations, skips
// branches and reports the mutation outcomes as a result tree. It owns no
// transaction lifecycle: the caller begins, commits and rolls back.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"golang.org/x/sync/errgroup"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
	"github.com/syssam/nestwrite/connector"
	"github.com/syssam/nestwrite/plan"
)

// Result is the outcome of one mutation in the write tree: the touched
// record for single-record mutations, the affected count for batch ones,
// and the outcomes of nested mutations keyed by relation field.
type Result struct {
	Record *connector.Record
	Count  int64
	Nested map[string][]*Result
}

// outcome is the per-node execution state.
type outcome struct {
	skipped   bool
	thenTaken bool
	ids       []nestwrite.ID
	record    *connector.Record
	count     int64

	// projected inputs, gathered before dispatch
	data      map[string]any
	target    nestwrite.ID
	hasTarget bool
	filter    connector.Filter
	sideA     []nestwrite.ID
	sideB     []nestwrite.ID
	compLeft  []nestwrite.ID
	compRight []nestwrite.ID
	flowIn    []nestwrite.ID
}

type interp struct {
	g   *plan.Graph
	tx  connector.Tx
	log *slog.Logger
	out []*outcome
}

// Run executes the graph inside the given transaction and returns the
// result tree. The first expectation violation or storage error aborts
// the walk; the caller decides what happens to the transaction.
func Run(ctx context.Context, g *plan.Graph, tx connector.Tx, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = slog.Default()
	}
	i := &interp{g: g, tx: tx, log: log, out: make([]*outcome, g.Len())}
	for id := range i.out {
		i.out[id] = &outcome{}
	}

	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	for _, wave := range waves(g, order) {
		if err := i.runWave(ctx, wave); err != nil {
			return nil, err
		}
	}
	return i.collect(order), nil
}

// waves groups the topological order into dependency levels: every node
// in a wave depends only on earlier waves, so a wave may run
// concurrently.
func waves(g *plan.Graph, order []plan.NodeID) [][]plan.NodeID {
	level := make([]int, g.Len())
	max := 0
	edges := g.Edges()
	for _, id := range order {
		for _, ei := range g.In(id) {
			if l := level[edges[ei].From] + 1; l > level[id] {
				level[id] = l
			}
		}
		if level[id] > max {
			max = level[id]
		}
	}
	out := make([][]plan.NodeID, max+1)
	for _, id := range order {
		out[level[id]] = append(out[level[id]], id)
	}
	return out
}

// runWave first walks the wave sequentially in ascending node order,
// deciding skips, enforcing expectations and gathering projected inputs,
// so violations surface deterministically. The storage dispatches are
// then issued, concurrently when the transaction allows it.
func (i *interp) runWave(ctx context.Context, wave []plan.NodeID) error {
	var pending []plan.NodeID
	for _, id := range wave {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i.skip(id) {
			i.out[id].skipped = true
			continue
		}
		if err := i.prepare(id); err != nil {
			return err
		}
		node := i.g.Node(id)
		if node.Kind == plan.NodeQuery {
			pending = append(pending, id)
			continue
		}
		i.pure(id, node)
	}

	if len(pending) > 1 && i.tx.Capabilities().ConcurrentStatements {
		eg, egCtx := errgroup.WithContext(ctx)
		for _, id := range pending {
			eg.Go(func() error { return i.dispatch(egCtx, id) })
		}
		return eg.Wait()
	}
	for _, id := range pending {
		if err := i.dispatch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// skip decides whether a node stays unexecuted: it sits on an untaken
// branch arm, or an input it depends on was itself skipped. A FlowReturn
// node joins exclusive arms and runs as long as one input executed.
func (i *interp) skip(id plan.NodeID) bool {
	node := i.g.Node(id)
	edges := i.g.Edges()
	in := i.g.In(id)
	if node.Kind == plan.NodeFlow && node.Flow == plan.FlowReturn {
		for _, ei := range in {
			if !i.out[edges[ei].From].skipped {
				return false
			}
		}
		return len(in) > 0
	}
	for _, ei := range in {
		e := edges[ei]
		from := i.out[e.From]
		switch e.Kind {
		case plan.EdgeBranch:
			if from.skipped {
				return true
			}
			if (e.Arm == plan.ArmThen) != from.thenTaken {
				return true
			}
		default:
			if from.skipped {
				return true
			}
		}
	}
	return false
}

// prepare enforces the node's inbound expectations and gathers its
// projected inputs.
func (i *interp) prepare(id plan.NodeID) error {
	node := i.g.Node(id)
	out := i.out[id]
	edges := i.g.Edges()
	if node.Kind == plan.NodeQuery {
		out.filter = node.Query.Filter
		if node.Query.Data != nil {
			out.data = make(map[string]any, len(node.Query.Data))
			maps.Copy(out.data, node.Query.Data)
		}
	}
	for _, ei := range i.g.In(id) {
		e := edges[ei]
		if e.Kind != plan.EdgeProject {
			continue
		}
		from := i.out[e.From]
		if from.skipped {
			continue
		}
		if e.Expect != nil && !e.Expect.Met(len(from.ids)) {
			return e.Expect.Violation(len(from.ids))
		}
		if err := i.apply(node, out, e, from.ids); err != nil {
			return err
		}
	}
	return nil
}

func (i *interp) apply(node *plan.Node, out *outcome, e plan.Edge, ids []nestwrite.ID) error {
	switch e.Proj.Target {
	case plan.IntoDataField:
		if len(ids) != 1 {
			return fmt.Errorf("nestwrite: %s: expected one id for field %s, got %d", node.Label, e.Proj.Field, len(ids))
		}
		if out.data == nil {
			out.data = map[string]any{}
		}
		out.data[e.Proj.Field] = ids[0]
	case plan.IntoTargetID:
		if len(ids) != 1 {
			return fmt.Errorf("nestwrite: %s: expected one target id, got %d", node.Label, len(ids))
		}
		out.target = ids[0]
		out.hasTarget = true
	case plan.IntoFilterIDs:
		out.filter.IDs = append([]nestwrite.ID{}, ids...)
	case plan.IntoLinkScope:
		scope := *out.filter.LinkedTo
		scope.ParentIDs = append([]nestwrite.ID{}, ids...)
		out.filter.LinkedTo = &scope
	case plan.IntoLinkSide:
		if e.Proj.Side == catalog.SideA {
			out.sideA = append(out.sideA, ids...)
		} else {
			out.sideB = append(out.sideB, ids...)
		}
	case plan.IntoCompLeft:
		out.compLeft = append(out.compLeft, ids...)
	case plan.IntoCompRight:
		out.compRight = append(out.compRight, ids...)
	case plan.IntoFlow:
		out.flowIn = append(out.flowIn, ids...)
	case plan.Discard:
	}
	return nil
}

// pure executes flow and computation nodes.
func (i *interp) pure(id plan.NodeID, node *plan.Node) {
	out := i.out[id]
	switch node.Kind {
	case plan.NodeComputation:
		right := make(map[nestwrite.ID]bool, len(out.compRight))
		for _, r := range out.compRight {
			right[r] = true
		}
		for _, l := range out.compLeft {
			if !right[l] {
				out.ids = append(out.ids, l)
			}
		}
	case plan.NodeFlow:
		switch node.Flow {
		case plan.FlowIf:
			out.thenTaken = len(out.flowIn) > 0
		case plan.FlowReturn:
			edges := i.g.Edges()
			for _, ei := range i.g.In(id) {
				from := i.out[edges[ei].From]
				if !from.skipped {
					out.ids = from.ids
					out.record = from.record
					out.count = from.count
					break
				}
			}
		}
	}
}

// dispatch issues one storage primitive.
func (i *interp) dispatch(ctx context.Context, id plan.NodeID) error {
	node := i.g.Node(id)
	q := node.Query
	out := i.out[id]
	i.log.DebugContext(ctx, "dispatch", "node", int(id), "op", q.Op.String(), "label", node.Label)

	switch q.Op {
	case plan.OpFindIDs:
		ids, err := i.tx.FindIDs(ctx, q.Model, out.filter)
		if err != nil {
			return err
		}
		out.ids = ids

	case plan.OpCreate:
		rec, err := i.tx.CreateRecord(ctx, q.Model, out.data)
		if err != nil {
			return err
		}
		out.record = rec
		out.ids = []nestwrite.ID{rec.ID}
		out.count = 1

	case plan.OpUpdate:
		if !out.hasTarget {
			return fmt.Errorf("nestwrite: %s: update without a target id", node.Label)
		}
		rec, err := i.tx.UpdateRecord(ctx, q.Model, out.target, out.data)
		if err != nil {
			return err
		}
		out.record = rec
		out.ids = []nestwrite.ID{rec.ID}
		out.count = 1

	case plan.OpDelete:
		if !out.hasTarget {
			return fmt.Errorf("nestwrite: %s: delete without a target id", node.Label)
		}
		if err := i.tx.DeleteRecord(ctx, q.Model, out.target); err != nil {
			return err
		}
		out.count = 1

	case plan.OpLink, plan.OpUnlink:
		// A side with no ids makes the whole node a no-op; an already
		// settled set or an idempotent reconnect issues nothing.
		for _, a := range out.sideA {
			for _, b := range out.sideB {
				var err error
				if q.Op == plan.OpLink {
					err = i.tx.Link(ctx, q.Rel, a, b)
				} else {
					err = i.tx.Unlink(ctx, q.Rel, a, b)
				}
				if err != nil {
					return err
				}
				out.count++
			}
		}

	case plan.OpCreateMany:
		for _, row := range q.Rows {
			data := make(map[string]any, len(row)+len(out.data))
			maps.Copy(data, row)
			// projected link fields apply to every row
			for k, v := range out.data {
				if _, fromRow := row[k]; !fromRow {
					data[k] = v
				}
			}
			if _, err := i.tx.CreateRecord(ctx, q.Model, data); err != nil {
				return err
			}
			out.count++
		}

	case plan.OpUpdateMany:
		n, err := i.tx.UpdateMany(ctx, q.Model, out.filter, out.data)
		if err != nil {
			return err
		}
		out.count = n

	case plan.OpDeleteMany:
		n, err := i.tx.DeleteMany(ctx, q.Model, out.filter)
		if err != nil {
			return err
		}
		out.count = n
	}
	return nil
}

// collect assembles the result tree from the tagged mutation nodes.
func (i *interp) collect(order []plan.NodeID) *Result {
	results := make(map[plan.NodeID]*Result)
	var root *Result
	for _, id := range order {
		node := i.g.Node(id)
		if node.Tag == nil || i.out[id].skipped {
			continue
		}
		results[id] = &Result{Record: i.out[id].record, Count: i.out[id].count}
	}
	for _, id := range order {
		r, ok := results[id]
		if !ok {
			continue
		}
		tag := i.g.Node(id).Tag
		if tag.Owner < 0 {
			root = r
			continue
		}
		owner, ok := results[tag.Owner]
		if !ok {
			continue
		}
		if owner.Nested == nil {
			owner.Nested = map[string][]*Result{}
		}
		owner.Nested[tag.Field] = append(owner.Nested[tag.Field], r)
	}
	return root
}
