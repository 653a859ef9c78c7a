// Package plan turns a resolved write operation tree into a query graph:
// a directed acyclic graph of primitive storage operations, flow-control
// nodes and pure computations, joined by edges that carry ordering,
// projected values and result-shape expectations. The graph is the only
// contract between planning and execution; the interpreter in package
// exec walks it without knowing which write shapes produced it.
package plan

import (
	"fmt"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
	"github.com/syssam/nestwrite/connector"
)

// NodeID is a dense index into the graph's node arena.
type NodeID int

// NodeKind discriminates the three node families.
type NodeKind int

const (
	// NodeQuery is a primitive storage operation.
	NodeQuery NodeKind = iota
	// NodeFlow is a control node: a branch predicate, an expectation
	// anchor, or a result join.
	NodeFlow
	// NodeComputation is a pure in-memory computation over projected
	// id sets.
	NodeComputation
)

// OpCode enumerates the primitive storage operations a Query node can
// dispatch.
type OpCode int

const (
	OpCreate OpCode = iota
	OpUpdate
	OpDelete
	OpFindIDs
	OpLink
	OpUnlink
	OpCreateMany
	OpUpdateMany
	OpDeleteMany
)

var opCodeNames = [...]string{"create", "update", "delete", "findIDs", "link", "unlink", "createMany", "updateMany", "deleteMany"}

func (o OpCode) String() string {
	if int(o) < len(opCodeNames) {
		return opCodeNames[o]
	}
	return fmt.Sprintf("OpCode(%d)", int(o))
}

// Query describes one primitive storage operation. Which parts are set
// depends on the op code; projected inputs fill the remaining holes at
// execution time.
type Query struct {
	Op     OpCode
	Model  string
	Rel    *catalog.Relation
	Data   map[string]any
	Rows   []map[string]any
	Filter connector.Filter
}

// FlowKind discriminates flow nodes.
type FlowKind int

const (
	// FlowIf branches on whether its projected input is non-empty.
	FlowIf FlowKind = iota
	// FlowCheck anchors expectations on its inbound project edges and
	// does nothing else. It exists so an expectation inside a branch is
	// only enforced when the branch is taken.
	FlowCheck
	// FlowReturn joins mutually exclusive branches: it executes when at
	// least one inbound producer executed and adopts that producer's
	// result.
	FlowReturn
)

// CompKind discriminates computation nodes.
type CompKind int

const (
	// CompDiff yields the ids projected into the left input that are
	// absent from the right input.
	CompDiff CompKind = iota
)

// Node is one arena slot. Exactly one of Query, Flow kind or Comp kind is
// meaningful, selected by Kind.
type Node struct {
	Kind NodeKind

	Query *Query
	Flow  FlowKind
	Comp  CompKind

	// Label names the node's role for logs and errors.
	Label string

	// Tag is set on mutation nodes whose outcome belongs in the
	// caller-visible result tree.
	Tag *ResultTag
}

// ResultTag attaches a node's outcome to the result tree: under the
// Field list of the owner node's result, or as the tree root when Owner
// is negative.
type ResultTag struct {
	Owner NodeID
	Field string
}

// EdgeKind discriminates edge families.
type EdgeKind int

const (
	// EdgeOrder only sequences: the target runs after the source.
	EdgeOrder EdgeKind = iota
	// EdgeProject carries the source's resulting ids into a hole in the
	// target, optionally guarded by an expectation.
	EdgeProject
	// EdgeBranch gates the target on the outcome of a FlowIf source.
	EdgeBranch
)

// ProjTarget names the hole in the consumer a projection fills.
type ProjTarget int

const (
	// IntoDataField writes the single projected id into the consumer's
	// Data under Field.
	IntoDataField ProjTarget = iota
	// IntoTargetID sets the single projected id as the consumer's
	// mutation target.
	IntoTargetID
	// IntoFilterIDs sets the consumer's Filter.IDs to all projected ids.
	IntoFilterIDs
	// IntoLinkScope sets the consumer's Filter.LinkedTo.ParentIDs.
	IntoLinkScope
	// IntoLinkSide feeds ids to the given relation side of a link or
	// unlink node.
	IntoLinkSide
	// IntoCompLeft and IntoCompRight feed a computation node's inputs.
	IntoCompLeft
	IntoCompRight
	// IntoFlow feeds a FlowIf predicate.
	IntoFlow
	// Discard carries no value; the edge exists for its expectation and
	// its ordering.
	Discard
)

// Projection pairs a target hole with its parameters.
type Projection struct {
	Target ProjTarget
	Field  string
	Side   catalog.Side
}

// ExpectKind enumerates row-count expectations.
type ExpectKind int

const (
	ExpectNonEmpty ExpectKind = iota
	ExpectEmpty
	ExpectExactly
)

// Expect is a row-count expectation on a project edge. Violation builds
// the typed error reported when the producer's row count does not meet
// the expectation; it receives the observed count.
type Expect struct {
	Kind      ExpectKind
	Count     int
	Violation func(found int) error
}

// Met reports whether a producer row count satisfies the expectation.
func (e *Expect) Met(found int) bool {
	switch e.Kind {
	case ExpectNonEmpty:
		return found > 0
	case ExpectEmpty:
		return found == 0
	default:
		return found == e.Count
	}
}

// BranchArm selects which FlowIf outcome takes an EdgeBranch.
type BranchArm int

const (
	ArmThen BranchArm = iota
	ArmElse
)

// Edge connects two nodes. Proj and Expect are set on EdgeProject edges,
// Arm on EdgeBranch edges.
type Edge struct {
	Kind     EdgeKind
	From, To NodeID
	Proj     Projection
	Expect   *Expect
	Arm      BranchArm
}

// Graph is an arena of nodes plus an edge list. Nodes are addressed by
// dense NodeID indices; execution order is fully determined by edges,
// with ascending NodeID as the deterministic tie-break.
type Graph struct {
	nodes  []Node
	edges  []Edge
	result NodeID
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{result: -1}
}

func (g *Graph) add(n Node) NodeID {
	g.nodes = append(g.nodes, n)
	return NodeID(len(g.nodes) - 1)
}

// AddQuery appends a query node.
func (g *Graph) AddQuery(label string, q *Query) NodeID {
	return g.add(Node{Kind: NodeQuery, Query: q, Label: label})
}

// AddIf appends a FlowIf node branching on a non-empty projected input.
func (g *Graph) AddIf(label string) NodeID {
	return g.add(Node{Kind: NodeFlow, Flow: FlowIf, Label: label})
}

// AddCheck appends a FlowCheck expectation anchor.
func (g *Graph) AddCheck(label string) NodeID {
	return g.add(Node{Kind: NodeFlow, Flow: FlowCheck, Label: label})
}

// AddReturn appends a FlowReturn branch join.
func (g *Graph) AddReturn(label string) NodeID {
	return g.add(Node{Kind: NodeFlow, Flow: FlowReturn, Label: label})
}

// AddDiff appends a set-difference computation node.
func (g *Graph) AddDiff(label string) NodeID {
	return g.add(Node{Kind: NodeComputation, Comp: CompDiff, Label: label})
}

// Node returns the node at id. The pointer stays valid until the next
// Add call.
func (g *Graph) Node(id NodeID) *Node {
	return &g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Edges returns the edge list, in insertion order.
func (g *Graph) Edges() []Edge { return g.edges }

// Order adds a pure ordering edge.
func (g *Graph) Order(from, to NodeID) {
	g.edges = append(g.edges, Edge{Kind: EdgeOrder, From: from, To: to})
}

// Project adds a value-carrying edge. expect may be nil.
func (g *Graph) Project(from, to NodeID, proj Projection, expect *Expect) {
	g.edges = append(g.edges, Edge{Kind: EdgeProject, From: from, To: to, Proj: proj, Expect: expect})
}

// Branch gates to on the given arm of the FlowIf node from.
func (g *Graph) Branch(from, to NodeID, arm BranchArm) {
	g.edges = append(g.edges, Edge{Kind: EdgeBranch, From: from, To: to, Arm: arm})
}

// MarkResult marks the node whose record is the root of the result tree.
func (g *Graph) MarkResult(id NodeID) { g.result = id }

// Result returns the marked result node, or -1 when none is marked.
func (g *Graph) Result() NodeID { return g.result }

// In returns the indices into Edges of the edges pointing at id.
func (g *Graph) In(id NodeID) []int {
	var in []int
	for i := range g.edges {
		if g.edges[i].To == id {
			in = append(in, i)
		}
	}
	return in
}

// Out returns the indices into Edges of the edges leaving id.
func (g *Graph) Out(id NodeID) []int {
	var out []int
	for i := range g.edges {
		if g.edges[i].From == id {
			out = append(out, i)
		}
	}
	return out
}

// TopoOrder returns every node in a deterministic topological order:
// Kahn's algorithm with the lowest ready NodeID dispatched first. It
// fails if the edge set contains a cycle.
func (g *Graph) TopoOrder() ([]NodeID, error) {
	indeg := make([]int, len(g.nodes))
	for i := range g.edges {
		indeg[g.edges[i].To]++
	}
	order := make([]NodeID, 0, len(g.nodes))
	done := make([]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		next := NodeID(-1)
		for id := range g.nodes {
			if !done[id] && indeg[id] == 0 {
				next = NodeID(id)
				break
			}
		}
		if next < 0 {
			return nil, nestwrite.NewValidationError("plan", fmt.Errorf("query graph contains a cycle"))
		}
		done[next] = true
		order = append(order, next)
		for i := range g.edges {
			if g.edges[i].From == next {
				indeg[g.edges[i].To]--
			}
		}
	}
	return order, nil
}

// Finalize validates the finished graph: a result node is marked and the
// edge set is acyclic.
func (g *Graph) Finalize() error {
	if g.result < 0 || int(g.result) >= len(g.nodes) {
		return nestwrite.NewValidationError("plan", fmt.Errorf("query graph has no result node"))
	}
	_, err := g.TopoOrder()
	return err
}
