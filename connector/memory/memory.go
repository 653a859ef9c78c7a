// Package memory implements the connector interface on an in-process
// store. Records live in per-model tables keyed by generated ids,
// many-to-many links in per-relation pair sets and foreign keys as plain
// record fields. Transactions snapshot the whole store on begin and
// restore it on rollback, which makes the connector a faithful harness
// for atomicity behavior without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
	"github.com/syssam/nestwrite/connector"
)

// pairSep joins two ids into a join-set key. Ids never contain it.
const pairSep = "\x1f"

// Store is an in-process connector. It serializes transactions: BeginTx
// blocks until the previous transaction finished.
type Store struct {
	cat *catalog.Catalog

	mu     sync.Mutex
	tables map[string]map[string]map[string]any // model -> id -> fields
	joins  map[string]map[string]bool           // relation -> "a<sep>b"

	// newID produces record ids; replaced in tests for stable output.
	newID func() string
}

// New returns an empty store for the given catalog.
func New(cat *catalog.Catalog) *Store {
	return &Store{
		cat:    cat,
		tables: map[string]map[string]map[string]any{},
		joins:  map[string]map[string]bool{},
		newID:  uuid.NewString,
	}
}

// WithIDs replaces the id generator. Intended for tests that need
// predictable ids.
func (s *Store) WithIDs(gen func() string) *Store {
	s.newID = gen
	return s
}

// BeginTx locks the store and snapshots its state for rollback.
func (s *Store) BeginTx(ctx context.Context) (connector.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	snap, err := s.encode()
	if err != nil {
		s.mu.Unlock()
		return nil, nestwrite.NewTxError("begin", err)
	}
	return &tx{s: s, snap: snap}, nil
}

// Snapshot returns a deterministic serialization of the current state.
// Two stores holding the same records and links produce identical bytes.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encode()
}

type snapField struct {
	Name  string `msgpack:"n"`
	Value any    `msgpack:"v"`
}

type snapRecord struct {
	ID     string      `msgpack:"id"`
	Fields []snapField `msgpack:"f"`
}

type snapTable struct {
	Model   string       `msgpack:"m"`
	Records []snapRecord `msgpack:"r"`
}

type snapJoin struct {
	Relation string   `msgpack:"rel"`
	Pairs    []string `msgpack:"p"`
}

type snapshot struct {
	Tables []snapTable `msgpack:"t"`
	Joins  []snapJoin  `msgpack:"j"`
}

// encode serializes with every key sorted so equal states yield equal
// bytes. Callers hold s.mu.
func (s *Store) encode() ([]byte, error) {
	var snap snapshot
	for _, model := range sortedKeys(s.tables) {
		table := snapTable{Model: model}
		for _, id := range sortedKeys(s.tables[model]) {
			rec := snapRecord{ID: id}
			fields := s.tables[model][id]
			for _, name := range sortedKeys(fields) {
				v := fields[name]
				if id, ok := v.(nestwrite.ID); ok {
					v = string(id)
				}
				rec.Fields = append(rec.Fields, snapField{Name: name, Value: v})
			}
			table.Records = append(table.Records, rec)
		}
		snap.Tables = append(snap.Tables, table)
	}
	for _, rel := range sortedKeys(s.joins) {
		j := snapJoin{Relation: rel, Pairs: sortedKeys(s.joins[rel])}
		snap.Joins = append(snap.Joins, j)
	}
	return msgpack.Marshal(&snap)
}

// restore replaces the state with a decoded snapshot. Callers hold s.mu.
func (s *Store) restore(data []byte) error {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.tables = map[string]map[string]map[string]any{}
	s.joins = map[string]map[string]bool{}
	for _, t := range snap.Tables {
		table := map[string]map[string]any{}
		for _, r := range t.Records {
			fields := make(map[string]any, len(r.Fields))
			for _, f := range r.Fields {
				fields[f.Name] = f.Value
			}
			table[r.ID] = fields
		}
		s.tables[t.Model] = table
	}
	for _, j := range snap.Joins {
		pairs := make(map[string]bool, len(j.Pairs))
		for _, p := range j.Pairs {
			pairs[p] = true
		}
		s.joins[j.Relation] = pairs
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type tx struct {
	s    *Store
	snap []byte
	done bool
}

func (t *tx) Capabilities() connector.Capabilities {
	return connector.Capabilities{ConcurrentStatements: false}
}

func (t *tx) Commit() error {
	if t.done {
		return nestwrite.ErrTxDone
	}
	t.done = true
	t.snap = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nestwrite.ErrTxDone
	}
	t.done = true
	err := t.s.restore(t.snap)
	t.snap = nil
	t.s.mu.Unlock()
	if err != nil {
		return &nestwrite.RollbackError{Err: err}
	}
	return nil
}

func (t *tx) guard(ctx context.Context) error {
	if t.done {
		return nestwrite.ErrTxDone
	}
	return ctx.Err()
}

func (t *tx) table(model string) map[string]map[string]any {
	table, ok := t.s.tables[model]
	if !ok {
		table = map[string]map[string]any{}
		t.s.tables[model] = table
	}
	return table
}

func (t *tx) CreateRecord(ctx context.Context, model string, data map[string]any) (*connector.Record, error) {
	if err := t.guard(ctx); err != nil {
		return nil, err
	}
	m, err := t.s.cat.Model(model)
	if err != nil {
		return nil, err
	}
	id := t.s.newID()
	fields := make(map[string]any, len(data)+1)
	for k, v := range data {
		fields[k] = normalize(v)
	}
	for _, f := range m.Fields {
		if f.Generated && fields[f.Name] == nil {
			fields[f.Name] = id
		}
	}
	if err := t.checkUnique(m, id, fields); err != nil {
		return nil, err
	}
	t.table(model)[id] = fields
	return record(id, fields), nil
}

func (t *tx) UpdateRecord(ctx context.Context, model string, id nestwrite.ID, data map[string]any) (*connector.Record, error) {
	if err := t.guard(ctx); err != nil {
		return nil, err
	}
	m, err := t.s.cat.Model(model)
	if err != nil {
		return nil, err
	}
	fields, ok := t.table(model)[string(id)]
	if !ok {
		return nil, &nestwrite.NotFoundError{Model: model, Expected: 1, Found: 0}
	}
	next := make(map[string]any, len(fields)+len(data))
	for k, v := range fields {
		next[k] = v
	}
	for k, v := range data {
		next[k] = normalize(v)
	}
	if err := t.checkUnique(m, string(id), next); err != nil {
		return nil, err
	}
	t.table(model)[string(id)] = next
	return record(string(id), next), nil
}

func (t *tx) DeleteRecord(ctx context.Context, model string, id nestwrite.ID) error {
	if err := t.guard(ctx); err != nil {
		return err
	}
	table := t.table(model)
	if _, ok := table[string(id)]; !ok {
		return &nestwrite.NotFoundError{Model: model, Expected: 1, Found: 0}
	}
	delete(table, string(id))
	t.dropJoins(model, string(id))
	return nil
}

// dropJoins removes join rows referencing a deleted record.
func (t *tx) dropJoins(model, id string) {
	for _, rs := range t.s.cat.Touching(model) {
		rel := rs.Rel
		if rel.Linkage != catalog.JoinTable {
			continue
		}
		pairs := t.s.joins[rel.Name]
		for key := range pairs {
			a, b, _ := strings.Cut(key, pairSep)
			if (rs.Side == catalog.SideA && a == id) || (rs.Side == catalog.SideB && b == id) {
				delete(pairs, key)
			}
		}
	}
}

func (t *tx) FindIDs(ctx context.Context, model string, f connector.Filter) ([]nestwrite.ID, error) {
	if err := t.guard(ctx); err != nil {
		return nil, err
	}
	table := t.table(model)
	matched := make([]string, 0)
	for id, fields := range table {
		ok, err := t.matches(model, id, fields, f)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, id)
		}
	}
	sort.Strings(matched)
	ids := make([]nestwrite.ID, len(matched))
	for i, id := range matched {
		ids[i] = nestwrite.ID(id)
	}
	return ids, nil
}

func (t *tx) matches(model, id string, fields map[string]any, f connector.Filter) (bool, error) {
	for k, v := range f.Equals {
		if !equalValue(fields[k], v) {
			return false, nil
		}
	}
	if f.AnyOf != nil {
		hit := false
		for _, sel := range f.AnyOf {
			all := true
			for k, v := range sel {
				if !equalValue(fields[k], v) {
					all = false
					break
				}
			}
			if all {
				hit = true
				break
			}
		}
		if !hit {
			return false, nil
		}
	}
	if f.IDs != nil {
		hit := false
		for _, want := range f.IDs {
			if string(want) == id {
				hit = true
				break
			}
		}
		if !hit {
			return false, nil
		}
	}
	if f.LinkedTo != nil {
		scope := f.LinkedTo
		recSide := scope.Side.Other()
		for _, parent := range scope.ParentIDs {
			linked, err := t.isLinked(scope.Relation, scope.Side, string(parent), recSide, id)
			if err != nil {
				return false, err
			}
			if linked {
				return true, nil
			}
		}
		return false, nil
	}
	return true, nil
}

// isLinked reports whether the records on the two relation sides are
// currently linked.
func (t *tx) isLinked(rel *catalog.Relation, aSide catalog.Side, aID string, bSide catalog.Side, bID string) (bool, error) {
	// normalize to relation sides
	var sideA, sideB string
	if aSide == catalog.SideA {
		sideA, sideB = aID, bID
	} else {
		sideA, sideB = bID, aID
	}
	switch {
	case rel.Linkage == catalog.JoinTable:
		return t.s.joins[rel.Name][sideA+pairSep+sideB], nil
	case rel.OwnsForeignKey(catalog.SideA):
		owner, ok := t.table(rel.ModelA)[sideA]
		return ok && equalValue(owner[rel.ForeignKey], sideB), nil
	default:
		owner, ok := t.table(rel.ModelB)[sideB]
		return ok && equalValue(owner[rel.ForeignKey], sideA), nil
	}
}

func (t *tx) Link(ctx context.Context, rel *catalog.Relation, aID, bID nestwrite.ID) error {
	if err := t.guard(ctx); err != nil {
		return err
	}
	switch {
	case rel.Linkage == catalog.JoinTable:
		pairs, ok := t.s.joins[rel.Name]
		if !ok {
			pairs = map[string]bool{}
			t.s.joins[rel.Name] = pairs
		}
		pairs[string(aID)+pairSep+string(bID)] = true
		return nil
	case rel.OwnsForeignKey(catalog.SideA):
		return t.setFK(rel.ModelA, string(aID), rel.ForeignKey, string(bID))
	default:
		return t.setFK(rel.ModelB, string(bID), rel.ForeignKey, string(aID))
	}
}

func (t *tx) Unlink(ctx context.Context, rel *catalog.Relation, aID, bID nestwrite.ID) error {
	if err := t.guard(ctx); err != nil {
		return err
	}
	switch {
	case rel.Linkage == catalog.JoinTable:
		delete(t.s.joins[rel.Name], string(aID)+pairSep+string(bID))
		return nil
	case rel.OwnsForeignKey(catalog.SideA):
		return t.clearFK(rel.ModelA, string(aID), rel.ForeignKey, string(bID))
	default:
		return t.clearFK(rel.ModelB, string(bID), rel.ForeignKey, string(aID))
	}
}

func (t *tx) setFK(model, id, fk, target string) error {
	fields, ok := t.table(model)[id]
	if !ok {
		return &nestwrite.NotFoundError{Model: model, Expected: 1, Found: 0}
	}
	fields[fk] = target
	return nil
}

func (t *tx) clearFK(model, id, fk, target string) error {
	fields, ok := t.table(model)[id]
	if !ok {
		return nil
	}
	if equalValue(fields[fk], target) {
		delete(fields, fk)
	}
	return nil
}

func (t *tx) UpdateMany(ctx context.Context, model string, f connector.Filter, data map[string]any) (int64, error) {
	if err := t.guard(ctx); err != nil {
		return 0, err
	}
	ids, err := t.FindIDs(ctx, model, f)
	if err != nil {
		return 0, err
	}
	m, err := t.s.cat.Model(model)
	if err != nil {
		return 0, err
	}
	table := t.table(model)
	for _, id := range ids {
		next := make(map[string]any, len(table[string(id)])+len(data))
		for k, v := range table[string(id)] {
			next[k] = v
		}
		for k, v := range data {
			next[k] = normalize(v)
		}
		if err := t.checkUnique(m, string(id), next); err != nil {
			return 0, err
		}
		table[string(id)] = next
	}
	return int64(len(ids)), nil
}

func (t *tx) DeleteMany(ctx context.Context, model string, f connector.Filter) (int64, error) {
	if err := t.guard(ctx); err != nil {
		return 0, err
	}
	ids, err := t.FindIDs(ctx, model, f)
	if err != nil {
		return 0, err
	}
	table := t.table(model)
	for _, id := range ids {
		delete(table, string(id))
		t.dropJoins(model, string(id))
	}
	return int64(len(ids)), nil
}

// checkUnique enforces the model's unique constraints against the other
// stored records.
func (t *tx) checkUnique(m *catalog.Model, id string, fields map[string]any) error {
	sets := append([][]string{m.PrimaryKey}, m.Uniques...)
	table := t.table(m.Name)
	for _, set := range sets {
		if len(set) == 0 {
			continue
		}
		complete := true
		for _, f := range set {
			if fields[f] == nil {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		for otherID, other := range table {
			if otherID == id {
				continue
			}
			same := true
			for _, f := range set {
				if !equalValue(other[f], fields[f]) {
					same = false
					break
				}
			}
			if same {
				return nestwrite.NewConstraintError(
					fmt.Sprintf("unique constraint on %s(%s) violated", m.Name, strings.Join(set, ", ")), nil)
			}
		}
	}
	return nil
}

func record(id string, fields map[string]any) *connector.Record {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return &connector.Record{ID: nestwrite.ID(id), Fields: out}
}

// normalize flattens typed ids to strings so stored values survive a
// snapshot round trip unchanged.
func normalize(v any) any {
	if id, ok := v.(nestwrite.ID); ok {
		return string(id)
	}
	return v
}

// equalValue compares field values across the numeric and string
// representations different decoders produce.
func equalValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a == b {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
