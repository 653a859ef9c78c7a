package writeop

import (
	"errors"
	"fmt"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
)

// rootKinds maps top-level payload keys to operation kinds. A root payload
// carries exactly one of these keys.
var rootKinds = map[string]Kind{
	"create":     KindCreate,
	"update":     KindUpdate,
	"upsert":     KindUpsert,
	"delete":     KindDelete,
	"createMany": KindCreateMany,
	"updateMany": KindUpdateMany,
	"deleteMany": KindDeleteMany,
}

// nestedOrder is the canonical execution order of nested operations under
// one relation field: unlinking precedes linking, so that a disconnect on a
// required side which is followed by a replacement link stays satisfiable.
var nestedOrder = []string{
	"disconnect", "delete", "deleteMany", "set",
	"create", "createMany", "connectOrCreate", "connect",
	"upsert", "update", "updateMany",
}

// Resolve validates and normalizes a raw nested-write payload against the
// catalog, returning the typed operation tree or a ValidationError naming
// the offending path.
func Resolve(cat *catalog.Catalog, model string, payload map[string]any) (*Operation, error) {
	r := &resolver{cat: cat}
	if _, err := cat.Model(model); err != nil {
		return nil, errAt(model, err)
	}
	if len(payload) != 1 {
		return nil, errAt(model, fmt.Errorf("root payload must carry exactly one operation, got %d", len(payload)))
	}
	for key, value := range payload {
		kind, ok := rootKinds[key]
		if !ok {
			return nil, errAt(model+"."+key, errors.New("unknown root operation"))
		}
		return r.resolveRoot(kind, model, value, model+"."+key)
	}
	panic("unreachable")
}

type resolver struct {
	cat *catalog.Catalog
}

func errAt(path string, err error) error {
	return nestwrite.NewValidationError(path, err)
}

func (r *resolver) resolveRoot(kind Kind, model string, value any, path string) (*Operation, error) {
	switch kind {
	case KindCreate:
		data, ok := value.(map[string]any)
		if !ok {
			return nil, errAt(path, errors.New("create takes an object"))
		}
		return r.resolveCreate(model, data, path)
	case KindUpdate:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, errAt(path, errors.New("update takes {where, data}"))
		}
		sel, err := r.resolveSelector(model, m["where"], path+".where")
		if err != nil {
			return nil, err
		}
		data, ok := m["data"].(map[string]any)
		if !ok {
			return nil, errAt(path+".data", errors.New("update data must be an object"))
		}
		op, err := r.resolveUpdateData(model, data, path)
		if err != nil {
			return nil, err
		}
		op.Selector = sel
		return op, nil
	case KindUpsert:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, errAt(path, errors.New("upsert takes {where, create, update}"))
		}
		return r.resolveUpsert(model, m, path)
	case KindDelete:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, errAt(path, errors.New("delete takes {where}"))
		}
		sel, err := r.resolveSelector(model, m["where"], path+".where")
		if err != nil {
			return nil, err
		}
		return &Operation{Kind: KindDelete, Model: model, Selector: sel}, nil
	case KindCreateMany:
		return r.resolveCreateMany(model, value, path)
	case KindUpdateMany:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, errAt(path, errors.New("updateMany takes {where, data}"))
		}
		filter, err := r.resolveFilter(model, m["where"], path+".where")
		if err != nil {
			return nil, err
		}
		data, err := r.resolveScalarData(model, m["data"], path+".data")
		if err != nil {
			return nil, err
		}
		return &Operation{Kind: KindUpdateMany, Model: model, Filter: filter, Data: data}, nil
	case KindDeleteMany:
		filter, err := r.resolveFilter(model, value, path+".where")
		if err != nil {
			return nil, err
		}
		return &Operation{Kind: KindDeleteMany, Model: model, Filter: filter}, nil
	default:
		return nil, errAt(path, errors.New("operation not allowed at the root"))
	}
}

// resolveCreate splits create data into scalar values and nested relation
// operations.
func (r *resolver) resolveCreate(model string, data map[string]any, path string) (*Operation, error) {
	op := &Operation{Kind: KindCreate, Model: model, Data: map[string]any{}}
	if err := r.splitData(op, model, data, path); err != nil {
		return nil, err
	}
	return op, nil
}

// resolveUpdateData is resolveCreate for update payloads; the caller
// attaches the selector.
func (r *resolver) resolveUpdateData(model string, data map[string]any, path string) (*Operation, error) {
	op := &Operation{Kind: KindUpdate, Model: model, Data: map[string]any{}}
	if err := r.splitData(op, model, data, path); err != nil {
		return nil, err
	}
	return op, nil
}

func (r *resolver) splitData(op *Operation, model string, data map[string]any, path string) error {
	m, err := r.cat.Model(model)
	if err != nil {
		return errAt(path, err)
	}
	relFields := make(map[string]any)
	for name, value := range data {
		if _, ok := m.Field(name); ok {
			op.Data[name] = value
			continue
		}
		if _, err := r.cat.RelationForField(model, name); err == nil {
			relFields[name] = value
			continue
		}
		return errAt(path+"."+name, errors.New("field not declared on model"))
	}
	// Catalog order keeps traversal deterministic across runs.
	for _, field := range r.cat.RelationFields(model) {
		value, ok := relFields[field]
		if !ok {
			continue
		}
		nested, err := r.resolveNestedField(model, field, value, path+"."+field)
		if err != nil {
			return err
		}
		if op.Kind == KindCreate {
			// A record being created has no current links, so only
			// link-establishing operations make sense beneath it.
			for _, child := range nested.Ops {
				switch child.Kind {
				case KindCreate, KindCreateMany, KindConnect, KindConnectOrCreate:
				default:
					return errAt(path+"."+field+"."+child.Kind.String(), errors.New("operation not allowed within create"))
				}
			}
		}
		op.Nested = append(op.Nested, nested)
	}
	return nil
}

func (r *resolver) resolveUpsert(model string, m map[string]any, path string) (*Operation, error) {
	sel, err := r.resolveSelector(model, m["where"], path+".where")
	if err != nil {
		return nil, err
	}
	createRaw, ok := m["create"].(map[string]any)
	if !ok {
		return nil, errAt(path+".create", errors.New("upsert requires a create branch"))
	}
	updateRaw, ok := m["update"].(map[string]any)
	if !ok {
		return nil, errAt(path+".update", errors.New("upsert requires an update branch"))
	}
	create, err := r.resolveCreate(model, createRaw, path+".create")
	if err != nil {
		return nil, err
	}
	update, err := r.resolveUpdateData(model, updateRaw, path+".update")
	if err != nil {
		return nil, err
	}
	update.Selector = sel
	return &Operation{Kind: KindUpsert, Model: model, Selector: sel, Create: create, Update: update}, nil
}

func (r *resolver) resolveCreateMany(model string, value any, path string) (*Operation, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, errAt(path, errors.New("createMany takes {data: [...]}"))
	}
	list, ok := m["data"].([]any)
	if !ok {
		return nil, errAt(path+".data", errors.New("createMany data must be a list"))
	}
	op := &Operation{Kind: KindCreateMany, Model: model}
	for i, raw := range list {
		row, ok := raw.(map[string]any)
		if !ok {
			return nil, errAt(fmt.Sprintf("%s.data[%d]", path, i), errors.New("createMany rows must be objects"))
		}
		data, err := r.resolveScalarData(model, row, fmt.Sprintf("%s.data[%d]", path, i))
		if err != nil {
			return nil, err
		}
		op.Rows = append(op.Rows, data)
	}
	return op, nil
}

// resolveScalarData validates a data object containing scalar fields only.
// Nested relation operations are rejected, as batch operations cannot
// carry them.
func (r *resolver) resolveScalarData(model string, value any, path string) (map[string]any, error) {
	data, ok := value.(map[string]any)
	if !ok {
		return nil, errAt(path, errors.New("data must be an object"))
	}
	m, err := r.cat.Model(model)
	if err != nil {
		return nil, errAt(path, err)
	}
	out := make(map[string]any, len(data))
	for name, v := range data {
		if _, ok := m.Field(name); !ok {
			if _, err := r.cat.RelationForField(model, name); err == nil {
				return nil, errAt(path+"."+name, errors.New("nested operations are not allowed here"))
			}
			return nil, errAt(path+"."+name, errors.New("field not declared on model"))
		}
		out[name] = v
	}
	return out, nil
}

// resolveFilter validates an equality filter over scalar fields. A nil or
// empty filter is valid and matches everything in scope.
func (r *resolver) resolveFilter(model string, value any, path string) (map[string]any, error) {
	if value == nil {
		return map[string]any{}, nil
	}
	filter, ok := value.(map[string]any)
	if !ok {
		return nil, errAt(path, errors.New("filter must be an object"))
	}
	m, err := r.cat.Model(model)
	if err != nil {
		return nil, errAt(path, err)
	}
	out := make(map[string]any, len(filter))
	for name, v := range filter {
		if _, ok := m.Field(name); !ok {
			return nil, errAt(path+"."+name, errors.New("field not declared on model"))
		}
		out[name] = v
	}
	return out, nil
}

// resolveSelector validates a unique record selector: non-empty, scalar
// fields only, matching the primary key or a declared unique set.
func (r *resolver) resolveSelector(model string, value any, path string) (catalog.Selector, error) {
	raw, ok := value.(map[string]any)
	if !ok {
		return nil, errAt(path, errors.New("selector must be an object"))
	}
	if len(raw) == 0 {
		return nil, errAt(path, errors.New("selector must not be empty"))
	}
	sel := catalog.Selector(raw)
	if !r.cat.ValidSelector(model, sel.Fields()) {
		return nil, errAt(path, fmt.Errorf("fields %v do not form a unique selector for %s", sel.Fields(), model))
	}
	return sel, nil
}

// resolveSelectorList accepts a single selector object or a list of them.
func (r *resolver) resolveSelectorList(model string, value any, path string) ([]catalog.Selector, error) {
	var raws []any
	switch v := value.(type) {
	case []any:
		raws = v
	case map[string]any:
		raws = []any{v}
	default:
		return nil, errAt(path, errors.New("expected a selector or a list of selectors"))
	}
	sels := make([]catalog.Selector, 0, len(raws))
	for i, raw := range raws {
		sel, err := r.resolveSelector(model, raw, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		sels = append(sels, sel)
	}
	return sels, nil
}

// resolveNestedField resolves all operations requested under one relation
// field, in canonical execution order.
func (r *resolver) resolveNestedField(model, field string, value any, path string) (Nested, error) {
	rs, err := r.cat.RelationForField(model, field)
	if err != nil {
		return Nested{}, errAt(path, err)
	}
	ops, ok := value.(map[string]any)
	if !ok {
		return Nested{}, errAt(path, errors.New("relation field takes an object of nested operations"))
	}
	nested := Nested{Field: field, Rel: rs}
	far := rs.Rel.Model(rs.Side.Other())
	toMany := rs.Rel.ToMany(rs.Side)

	seen := 0
	for _, key := range nestedOrder {
		raw, ok := ops[key]
		if !ok {
			continue
		}
		seen++
		resolved, err := r.resolveNestedOp(key, rs, far, toMany, raw, path+"."+key)
		if err != nil {
			return Nested{}, err
		}
		nested.Ops = append(nested.Ops, resolved...)
	}
	if seen != len(ops) {
		for key := range ops {
			known := false
			for _, k := range nestedOrder {
				if k == key {
					known = true
					break
				}
			}
			if !known {
				return Nested{}, errAt(path+"."+key, errors.New("unknown nested operation"))
			}
		}
	}
	return nested, nil
}

func (r *resolver) resolveNestedOp(key string, rs catalog.RelSide, far string, toMany bool, raw any, path string) ([]*Operation, error) {
	switch key {
	case "create":
		return r.resolveNestedCreate(far, toMany, raw, path)
	case "createMany":
		if !toMany {
			return nil, errAt(path, errors.New("createMany is only defined on to-many relation sides"))
		}
		op, err := r.resolveCreateMany(far, raw, path)
		if err != nil {
			return nil, err
		}
		return []*Operation{op}, nil
	case "connect":
		sels, err := r.resolveSelectorList(far, raw, path)
		if err != nil {
			return nil, err
		}
		if !toMany && len(sels) > 1 {
			return nil, errAt(path, errors.New("cannot connect more than one record on a to-one relation side"))
		}
		return []*Operation{{Kind: KindConnect, Model: far, Selectors: sels}}, nil
	case "connectOrCreate":
		return r.resolveConnectOrCreate(far, toMany, raw, path)
	case "set":
		if !toMany {
			return nil, errAt(path, errors.New("set is only defined on to-many relation sides"))
		}
		if raw == nil {
			raw = []any{}
		}
		if list, ok := raw.([]any); ok && len(list) == 0 {
			return []*Operation{{Kind: KindSet, Model: far, Selectors: []catalog.Selector{}}}, nil
		}
		sels, err := r.resolveSelectorList(far, raw, path)
		if err != nil {
			return nil, err
		}
		return []*Operation{{Kind: KindSet, Model: far, Selectors: sels}}, nil
	case "disconnect":
		return r.resolveNestedDisconnect(rs, far, toMany, raw, path)
	case "delete":
		return r.resolveNestedDelete(rs, far, toMany, raw, path)
	case "update":
		return r.resolveNestedUpdate(far, toMany, raw, path)
	case "upsert":
		return r.resolveNestedUpsert(far, toMany, raw, path)
	case "updateMany":
		if !toMany {
			return nil, errAt(path, errors.New("updateMany is only defined on to-many relation sides"))
		}
		return r.eachObject(raw, path, func(m map[string]any, p string) (*Operation, error) {
			filter, err := r.resolveFilter(far, m["where"], p+".where")
			if err != nil {
				return nil, err
			}
			data, err := r.resolveScalarData(far, m["data"], p+".data")
			if err != nil {
				return nil, err
			}
			return &Operation{Kind: KindUpdateMany, Model: far, Filter: filter, Data: data}, nil
		})
	case "deleteMany":
		if !toMany {
			return nil, errAt(path, errors.New("deleteMany is only defined on to-many relation sides"))
		}
		return r.eachObject(raw, path, func(m map[string]any, p string) (*Operation, error) {
			filter, err := r.resolveFilter(far, m, p)
			if err != nil {
				return nil, err
			}
			return &Operation{Kind: KindDeleteMany, Model: far, Filter: filter}, nil
		})
	default:
		return nil, errAt(path, errors.New("unknown nested operation"))
	}
}

func (r *resolver) resolveNestedCreate(far string, toMany bool, raw any, path string) ([]*Operation, error) {
	var objs []any
	switch v := raw.(type) {
	case []any:
		if !toMany {
			return nil, errAt(path, errors.New("cannot create more than one record on a to-one relation side"))
		}
		objs = v
	case map[string]any:
		objs = []any{v}
	default:
		return nil, errAt(path, errors.New("create takes an object or a list of objects"))
	}
	ops := make([]*Operation, 0, len(objs))
	for i, obj := range objs {
		data, ok := obj.(map[string]any)
		if !ok {
			return nil, errAt(fmt.Sprintf("%s[%d]", path, i), errors.New("create takes an object"))
		}
		op, err := r.resolveCreate(far, data, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (r *resolver) resolveConnectOrCreate(far string, toMany bool, raw any, path string) ([]*Operation, error) {
	return r.eachObjectLimited(raw, toMany, path, func(m map[string]any, p string) (*Operation, error) {
		sel, err := r.resolveSelector(far, m["where"], p+".where")
		if err != nil {
			return nil, err
		}
		createRaw, ok := m["create"].(map[string]any)
		if !ok {
			return nil, errAt(p+".create", errors.New("connectOrCreate requires a create branch"))
		}
		create, err := r.resolveCreate(far, createRaw, p+".create")
		if err != nil {
			return nil, err
		}
		return &Operation{Kind: KindConnectOrCreate, Model: far, Selector: sel, Create: create}, nil
	})
}

func (r *resolver) resolveNestedDisconnect(rs catalog.RelSide, far string, toMany bool, raw any, path string) ([]*Operation, error) {
	rel := rs.Rel
	if rel.Cardinality == catalog.OneToOne && rel.RequiredA && rel.RequiredB {
		return nil, errAt(path, fmt.Errorf("relation %q is required on both sides and cannot be disconnected", rel.Name))
	}
	if all, ok := raw.(bool); ok {
		if !all {
			return nil, errAt(path, errors.New("disconnect: false has no effect"))
		}
		if toMany {
			return nil, errAt(path, errors.New("disconnect: true is only defined on to-one relation sides"))
		}
		return []*Operation{{Kind: KindDisconnect, Model: far, DisconnectAll: true}}, nil
	}
	sels, err := r.resolveSelectorList(far, raw, path)
	if err != nil {
		return nil, err
	}
	if !toMany && len(sels) > 1 {
		return nil, errAt(path, errors.New("cannot disconnect more than one record on a to-one relation side"))
	}
	return []*Operation{{Kind: KindDisconnect, Model: far, Selectors: sels}}, nil
}

func (r *resolver) resolveNestedDelete(rs catalog.RelSide, far string, toMany bool, raw any, path string) ([]*Operation, error) {
	rel := rs.Rel
	if rel.Cardinality == catalog.OneToOne && rel.Required(rs.Side) {
		// Deleting the child leaves the parent's required side empty.
		return nil, errAt(path, fmt.Errorf("relation %q is required and its record cannot be deleted through it", rel.Name))
	}
	if all, ok := raw.(bool); ok {
		if !all {
			return nil, errAt(path, errors.New("delete: false has no effect"))
		}
		if toMany {
			return nil, errAt(path, errors.New("delete: true is only defined on to-one relation sides"))
		}
		return []*Operation{{Kind: KindDelete, Model: far, DisconnectAll: true}}, nil
	}
	sels, err := r.resolveSelectorList(far, raw, path)
	if err != nil {
		return nil, err
	}
	if !toMany && len(sels) > 1 {
		return nil, errAt(path, errors.New("cannot delete more than one record on a to-one relation side"))
	}
	return []*Operation{{Kind: KindDelete, Model: far, Selectors: sels}}, nil
}

func (r *resolver) resolveNestedUpdate(far string, toMany bool, raw any, path string) ([]*Operation, error) {
	if !toMany {
		data, ok := raw.(map[string]any)
		if !ok {
			return nil, errAt(path, errors.New("update takes an object"))
		}
		// To-one nested update addresses the currently linked record, so
		// the data object is taken directly, without a selector.
		if inner, ok := data["data"].(map[string]any); ok && len(data) <= 2 {
			op, err := r.resolveUpdateData(far, inner, path)
			if err != nil {
				return nil, err
			}
			if whereRaw, ok := data["where"]; ok {
				sel, err := r.resolveSelector(far, whereRaw, path+".where")
				if err != nil {
					return nil, err
				}
				op.Selector = sel
			}
			return []*Operation{op}, nil
		}
		op, err := r.resolveUpdateData(far, data, path)
		if err != nil {
			return nil, err
		}
		return []*Operation{op}, nil
	}
	return r.eachObject(raw, path, func(m map[string]any, p string) (*Operation, error) {
		sel, err := r.resolveSelector(far, m["where"], p+".where")
		if err != nil {
			return nil, err
		}
		data, ok := m["data"].(map[string]any)
		if !ok {
			return nil, errAt(p+".data", errors.New("update data must be an object"))
		}
		op, err := r.resolveUpdateData(far, data, p)
		if err != nil {
			return nil, err
		}
		op.Selector = sel
		return op, nil
	})
}

func (r *resolver) resolveNestedUpsert(far string, toMany bool, raw any, path string) ([]*Operation, error) {
	return r.eachObjectLimited(raw, toMany, path, func(m map[string]any, p string) (*Operation, error) {
		if !toMany {
			// To-one upsert addresses the currently linked record; a
			// selector is accepted but optional.
			createRaw, ok := m["create"].(map[string]any)
			if !ok {
				return nil, errAt(p+".create", errors.New("upsert requires a create branch"))
			}
			updateRaw, ok := m["update"].(map[string]any)
			if !ok {
				return nil, errAt(p+".update", errors.New("upsert requires an update branch"))
			}
			create, err := r.resolveCreate(far, createRaw, p+".create")
			if err != nil {
				return nil, err
			}
			update, err := r.resolveUpdateData(far, updateRaw, p+".update")
			if err != nil {
				return nil, err
			}
			return &Operation{Kind: KindUpsert, Model: far, Create: create, Update: update}, nil
		}
		return r.resolveUpsert(far, m, p)
	})
}

// eachObject resolves raw as one object or a list of objects.
func (r *resolver) eachObject(raw any, path string, f func(map[string]any, string) (*Operation, error)) ([]*Operation, error) {
	return r.eachObjectLimited(raw, true, path, f)
}

func (r *resolver) eachObjectLimited(raw any, allowMany bool, path string, f func(map[string]any, string) (*Operation, error)) ([]*Operation, error) {
	var objs []any
	switch v := raw.(type) {
	case []any:
		if !allowMany && len(v) > 1 {
			return nil, errAt(path, errors.New("a to-one relation side takes a single object"))
		}
		objs = v
	case map[string]any:
		objs = []any{v}
	default:
		return nil, errAt(path, errors.New("expected an object or a list of objects"))
	}
	ops := make([]*Operation, 0, len(objs))
	for i, obj := range objs {
		m, ok := obj.(map[string]any)
		if !ok {
			return nil, errAt(fmt.Sprintf("%s[%d]", path, i), errors.New("expected an object"))
		}
		op, err := f(m, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
