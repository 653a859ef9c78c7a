// Package sql implements the connector interface on database/sql.
// Statements are composed with squirrel, columns come from the catalog's
// table and column mapping, and every link traversal compiles to plain
// SQL: a foreign-key comparison or a join-table subquery. Driver
// constraint violations are classified into ConstraintError regardless of
// backend.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"

	sq "github.com/Masterminds/squirrel"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
	"github.com/syssam/nestwrite/connector"
)

// Dialect selects placeholder style and the idempotent-insert form.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// Connector runs nested writes against a relational database.
type Connector struct {
	db      *sql.DB
	cat     *catalog.Catalog
	dialect Dialect
}

// Open wraps an existing database handle. The handle stays owned by the
// caller.
func Open(db *sql.DB, dialect Dialect, cat *catalog.Catalog) *Connector {
	return &Connector{db: db, cat: cat, dialect: dialect}
}

// BeginTx starts a database transaction.
func (c *Connector) BeginTx(ctx context.Context) (connector.Tx, error) {
	stx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nestwrite.NewTxError("begin", err)
	}
	return &tx{c: c, tx: stx}, nil
}

type tx struct {
	c  *Connector
	tx *sql.Tx
}

func (t *tx) Capabilities() connector.Capabilities {
	// database/sql transactions do not allow concurrent statements.
	return connector.Capabilities{ConcurrentStatements: false}
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if err == sql.ErrTxDone {
			return nestwrite.ErrTxDone
		}
		return nestwrite.NewTxError("commit", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if err == sql.ErrTxDone {
			return nestwrite.ErrTxDone
		}
		return &nestwrite.RollbackError{Err: err}
	}
	return nil
}

// builder returns a statement builder with the dialect's placeholders.
// Nested Sqlizers compose with question marks and are rewritten once at
// the outermost ToSql.
func (t *tx) builder() sq.StatementBuilderType {
	b := sq.StatementBuilder
	if t.c.dialect == Postgres {
		return b.PlaceholderFormat(sq.Dollar)
	}
	return b.PlaceholderFormat(sq.Question)
}

// pkColumn returns the table and primary key column of a model. Record
// ids are the primary key value rendered as a string.
func (t *tx) pkColumn(model string) (m *catalog.Model, table, pk string, err error) {
	m, err = t.c.cat.Model(model)
	if err != nil {
		return nil, "", "", err
	}
	if len(m.PrimaryKey) != 1 {
		return nil, "", "", fmt.Errorf("nestwrite: model %s needs a single-column primary key for sql storage", model)
	}
	f, ok := m.Field(m.PrimaryKey[0])
	if !ok {
		return nil, "", "", fmt.Errorf("nestwrite: model %s: primary key field %s not declared", model, m.PrimaryKey[0])
	}
	return m, m.Table, f.Column, nil
}

func (t *tx) column(m *catalog.Model, field string) (string, error) {
	if f, ok := m.Field(field); ok {
		return f.Column, nil
	}
	// Projected link fields address the foreign key column directly.
	return field, nil
}

// idArg converts a record id back into a bind value. Numeric keys travel
// as integers so strict drivers compare them natively.
func idArg(id nestwrite.ID) any {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return n
	}
	return string(id)
}

func idArgs(ids []nestwrite.ID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = idArg(id)
	}
	return out
}

func (t *tx) CreateRecord(ctx context.Context, model string, data map[string]any) (*connector.Record, error) {
	m, table, pk, err := t.pkColumn(model)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return t.createDefault(ctx, m, table, pk)
	}
	cols := make([]string, 0, len(data))
	vals := make([]any, 0, len(data))
	for _, field := range sortedFieldNames(data) {
		col, err := t.column(m, field)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
		vals = append(vals, bindValue(data[field]))
	}

	ins := t.builder().Insert(table).Columns(cols...).Values(vals...)
	if t.c.dialect == Postgres {
		query, args, err := ins.Suffix("RETURNING " + pk).ToSql()
		if err != nil {
			return nil, err
		}
		var id any
		if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return nil, classify(err)
		}
		return t.readRecord(ctx, m, table, pk, renderID(id))
	}

	query, args, err := ins.ToSql()
	if err != nil {
		return nil, err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	if v, ok := data[m.PrimaryKey[0]]; ok {
		return t.readRecord(ctx, m, table, pk, nestwrite.ID(fmt.Sprintf("%v", v)))
	}
	last, err := res.LastInsertId()
	if err != nil {
		return nil, nestwrite.NewTxError("create", err)
	}
	return t.readRecord(ctx, m, table, pk, nestwrite.ID(strconv.FormatInt(last, 10)))
}

// createDefault inserts a row of column defaults. Squirrel cannot render
// an INSERT without columns, and each backend spells the form
// differently.
func (t *tx) createDefault(ctx context.Context, m *catalog.Model, table, pk string) (*connector.Record, error) {
	if t.c.dialect == Postgres {
		var id any
		query := "INSERT INTO " + table + " DEFAULT VALUES RETURNING " + pk
		if err := t.tx.QueryRowContext(ctx, query).Scan(&id); err != nil {
			return nil, classify(err)
		}
		return t.readRecord(ctx, m, table, pk, renderID(id))
	}
	query := "INSERT INTO " + table + " DEFAULT VALUES"
	if t.c.dialect == MySQL {
		query = "INSERT INTO " + table + " () VALUES ()"
	}
	res, err := t.tx.ExecContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	last, err := res.LastInsertId()
	if err != nil {
		return nil, nestwrite.NewTxError("create", err)
	}
	return t.readRecord(ctx, m, table, pk, nestwrite.ID(strconv.FormatInt(last, 10)))
}

func (t *tx) UpdateRecord(ctx context.Context, model string, id nestwrite.ID, data map[string]any) (*connector.Record, error) {
	m, table, pk, err := t.pkColumn(model)
	if err != nil {
		return nil, err
	}
	// An update whose payload only carried nested relation operations
	// has nothing to set.
	if len(data) == 0 {
		return t.readRecord(ctx, m, table, pk, id)
	}
	upd := t.builder().Update(table).Where(sq.Eq{pk: idArg(id)})
	for _, field := range sortedFieldNames(data) {
		col, err := t.column(m, field)
		if err != nil {
			return nil, err
		}
		upd = upd.Set(col, bindValue(data[field]))
	}
	query, args, err := upd.ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return nil, classify(err)
	}
	return t.readRecord(ctx, m, table, pk, id)
}

func (t *tx) DeleteRecord(ctx context.Context, model string, id nestwrite.ID) error {
	_, table, pk, err := t.pkColumn(model)
	if err != nil {
		return err
	}
	query, args, err := t.builder().Delete(table).Where(sq.Eq{pk: idArg(id)}).ToSql()
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return classify(err)
	}
	return nil
}

func (t *tx) FindIDs(ctx context.Context, model string, f connector.Filter) ([]nestwrite.ID, error) {
	m, table, pk, err := t.pkColumn(model)
	if err != nil {
		return nil, err
	}
	sel := t.builder().Select(pk).From(table).OrderBy(pk)
	where, err := t.compileFilter(m, pk, f)
	if err != nil {
		return nil, err
	}
	if where != nil {
		sel = sel.Where(where)
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var ids []nestwrite.ID
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, renderID(id))
	}
	return ids, rows.Err()
}

// compileFilter translates a Filter into a squirrel predicate. Nil means
// unconstrained.
func (t *tx) compileFilter(m *catalog.Model, pk string, f connector.Filter) (sq.Sqlizer, error) {
	var parts []sq.Sqlizer
	if len(f.Equals) > 0 {
		eq := sq.Eq{}
		for _, field := range sortedFieldNames(f.Equals) {
			col, err := t.column(m, field)
			if err != nil {
				return nil, err
			}
			eq[col] = bindValue(f.Equals[field])
		}
		parts = append(parts, eq)
	}
	if f.AnyOf != nil {
		if len(f.AnyOf) == 0 {
			parts = append(parts, sq.Expr("1 = 0"))
		} else {
			or := sq.Or{}
			for _, sel := range f.AnyOf {
				eq := sq.Eq{}
				for _, field := range sel.Fields() {
					col, err := t.column(m, field)
					if err != nil {
						return nil, err
					}
					eq[col] = bindValue(sel[field])
				}
				or = append(or, eq)
			}
			parts = append(parts, or)
		}
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			parts = append(parts, sq.Expr("1 = 0"))
		} else {
			parts = append(parts, sq.Eq{pk: idArgs(f.IDs)})
		}
	}
	if f.LinkedTo != nil {
		pred, err := t.compileLinkScope(m, pk, f.LinkedTo)
		if err != nil {
			return nil, err
		}
		parts = append(parts, pred)
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return sq.And(parts), nil
	}
}

// compileLinkScope scopes to records linked to any of the parents,
// through the foreign key on either side or the join table.
func (t *tx) compileLinkScope(m *catalog.Model, pk string, scope *connector.LinkScope) (sq.Sqlizer, error) {
	rel := scope.Relation
	if len(scope.ParentIDs) == 0 {
		return sq.Expr("1 = 0"), nil
	}
	parents := idArgs(scope.ParentIDs)
	recSide := scope.Side.Other()

	switch {
	case rel.Linkage == catalog.JoinTable:
		recCol, parentCol := rel.JoinColumnB, rel.JoinColumnA
		if recSide == catalog.SideA {
			recCol, parentCol = rel.JoinColumnA, rel.JoinColumnB
		}
		sub := sq.Select(recCol).From(rel.JoinTable).Where(sq.Eq{parentCol: parents})
		return sq.Expr(pk+" IN (?)", sub), nil

	case rel.OwnsForeignKey(recSide):
		// The scoped record carries the key pointing at its parent.
		return sq.Eq{rel.ForeignKey: parents}, nil

	default:
		// The parent carries the key; collect the ids it points at.
		parentModel, err := t.c.cat.Model(rel.Model(scope.Side))
		if err != nil {
			return nil, err
		}
		parentPK, ok := parentModel.Field(parentModel.PrimaryKey[0])
		if !ok {
			return nil, fmt.Errorf("nestwrite: model %s: primary key field not declared", parentModel.Name)
		}
		sub := sq.Select(rel.ForeignKey).From(parentModel.Table).
			Where(sq.Eq{parentPK.Column: parents}).
			Where(rel.ForeignKey + " IS NOT NULL")
		return sq.Expr(pk+" IN (?)", sub), nil
	}
}

func (t *tx) Link(ctx context.Context, rel *catalog.Relation, aID, bID nestwrite.ID) error {
	if rel.Linkage == catalog.JoinTable {
		ins := t.builder().Insert(rel.JoinTable).
			Columns(rel.JoinColumnA, rel.JoinColumnB).
			Values(idArg(aID), idArg(bID))
		// Relinking an existing pair must stay a no-op.
		switch t.c.dialect {
		case MySQL:
			ins = ins.Options("IGNORE")
		default:
			ins = ins.Suffix("ON CONFLICT DO NOTHING")
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx, query, args...)
		return classify(err)
	}

	owner, ownerID, target := t.fkSides(rel, aID, bID)
	_, table, pk, err := t.pkColumn(owner)
	if err != nil {
		return err
	}
	query, args, err := t.builder().Update(table).
		Set(rel.ForeignKey, idArg(target)).
		Where(sq.Eq{pk: idArg(ownerID)}).ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query, args...)
	return classify(err)
}

func (t *tx) Unlink(ctx context.Context, rel *catalog.Relation, aID, bID nestwrite.ID) error {
	if rel.Linkage == catalog.JoinTable {
		query, args, err := t.builder().Delete(rel.JoinTable).
			Where(sq.Eq{rel.JoinColumnA: idArg(aID), rel.JoinColumnB: idArg(bID)}).ToSql()
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx, query, args...)
		return classify(err)
	}

	owner, ownerID, target := t.fkSides(rel, aID, bID)
	_, table, pk, err := t.pkColumn(owner)
	if err != nil {
		return err
	}
	query, args, err := t.builder().Update(table).
		Set(rel.ForeignKey, nil).
		Where(sq.Eq{pk: idArg(ownerID), rel.ForeignKey: idArg(target)}).ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query, args...)
	return classify(err)
}

// fkSides resolves which record owns the foreign key and which id it
// points at.
func (t *tx) fkSides(rel *catalog.Relation, aID, bID nestwrite.ID) (ownerModel string, ownerID, target nestwrite.ID) {
	if rel.OwnsForeignKey(catalog.SideA) {
		return rel.ModelA, aID, bID
	}
	return rel.ModelB, bID, aID
}

func (t *tx) UpdateMany(ctx context.Context, model string, f connector.Filter, data map[string]any) (int64, error) {
	m, table, pk, err := t.pkColumn(model)
	if err != nil {
		return 0, err
	}
	// No columns to set: report how many records the filter matches
	// without rendering an UPDATE.
	if len(data) == 0 {
		ids, err := t.FindIDs(ctx, model, f)
		if err != nil {
			return 0, err
		}
		return int64(len(ids)), nil
	}
	upd := t.builder().Update(table)
	for _, field := range sortedFieldNames(data) {
		col, err := t.column(m, field)
		if err != nil {
			return 0, err
		}
		upd = upd.Set(col, bindValue(data[field]))
	}
	where, err := t.compileFilter(m, pk, f)
	if err != nil {
		return 0, err
	}
	if where != nil {
		upd = upd.Where(where)
	}
	query, args, err := upd.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (t *tx) DeleteMany(ctx context.Context, model string, f connector.Filter) (int64, error) {
	m, table, pk, err := t.pkColumn(model)
	if err != nil {
		return 0, err
	}
	del := t.builder().Delete(table)
	where, err := t.compileFilter(m, pk, f)
	if err != nil {
		return 0, err
	}
	if where != nil {
		del = del.Where(where)
	}
	query, args, err := del.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// readRecord loads one row by primary key into a Record keyed by field
// names.
func (t *tx) readRecord(ctx context.Context, m *catalog.Model, table, pk string, id nestwrite.ID) (*connector.Record, error) {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = f.Column
	}
	query, args, err := t.builder().Select(cols...).From(table).Where(sq.Eq{pk: idArg(id)}).ToSql()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, &nestwrite.NotFoundError{Model: m.Name, Expected: 1, Found: 0}
		}
		return nil, classify(err)
	}
	fields := make(map[string]any, len(m.Fields))
	for i, f := range m.Fields {
		fields[f.Name] = scanValue(vals[i])
	}
	return &connector.Record{ID: id, Fields: fields}, nil
}

// bindValue flattens engine ids into driver-friendly bind values.
func bindValue(v any) any {
	if id, ok := v.(nestwrite.ID); ok {
		return idArg(id)
	}
	return v
}

// scanValue normalizes driver output: byte slices become strings.
func scanValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// renderID renders a scanned primary key value as a record id.
func renderID(v any) nestwrite.ID {
	return nestwrite.ID(fmt.Sprintf("%v", scanValue(v)))
}

func sortedFieldNames(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// deterministic statement text for tests and logs
	sort.Strings(keys)
	return keys
}
