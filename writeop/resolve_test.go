package writeop_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/nestwrite"
	"github.com/syssam/nestwrite/catalog"
	"github.com/syssam/nestwrite/writeop"
)

func resolveCatalog(t *testing.T, mutate func(rels map[string]*catalog.Relation)) *catalog.Catalog {
	t.Helper()
	rels := map[string]*catalog.Relation{
		"UserProfile": {
			Name: "UserProfile", Cardinality: catalog.OneToOne, Linkage: catalog.ForeignKeyOnB,
			ModelA: "User", FieldA: "profile", ModelB: "Profile", FieldB: "user",
		},
		"UserPosts": {
			Name: "UserPosts", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnB,
			ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "author",
		},
	}
	if mutate != nil {
		mutate(rels)
	}
	cat, err := catalog.New(
		[]*catalog.Model{
			{
				Name: "User",
				Fields: []catalog.Field{
					{Name: "id", Generated: true},
					{Name: "email"},
					{Name: "name"},
				},
				PrimaryKey: []string{"id"},
				Uniques:    [][]string{{"email"}},
			},
			{
				Name: "Profile",
				Fields: []catalog.Field{
					{Name: "id", Generated: true},
					{Name: "handle"},
				},
				PrimaryKey: []string{"id"},
				Uniques:    [][]string{{"handle"}},
			},
			{
				Name: "Post",
				Fields: []catalog.Field{
					{Name: "id", Generated: true},
					{Name: "title"},
					{Name: "status"},
				},
				PrimaryKey: []string{"id"},
				Uniques:    [][]string{{"title"}},
			},
		},
		[]*catalog.Relation{rels["UserProfile"], rels["UserPosts"]},
	)
	require.NoError(t, err)
	return cat
}

func TestResolveRootShapes(t *testing.T) {
	t.Parallel()
	cat := resolveCatalog(t, nil)

	t.Run("create", func(t *testing.T) {
		t.Parallel()
		op, err := writeop.Resolve(cat, "User", map[string]any{
			"create": map[string]any{"email": "a@example.com", "name": "Ada"},
		})
		require.NoError(t, err)
		assert.Equal(t, writeop.KindCreate, op.Kind)
		assert.Equal(t, "User", op.Model)
		assert.Equal(t, map[string]any{"email": "a@example.com", "name": "Ada"}, op.Data)
	})

	t.Run("update", func(t *testing.T) {
		t.Parallel()
		op, err := writeop.Resolve(cat, "User", map[string]any{
			"update": map[string]any{
				"where": map[string]any{"email": "a@example.com"},
				"data":  map[string]any{"name": "Ada"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, writeop.KindUpdate, op.Kind)
		assert.Equal(t, catalog.Selector{"email": "a@example.com"}, op.Selector)
		assert.Equal(t, map[string]any{"name": "Ada"}, op.Data)
	})

	t.Run("deleteMany takes the filter directly", func(t *testing.T) {
		t.Parallel()
		op, err := writeop.Resolve(cat, "Post", map[string]any{
			"deleteMany": map[string]any{"status": "draft"},
		})
		require.NoError(t, err)
		assert.Equal(t, writeop.KindDeleteMany, op.Kind)
		assert.Equal(t, map[string]any{"status": "draft"}, op.Filter)
	})

	t.Run("createMany", func(t *testing.T) {
		t.Parallel()
		op, err := writeop.Resolve(cat, "Post", map[string]any{
			"createMany": map[string]any{"data": []any{
				map[string]any{"title": "a"},
				map[string]any{"title": "b"},
			}},
		})
		require.NoError(t, err)
		require.Len(t, op.Rows, 2)
		assert.Equal(t, "a", op.Rows[0]["title"])
	})

	t.Run("upsert", func(t *testing.T) {
		t.Parallel()
		op, err := writeop.Resolve(cat, "User", map[string]any{
			"upsert": map[string]any{
				"where":  map[string]any{"email": "a@example.com"},
				"create": map[string]any{"email": "a@example.com"},
				"update": map[string]any{"name": "Ada"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, writeop.KindUpsert, op.Kind)
		require.NotNil(t, op.Create)
		require.NotNil(t, op.Update)
	})
}

func TestResolveRejections(t *testing.T) {
	t.Parallel()
	cat := resolveCatalog(t, nil)

	cases := []struct {
		name    string
		model   string
		payload map[string]any
	}{
		{
			"empty payload",
			"User",
			map[string]any{},
		},
		{
			"two root keys",
			"User",
			map[string]any{
				"create": map[string]any{"email": "a@example.com"},
				"update": map[string]any{"where": map[string]any{"email": "a@example.com"}, "data": map[string]any{}},
			},
		},
		{
			"unknown root key",
			"User",
			map[string]any{"destroy": map[string]any{}},
		},
		{
			"unknown scalar field",
			"User",
			map[string]any{"create": map[string]any{"nope": 1}},
		},
		{
			"unknown nested operation",
			"User",
			map[string]any{"create": map[string]any{
				"email":   "a@example.com",
				"profile": map[string]any{"merge": map[string]any{}},
			}},
		},
		{
			"non-unique selector",
			"User",
			map[string]any{"update": map[string]any{
				"where": map[string]any{"name": "Ada"},
				"data":  map[string]any{},
			}},
		},
		{
			"set on a to-one side",
			"User",
			map[string]any{"update": map[string]any{
				"where": map[string]any{"email": "a@example.com"},
				"data": map[string]any{
					"profile": map[string]any{"set": []any{map[string]any{"handle": "h"}}},
				},
			}},
		},
		{
			"connect list on a to-one side",
			"User",
			map[string]any{"update": map[string]any{
				"where": map[string]any{"email": "a@example.com"},
				"data": map[string]any{
					"profile": map[string]any{"connect": []any{
						map[string]any{"handle": "h1"},
						map[string]any{"handle": "h2"},
					}},
				},
			}},
		},
		{
			"disconnect true on a to-many side",
			"User",
			map[string]any{"update": map[string]any{
				"where": map[string]any{"email": "a@example.com"},
				"data": map[string]any{
					"posts": map[string]any{"disconnect": true},
				},
			}},
		},
		{
			"updateMany on a to-one side",
			"User",
			map[string]any{"update": map[string]any{
				"where": map[string]any{"email": "a@example.com"},
				"data": map[string]any{
					"profile": map[string]any{"updateMany": map[string]any{"where": map[string]any{}, "data": map[string]any{}}},
				},
			}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := writeop.Resolve(cat, tc.model, tc.payload)
			require.Error(t, err)
			assert.True(t, nestwrite.IsValidationError(err))
		})
	}
}

func TestResolveNestedUnderCreate(t *testing.T) {
	t.Parallel()
	cat := resolveCatalog(t, nil)

	// a record being created has no current links, so only
	// link-establishing operations are allowed beneath it
	for _, bad := range []map[string]any{
		{"disconnect": true},
		{"delete": true},
		{"update": map[string]any{"handle": "h"}},
		{"upsert": map[string]any{"create": map[string]any{"handle": "h"}, "update": map[string]any{}}},
	} {
		_, err := writeop.Resolve(cat, "User", map[string]any{
			"create": map[string]any{"email": "a@example.com", "profile": bad},
		})
		require.Error(t, err)
		assert.True(t, nestwrite.IsValidationError(err))
	}

	_, err := writeop.Resolve(cat, "User", map[string]any{
		"create": map[string]any{
			"email":   "a@example.com",
			"profile": map[string]any{"connect": map[string]any{"handle": "h"}},
		},
	})
	require.NoError(t, err)
}

func TestResolveCanonicalOperationOrder(t *testing.T) {
	t.Parallel()
	cat := resolveCatalog(t, nil)

	// regardless of map iteration, detaching operations come first and
	// connect precedes update
	op, err := writeop.Resolve(cat, "User", map[string]any{
		"update": map[string]any{
			"where": map[string]any{"email": "a@example.com"},
			"data": map[string]any{
				"posts": map[string]any{
					"updateMany": map[string]any{"where": map[string]any{}, "data": map[string]any{"status": "x"}},
					"connect":    []any{map[string]any{"title": "t"}},
					"disconnect": []any{map[string]any{"title": "u"}},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, op.Nested, 1)
	kinds := make([]writeop.Kind, 0, len(op.Nested[0].Ops))
	for _, o := range op.Nested[0].Ops {
		kinds = append(kinds, o.Kind)
	}
	assert.Equal(t, []writeop.Kind{writeop.KindDisconnect, writeop.KindConnect, writeop.KindUpdateMany}, kinds)
}

func TestResolveSetEmptyList(t *testing.T) {
	t.Parallel()
	cat := resolveCatalog(t, nil)

	op, err := writeop.Resolve(cat, "User", map[string]any{
		"update": map[string]any{
			"where": map[string]any{"email": "a@example.com"},
			"data": map[string]any{
				"posts": map[string]any{"set": []any{}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, op.Nested, 1)
	require.Len(t, op.Nested[0].Ops, 1)
	set := op.Nested[0].Ops[0]
	assert.Equal(t, writeop.KindSet, set.Kind)
	require.NotNil(t, set.Selectors, "empty set keeps a non-nil selector list")
	assert.Empty(t, set.Selectors)
}

func TestResolveDisconnectBothSidesRequired(t *testing.T) {
	t.Parallel()
	cat := resolveCatalog(t, func(rels map[string]*catalog.Relation) {
		rels["UserProfile"].RequiredA = true
		rels["UserProfile"].RequiredB = true
	})

	_, err := writeop.Resolve(cat, "User", map[string]any{
		"update": map[string]any{
			"where": map[string]any{"email": "a@example.com"},
			"data": map[string]any{
				"profile": map[string]any{"disconnect": true},
			},
		},
	})
	require.Error(t, err)
	assert.True(t, nestwrite.IsValidationError(err))
}

func TestResolveErrorPathNamesLocation(t *testing.T) {
	t.Parallel()
	cat := resolveCatalog(t, nil)

	_, err := writeop.Resolve(cat, "User", map[string]any{
		"create": map[string]any{
			"email": "a@example.com",
			"posts": map[string]any{"create": map[string]any{"nope": 1}},
		},
	})
	require.Error(t, err)
	var verr *nestwrite.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "User.create.posts.create[0].nope", verr.Path)
}
