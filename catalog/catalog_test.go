package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/nestwrite/catalog"
)

func userModel() *catalog.Model {
	return &catalog.Model{
		Name: "User",
		Fields: []catalog.Field{
			{Name: "id", Generated: true},
			{Name: "email"},
			{Name: "displayName"},
		},
		PrimaryKey: []string{"id"},
		Uniques:    [][]string{{"email"}},
	}
}

func postModel() *catalog.Model {
	return &catalog.Model{
		Name: "Post",
		Fields: []catalog.Field{
			{Name: "id", Generated: true},
			{Name: "title"},
		},
		PrimaryKey: []string{"id"},
		Uniques:    [][]string{{"title"}},
	}
}

func TestNewAppliesStorageDefaults(t *testing.T) {
	t.Parallel()
	user := userModel()
	post := postModel()
	rel := &catalog.Relation{
		Name: "UserPosts", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnB,
		ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "author",
	}
	join := &catalog.Relation{
		Name: "PostLikes", Cardinality: catalog.ManyToMany, Linkage: catalog.JoinTable,
		ModelA: "Post", FieldA: "likedBy", ModelB: "User", FieldB: "likes",
	}
	_, err := catalog.New([]*catalog.Model{user, post}, []*catalog.Relation{rel, join})
	require.NoError(t, err)

	assert.Equal(t, "users", user.Table)
	assert.Equal(t, "display_name", user.Fields[2].Column)
	assert.Equal(t, "user_id", rel.ForeignKey, "key column named after the referenced model")
	assert.Equal(t, catalog.Restrict, rel.OnDelete)
	assert.Equal(t, "posts_users", join.JoinTable)
	assert.Equal(t, "post_id", join.JoinColumnA)
	assert.Equal(t, "user_id", join.JoinColumnB)
}

func TestNewKeepsExplicitNames(t *testing.T) {
	t.Parallel()
	user := userModel()
	user.Table = "accounts"
	user.Fields[1].Column = "mail"
	_, err := catalog.New([]*catalog.Model{user}, nil)
	require.NoError(t, err)
	assert.Equal(t, "accounts", user.Table)
	assert.Equal(t, "mail", user.Fields[1].Column)
}

func TestNewRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		models []*catalog.Model
		rels   []*catalog.Relation
	}{
		{
			"model without primary key",
			[]*catalog.Model{{Name: "User", Fields: []catalog.Field{{Name: "id"}}}},
			nil,
		},
		{
			"primary key field not declared",
			[]*catalog.Model{{Name: "User", Fields: []catalog.Field{{Name: "id"}}, PrimaryKey: []string{"uid"}}},
			nil,
		},
		{
			"unique field not declared",
			[]*catalog.Model{{
				Name: "User", Fields: []catalog.Field{{Name: "id"}},
				PrimaryKey: []string{"id"}, Uniques: [][]string{{"email"}},
			}},
			nil,
		},
		{
			"duplicate model",
			[]*catalog.Model{userModel(), userModel()},
			nil,
		},
		{
			"relation to unknown model",
			[]*catalog.Model{userModel()},
			[]*catalog.Relation{{
				Name: "R", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnB,
				ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "author",
			}},
		},
		{
			"one-to-many key on the one side",
			[]*catalog.Model{userModel(), postModel()},
			[]*catalog.Relation{{
				Name: "R", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnA,
				ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "author",
			}},
		},
		{
			"required to-many side",
			[]*catalog.Model{userModel(), postModel()},
			[]*catalog.Relation{{
				Name: "R", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnB, RequiredA: true,
				ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "author",
			}},
		},
		{
			"many-to-many without join table",
			[]*catalog.Model{userModel(), postModel()},
			[]*catalog.Relation{{
				Name: "R", Cardinality: catalog.ManyToMany, Linkage: catalog.ForeignKeyOnA,
				ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "likedBy",
			}},
		},
		{
			"one-to-one through a join table",
			[]*catalog.Model{userModel(), postModel()},
			[]*catalog.Relation{{
				Name: "R", Cardinality: catalog.OneToOne, Linkage: catalog.JoinTable,
				ModelA: "User", FieldA: "pinned", ModelB: "Post", FieldB: "pinnedBy",
			}},
		},
		{
			"relation field declared twice",
			[]*catalog.Model{userModel(), postModel()},
			[]*catalog.Relation{
				{
					Name: "R1", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnB,
					ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "author",
				},
				{
					Name: "R2", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnB,
					ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "editor",
				},
			},
		},
		{
			"self-relation with one field name",
			[]*catalog.Model{userModel()},
			[]*catalog.Relation{{
				Name: "Follows", Cardinality: catalog.ManyToMany, Linkage: catalog.JoinTable,
				ModelA: "User", FieldA: "follows", ModelB: "User", FieldB: "follows",
			}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := catalog.New(tc.models, tc.rels)
			assert.Error(t, err)
		})
	}
}

func TestSelfRelationJoinColumns(t *testing.T) {
	t.Parallel()
	rel := &catalog.Relation{
		Name: "Follows", Cardinality: catalog.ManyToMany, Linkage: catalog.JoinTable,
		ModelA: "User", FieldA: "follows", ModelB: "User", FieldB: "followers",
	}
	_, err := catalog.New([]*catalog.Model{userModel()}, []*catalog.Relation{rel})
	require.NoError(t, err)
	assert.Equal(t, "user_id_a", rel.JoinColumnA)
	assert.Equal(t, "user_id_b", rel.JoinColumnB)
}

func TestRelationSideAccessors(t *testing.T) {
	t.Parallel()
	rel := &catalog.Relation{
		Name: "UserPosts", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnB,
		RequiredB: true,
		ModelA:    "User", FieldA: "posts", ModelB: "Post", FieldB: "author",
	}
	assert.Equal(t, "User", rel.Model(catalog.SideA))
	assert.Equal(t, "Post", rel.Model(catalog.SideB))
	assert.Equal(t, "posts", rel.Field(catalog.SideA))
	assert.Equal(t, "author", rel.Field(catalog.SideB))
	assert.True(t, rel.ToMany(catalog.SideA))
	assert.False(t, rel.ToMany(catalog.SideB))
	assert.False(t, rel.Required(catalog.SideA))
	assert.True(t, rel.Required(catalog.SideB))
	assert.False(t, rel.OwnsForeignKey(catalog.SideA))
	assert.True(t, rel.OwnsForeignKey(catalog.SideB))
	assert.Equal(t, catalog.SideB, catalog.SideA.Other())
	assert.Equal(t, "A", catalog.SideA.String())
	assert.Equal(t, "B", catalog.SideB.String())
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		[]*catalog.Model{userModel(), postModel()},
		[]*catalog.Relation{
			{
				Name: "UserPosts", Cardinality: catalog.OneToMany, Linkage: catalog.ForeignKeyOnB,
				ModelA: "User", FieldA: "posts", ModelB: "Post", FieldB: "author",
			},
			{
				Name: "PostLikes", Cardinality: catalog.ManyToMany, Linkage: catalog.JoinTable,
				ModelA: "Post", FieldA: "likedBy", ModelB: "User", FieldB: "likes",
			},
		},
	)
	require.NoError(t, err)
	return cat
}

func TestLookups(t *testing.T) {
	t.Parallel()
	cat := newTestCatalog(t)

	m, err := cat.Model("User")
	require.NoError(t, err)
	assert.Equal(t, "User", m.Name)
	_, err = cat.Model("Ghost")
	assert.Error(t, err)

	r, err := cat.Relation("UserPosts")
	require.NoError(t, err)
	assert.Equal(t, catalog.OneToMany, r.Cardinality)
	_, err = cat.Relation("Ghost")
	assert.Error(t, err)

	rs, err := cat.RelationForField("Post", "author")
	require.NoError(t, err)
	assert.Equal(t, "UserPosts", rs.Rel.Name)
	assert.Equal(t, catalog.SideB, rs.Side)
	_, err = cat.RelationForField("Post", "ghost")
	assert.Error(t, err)

	policy, err := cat.CascadePolicy("UserPosts")
	require.NoError(t, err)
	assert.Equal(t, catalog.Restrict, policy)
}

func TestRelationFieldsOrdered(t *testing.T) {
	t.Parallel()
	cat := newTestCatalog(t)
	assert.Equal(t, []string{"likes", "posts"}, cat.RelationFields("User"))
	assert.Equal(t, []string{"author", "likedBy"}, cat.RelationFields("Post"))
}

func TestTouchingOrdered(t *testing.T) {
	t.Parallel()
	cat := newTestCatalog(t)

	sides := cat.Touching("User")
	require.Len(t, sides, 2)
	assert.Equal(t, "PostLikes", sides[0].Rel.Name)
	assert.Equal(t, catalog.SideB, sides[0].Side)
	assert.Equal(t, "UserPosts", sides[1].Rel.Name)
	assert.Equal(t, catalog.SideA, sides[1].Side)
}

func TestValidSelector(t *testing.T) {
	t.Parallel()
	cat := newTestCatalog(t)

	assert.True(t, cat.ValidSelector("User", []string{"id"}))
	assert.True(t, cat.ValidSelector("User", []string{"email"}))
	assert.False(t, cat.ValidSelector("User", []string{"displayName"}))
	assert.False(t, cat.ValidSelector("User", []string{"id", "email"}))
	assert.False(t, cat.ValidSelector("Ghost", []string{"id"}))

	sets, err := cat.UniqueSelectorFields("User")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id"}, {"email"}}, sets)
}

func TestSelectorFields(t *testing.T) {
	t.Parallel()
	sel := catalog.Selector{"b": 1, "a": 2, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, sel.Fields())
}
