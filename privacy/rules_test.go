package privacy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/nestwrite/privacy"
	"github.com/syssam/nestwrite/writeop"
)

func viewerCtx(viewer *privacy.SimpleViewer) context.Context {
	return privacy.WithViewer(context.Background(), viewer)
}

func TestSimpleViewer(t *testing.T) {
	t.Parallel()

	viewer := &privacy.SimpleViewer{
		UserID:   "user-123",
		Roles:    []string{"admin", "user"},
		TenantID: "tenant-abc",
	}
	assert.Equal(t, "user-123", viewer.GetID())
	assert.Equal(t, []string{"admin", "user"}, viewer.GetRoles())
	assert.Equal(t, "tenant-abc", viewer.GetTenantID())
}

func TestViewerContext(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		ctx := viewerCtx(&privacy.SimpleViewer{UserID: "user-123"})
		retrieved := privacy.ViewerFromContext(ctx)
		require.NotNil(t, retrieved)
		assert.Equal(t, "user-123", retrieved.GetID())
	})

	t.Run("absent viewer", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, privacy.ViewerFromContext(context.Background()))
	})
}

func TestDenyIfNoViewer(t *testing.T) {
	t.Parallel()
	rule := privacy.DenyIfNoViewer()

	err := rule.EvalWrite(context.Background(), createOp("User"))
	assert.True(t, errors.Is(err, privacy.Deny))

	err = rule.EvalWrite(viewerCtx(&privacy.SimpleViewer{UserID: "u"}), createOp("User"))
	assert.True(t, errors.Is(err, privacy.Skip))
}

func TestHasRole(t *testing.T) {
	t.Parallel()
	rule := privacy.HasRole("admin")
	op := createOp("User")

	cases := []struct {
		name   string
		viewer *privacy.SimpleViewer
		want   error
	}{
		{"matching role", &privacy.SimpleViewer{Roles: []string{"admin"}}, privacy.Allow},
		{"other role", &privacy.SimpleViewer{Roles: []string{"editor"}}, privacy.Skip},
		{"no roles", &privacy.SimpleViewer{}, privacy.Skip},
		{"no viewer", nil, privacy.Skip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			if tc.viewer != nil {
				ctx = viewerCtx(tc.viewer)
			}
			assert.True(t, errors.Is(rule.EvalWrite(ctx, op), tc.want))
		})
	}
}

func TestHasAnyRole(t *testing.T) {
	t.Parallel()
	rule := privacy.HasAnyRole("admin", "moderator")
	op := createOp("User")

	err := rule.EvalWrite(viewerCtx(&privacy.SimpleViewer{Roles: []string{"user", "moderator"}}), op)
	assert.True(t, errors.Is(err, privacy.Allow))

	err = rule.EvalWrite(viewerCtx(&privacy.SimpleViewer{Roles: []string{"user"}}), op)
	assert.True(t, errors.Is(err, privacy.Skip))
}

func TestIsOwner(t *testing.T) {
	t.Parallel()
	rule := privacy.IsOwner("authorId")
	ctx := viewerCtx(&privacy.SimpleViewer{UserID: "user-7"})

	t.Run("matching owner allows", func(t *testing.T) {
		t.Parallel()
		op := &writeop.Operation{
			Kind: writeop.KindUpdate, Model: "Post",
			Data: map[string]any{"authorId": "user-7"},
		}
		assert.True(t, errors.Is(rule.EvalWrite(ctx, op), privacy.Allow))
	})

	t.Run("numeric id compares as text", func(t *testing.T) {
		t.Parallel()
		numCtx := viewerCtx(&privacy.SimpleViewer{UserID: "7"})
		op := &writeop.Operation{
			Kind: writeop.KindUpdate, Model: "Post",
			Data: map[string]any{"authorId": int64(7)},
		}
		assert.True(t, errors.Is(rule.EvalWrite(numCtx, op), privacy.Allow))
	})

	t.Run("other owner skips", func(t *testing.T) {
		t.Parallel()
		op := &writeop.Operation{
			Kind: writeop.KindUpdate, Model: "Post",
			Data: map[string]any{"authorId": "user-8"},
		}
		assert.True(t, errors.Is(rule.EvalWrite(ctx, op), privacy.Skip))
	})

	t.Run("missing field skips", func(t *testing.T) {
		t.Parallel()
		op := &writeop.Operation{Kind: writeop.KindDelete, Model: "Post"}
		assert.True(t, errors.Is(rule.EvalWrite(ctx, op), privacy.Skip))
	})
}

func TestTenantRule(t *testing.T) {
	t.Parallel()
	rule := privacy.TenantRule("tenantId")
	ctx := viewerCtx(&privacy.SimpleViewer{UserID: "u", TenantID: "acme"})

	t.Run("matching tenant allows", func(t *testing.T) {
		t.Parallel()
		op := &writeop.Operation{
			Kind: writeop.KindCreate, Model: "Post",
			Data: map[string]any{"tenantId": "acme"},
		}
		assert.True(t, errors.Is(rule.EvalWrite(ctx, op), privacy.Allow))
	})

	t.Run("mismatched tenant denies", func(t *testing.T) {
		t.Parallel()
		op := &writeop.Operation{
			Kind: writeop.KindCreate, Model: "Post",
			Data: map[string]any{"tenantId": "globex"},
		}
		err := rule.EvalWrite(ctx, op)
		assert.True(t, errors.Is(err, privacy.Deny))
		assert.Contains(t, err.Error(), "tenant mismatch")
	})

	t.Run("viewer without tenant skips", func(t *testing.T) {
		t.Parallel()
		noTenant := viewerCtx(&privacy.SimpleViewer{UserID: "u"})
		op := &writeop.Operation{
			Kind: writeop.KindCreate, Model: "Post",
			Data: map[string]any{"tenantId": "acme"},
		}
		assert.True(t, errors.Is(rule.EvalWrite(noTenant, op), privacy.Skip))
	})

	t.Run("missing field skips", func(t *testing.T) {
		t.Parallel()
		op := &writeop.Operation{Kind: writeop.KindCreate, Model: "Post"}
		assert.True(t, errors.Is(rule.EvalWrite(ctx, op), privacy.Skip))
	})
}
