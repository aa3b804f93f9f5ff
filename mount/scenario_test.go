package mount

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/stretchr/testify/require"

	"leaky/leakyerr"
)

func TestScenarioGenesisAddCommit(t *testing.T) {
	s := setup(t)
	ctx := t.Context()

	m, err := Open(ctx, s, cid.Undef)
	require.NoError(t, err)

	dataCID, err := s.Put(ctx, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, m.Add(ctx, "/a.txt", dataCID, map[string]any{"title": "hi"}))

	root, err := m.Commit(ctx)
	require.NoError(t, err)

	reopened, err := Open(ctx, s, root)
	require.NoError(t, err)

	entries, err := reopened.Ls(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a.txt", entries[0].Name)
	require.Equal(t, "file", entries[0].Kind.String())

	_, err = reopened.Ls(ctx, "/a.txt")
	require.ErrorIs(t, err, leakyerr.ErrNotADirectory)
}

func TestScenarioSchemaRejectionLeavesTreeUnchanged(t *testing.T) {
	s := setup(t)
	ctx := t.Context()

	m, err := Open(ctx, s, cid.Undef)
	require.NoError(t, err)
	require.NoError(t, m.SetSchema(ctx, "/", map[string]any{
		"type":     "object",
		"required": []any{"title"},
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
		},
	}))
	root1, err := m.Commit(ctx)
	require.NoError(t, err)

	dataCID, err := s.Put(ctx, []byte("y"))
	require.NoError(t, err)
	err = m.Add(ctx, "/b.txt", dataCID, map[string]any{})
	require.Error(t, err)
	var violation *leakyerr.SchemaViolation
	require.ErrorAs(t, err, &violation)

	root2, err := m.Commit(ctx)
	require.NoError(t, err)
	require.True(t, root1.Equals(root2))
}

func TestScenarioNestedSchemaOverride(t *testing.T) {
	s := setup(t)
	ctx := t.Context()

	m, err := Open(ctx, s, cid.Undef)
	require.NoError(t, err)
	require.NoError(t, m.SetSchema(ctx, "/", map[string]any{
		"type":     "object",
		"required": []any{"genre"},
	}))
	require.NoError(t, m.SetSchema(ctx, "/writing", map[string]any{
		"type":     "object",
		"required": []any{"title"},
	}))

	dataZ, err := s.Put(ctx, []byte("z"))
	require.NoError(t, err)
	require.NoError(t, m.Add(ctx, "/writing/p.md", dataZ, map[string]any{"title": "t"}))

	dataW, err := s.Put(ctx, []byte("w"))
	require.NoError(t, err)
	err = m.Add(ctx, "/audio.mp3", dataW, map[string]any{"title": "t"})
	require.Error(t, err)
}

func TestScenarioRenameAsRemoveThenAdd(t *testing.T) {
	s := setup(t)
	ctx := t.Context()

	m, err := Open(ctx, s, cid.Undef)
	require.NoError(t, err)
	dataX, err := s.Put(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, m.Add(ctx, "/old.txt", dataX, nil))
	root, err := m.Commit(ctx)
	require.NoError(t, err)

	reopened, err := Open(ctx, s, root)
	require.NoError(t, err)
	require.NoError(t, reopened.Rm(ctx, "/old.txt", false))
	require.NoError(t, reopened.Add(ctx, "/new.txt", dataX, nil))
	rootPrime, err := reopened.Commit(ctx)
	require.NoError(t, err)
	require.False(t, root.Equals(rootPrime))

	diff, err := reopened.Diff(ctx, root)
	require.NoError(t, err)
	require.Equal(t, []string{"/new.txt"}, diff.Added)
	require.Equal(t, []string{"/old.txt"}, diff.Removed)
	require.Empty(t, diff.Modified)
}

func TestAncestorClosureEveryReachableBlockIsStored(t *testing.T) {
	s := setup(t)
	ctx := t.Context()

	m, err := Open(ctx, s, cid.Undef)
	require.NoError(t, err)
	data, err := s.Put(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, m.Add(ctx, "/a/b/c.txt", data, map[string]any{"n": float64(1)}))
	root, err := m.Commit(ctx)
	require.NoError(t, err)

	var visited []cid.Cid
	require.NoError(t, m.Walk(ctx, func(c cid.Cid, _ datamodel.Node) error {
		visited = append(visited, c)
		return nil
	}))
	require.NotEmpty(t, visited)
	for _, c := range visited {
		has, err := s.Has(ctx, c)
		require.NoError(t, err)
		require.True(t, has, "block %s reachable from root but missing from store", c)
	}
}
