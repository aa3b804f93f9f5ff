package localstore

import (
	"bytes"
	"context"
	"testing"

	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/stretchr/testify/require"

	"leaky/node"
)

func setup(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	c, err := s.Put(ctx, []byte("hello world"))
	require.NoError(t, err)

	got, err := s.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	has, err := s.Has(ctx, c)
	require.NoError(t, err)
	require.True(t, has)
}

func TestPutIsDeterministic(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	c1, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	c2, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	require.True(t, c1.Equals(c2))
}

func TestPutNodeGetNode(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(1)
	require.NoError(t, err)
	e, err := ma.AssembleEntry("greeting")
	require.NoError(t, err)
	require.NoError(t, e.AssignString("hi"))
	require.NoError(t, ma.Finish())

	c, err := s.PutNode(ctx, nb.Build(), node.DefaultLP)
	require.NoError(t, err)

	got, err := s.GetNode(ctx, c)
	require.NoError(t, err)
	val, err := got.LookupByString("greeting")
	require.NoError(t, err)
	str, err := val.AsString()
	require.NoError(t, err)
	require.Equal(t, "hi", str)
}

func TestPinUnpin(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	c, err := s.Put(ctx, []byte("pinned"))
	require.NoError(t, err)

	require.NoError(t, s.Pin(ctx, c, false))
	require.NoError(t, s.Unpin(ctx, c))
}

func TestListPins(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	a, err := s.Put(ctx, []byte("a"))
	require.NoError(t, err)
	b, err := s.Put(ctx, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, s.Pin(ctx, a, false))
	require.NoError(t, s.Pin(ctx, b, false))

	pins, err := s.ListPins(ctx)
	require.NoError(t, err)
	require.Len(t, pins, 2)
	require.ElementsMatch(t, []string{a.String(), b.String()}, []string{pins[0].String(), pins[1].String()})

	require.NoError(t, s.Unpin(ctx, a))
	pins, err = s.ListPins(ctx)
	require.NoError(t, err)
	require.Len(t, pins, 1)
	require.True(t, pins[0].Equals(b))
}

func TestExportImportCAR(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	dataCID, err := s.Put(ctx, []byte("leaf"))
	require.NoError(t, err)

	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(1)
	require.NoError(t, err)
	e, err := ma.AssembleEntry("data")
	require.NoError(t, err)
	require.NoError(t, e.AssignLink(cidlink.Link{Cid: dataCID}))
	require.NoError(t, ma.Finish())
	rootCID, err := s.PutNode(ctx, nb.Build(), node.DefaultLP)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.ExportCAR(ctx, rootCID, &buf))

	dst := setup(t)
	roots, err := dst.ImportCAR(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.True(t, roots[0].Equals(rootCID))

	got, err := dst.Get(ctx, dataCID)
	require.NoError(t, err)
	require.Equal(t, []byte("leaf"), got)
}
