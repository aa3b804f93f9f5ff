// Package localstore is the embedded Client implementation: a
// badger-backed blockstore with an in-memory LRU front, used for tests,
// offline staging, and the CLI's default backend.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/boxo/blockservice"
	bstor "github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/linking"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/ipld/go-ipld-prime/storage/bsrvadapter"
	"github.com/ipld/go-ipld-prime/traversal"
	"github.com/ipld/go-ipld-prime/traversal/selector"
	selb "github.com/ipld/go-ipld-prime/traversal/selector/builder"

	"leaky/blockclient"
	leakyds "leaky/datastore"
	"leaky/leakyerr"
	"leaky/node"
)

var _ blockclient.Client = (*Store)(nil)

var pinPrefix = ds.NewKey("/pin")

// Store is the embedded Client. It is safe for concurrent use.
type Store struct {
	bs    bstor.Blockstore
	bsvc  blockservice.BlockService
	lsys  *linking.LinkSystem
	pins  leakyds.Datastore
	mu    sync.RWMutex
	cache *lru.Cache[string, blocks.Block]
}

// Open creates (or reopens) a local block store rooted at path, with an
// LRU cache of cacheSize blocks (0 uses a reasonable default).
func Open(path string, cacheSize int) (*Store, error) {
	pins, err := leakyds.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	return newStore(pins, cacheSize)
}

func newStore(pins leakyds.Datastore, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cache, err := lru.New[string, blocks.Block](cacheSize)
	if err != nil {
		return nil, err
	}

	base := bstor.NewBlockstore(pins)
	bsvc := blockservice.New(base, nil)

	adapter := &bsrvadapter.Adapter{Wrapped: bsvc}
	lsys := cidlink.DefaultLinkSystem()
	lsys.SetWriteStorage(adapter)
	lsys.SetReadStorage(adapter)

	return &Store{
		bs:    base,
		bsvc:  bsvc,
		lsys:  &lsys,
		pins:  pins,
		cache: cache,
	}, nil
}

func (s *Store) cacheBlock(b blocks.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(b.Cid().String(), b)
}

func (s *Store) cacheGet(key string) (blocks.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Get(key)
}

// Put stores raw bytes under the raw-codec link prototype and returns the
// resulting CID.
func (s *Store) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := node.RawLP.Prefix.Sum(data)
	if err != nil {
		return cid.Undef, leakyerr.NewTransportError("put", err, false)
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return cid.Undef, leakyerr.NewTransportError("put", err, false)
	}
	if err := s.bs.Put(ctx, blk); err != nil {
		return cid.Undef, leakyerr.NewTransportError("put", err, true)
	}
	s.cacheBlock(blk)
	return c, nil
}

// Get returns the raw bytes for c.
func (s *Store) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if blk, ok := s.cacheGet(c.String()); ok {
		return blk.RawData(), nil
	}
	blk, err := s.bs.Get(ctx, c)
	if err != nil {
		if errors.Is(err, bstor.ErrNotFound) {
			return nil, leakyerr.ErrNotFound
		}
		return nil, leakyerr.NewTransportError("get", err, true)
	}
	s.cacheBlock(blk)
	return blk.RawData(), nil
}

// Has reports whether c is present.
func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if _, ok := s.cacheGet(c.String()); ok {
		return true, nil
	}
	ok, err := s.bs.Has(ctx, c)
	if err != nil {
		return false, leakyerr.NewTransportError("has", err, true)
	}
	return ok, nil
}

// PutNode encodes n under lp and stores the resulting block.
func (s *Store) PutNode(ctx context.Context, n datamodel.Node, lp cidlink.LinkPrototype) (cid.Cid, error) {
	lnk, err := s.lsys.Store(ipld.LinkContext{Ctx: ctx}, lp, n)
	if err != nil {
		return cid.Undef, leakyerr.NewTransportError("put_node", err, false)
	}
	return lnk.(cidlink.Link).Cid, nil
}

// GetNode loads and decodes the block at c as a generic IPLD node.
func (s *Store) GetNode(ctx context.Context, c cid.Cid) (datamodel.Node, error) {
	n, err := s.lsys.Load(ipld.LinkContext{Ctx: ctx}, cidlink.Link{Cid: c}, basicnode.Prototype.Any)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	return n, nil
}

// Pin marks c (and, if recursive, its reachable subgraph) retained.
func (s *Store) Pin(ctx context.Context, c cid.Cid, recursive bool) error {
	cids := []cid.Cid{c}
	if recursive {
		sub, err := s.subgraph(ctx, c)
		if err != nil {
			return err
		}
		cids = sub
	}
	for _, pc := range cids {
		if err := s.pins.Put(ctx, pinKey(pc), []byte{1}); err != nil {
			return leakyerr.NewTransportError("pin", err, true)
		}
	}
	return nil
}

// Unpin releases a previous Pin (non-recursive: only the given CID).
func (s *Store) Unpin(ctx context.Context, c cid.Cid) error {
	if err := s.pins.Delete(ctx, pinKey(c)); err != nil {
		return leakyerr.NewTransportError("unpin", err, true)
	}
	return nil
}

func pinKey(c cid.Cid) ds.Key {
	return pinPrefix.ChildString(c.String())
}

// ListPins returns every CID currently pinned, reading the pin-set
// namespace through the datastore's channel-based Keys prefix query.
func (s *Store) ListPins(ctx context.Context) ([]cid.Cid, error) {
	keys, errc, err := s.pins.Keys(ctx, pinPrefix)
	if err != nil {
		return nil, leakyerr.NewTransportError("list_pins", err, true)
	}

	prefix := pinPrefix.String() + "/"
	var out []cid.Cid
	for k := range keys {
		c, err := cid.Parse(strings.TrimPrefix(k.String(), prefix))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
		}
		out = append(out, c)
	}
	if err := <-errc; err != nil {
		return nil, leakyerr.NewTransportError("list_pins", err, true)
	}
	return out, nil
}

func exploreAllSelector() datamodel.Node {
	sb := selb.NewSelectorSpecBuilder(basicnode.Prototype.Any)
	return sb.ExploreRecursive(selector.RecursionLimitNone(),
		sb.ExploreAll(sb.ExploreRecursiveEdge()),
	).Node()
}

func (s *Store) subgraph(ctx context.Context, root cid.Cid) ([]cid.Cid, error) {
	start, err := s.lsys.Load(ipld.LinkContext{Ctx: ctx}, cidlink.Link{Cid: root}, basicnode.Prototype.Any)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	sel, err := selector.CompileSelector(exploreAllSelector())
	if err != nil {
		return nil, err
	}
	cfg := traversal.Config{
		LinkSystem: *s.lsys,
		LinkTargetNodePrototypeChooser: func(ipld.Link, ipld.LinkContext) (datamodel.NodePrototype, error) {
			return basicnode.Prototype.Any, nil
		},
	}
	out := []cid.Cid{root}
	err = traversal.Progress{Cfg: &cfg}.WalkMatching(start, sel, func(p traversal.Progress, n datamodel.Node) error {
		if p.LastBlock.Link != nil {
			if cl, ok := p.LastBlock.Link.(cidlink.Link); ok {
				out = append(out, cl.Cid)
			}
		}
		return nil
	})
	return out, err
}

// Walk visits every block reachable from root.
func (s *Store) Walk(ctx context.Context, root cid.Cid, visit func(c cid.Cid, n datamodel.Node) error) error {
	start, err := s.lsys.Load(ipld.LinkContext{Ctx: ctx}, cidlink.Link{Cid: root}, basicnode.Prototype.Any)
	if err != nil {
		return fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	sel, err := selector.CompileSelector(exploreAllSelector())
	if err != nil {
		return err
	}
	cfg := traversal.Config{
		LinkSystem: *s.lsys,
		LinkTargetNodePrototypeChooser: func(ipld.Link, ipld.LinkContext) (datamodel.NodePrototype, error) {
			return basicnode.Prototype.Any, nil
		},
	}
	current := root
	return traversal.Progress{Cfg: &cfg}.WalkMatching(start, sel, func(p traversal.Progress, n datamodel.Node) error {
		c := current
		if p.LastBlock.Link != nil {
			if cl, ok := p.LastBlock.Link.(cidlink.Link); ok {
				c = cl.Cid
			}
		}
		return visit(c, n)
	})
}

// ExportCAR writes the DAG reachable from root as a CAR v2 archive.
func (s *Store) ExportCAR(ctx context.Context, root cid.Cid, w io.Writer) error {
	writer, err := carv2.NewSelectiveWriter(ctx, s.lsys, root, exploreAllSelector())
	if err != nil {
		return err
	}
	_, err = writer.WriteTo(w)
	return err
}

// ImportCAR reads a CAR archive and stores every block it contains.
func (s *Store) ImportCAR(ctx context.Context, r io.Reader) ([]cid.Cid, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	roots := br.Roots
	for {
		blk, err := br.Next()
		if err == io.EOF {
			return roots, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
		}
		if err := s.bs.Put(ctx, blk); err != nil {
			return nil, leakyerr.NewTransportError("import_car", err, true)
		}
		s.cacheBlock(blk)
	}
}

// Close releases the underlying datastore handle.
func (s *Store) Close() error {
	return s.pins.Close()
}
