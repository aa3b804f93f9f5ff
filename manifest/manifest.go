// Package manifest implements Leaky's linear version history: a singly
// linked chain of manifests, each naming a data root and its predecessor.
package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"leaky/blockclient"
	"leaky/leakyerr"
	"leaky/node"
)

// Manifest is one element of the version chain.
type Manifest struct {
	Previous  cid.Cid // cid.Undef for the genesis manifest
	DataRoot  cid.Cid
	CreatedAt time.Time
}

// Encode builds the canonical IPLD representation of m.
func Encode(m *Manifest) (datamodel.Node, error) {
	builder := basicnode.Prototype.Map.NewBuilder()
	ma, err := builder.BeginMap(3)
	if err != nil {
		return nil, err
	}

	prevEntry, err := ma.AssembleEntry("previous")
	if err != nil {
		return nil, err
	}
	if m.Previous.Defined() {
		if err := prevEntry.AssignLink(cidlink.Link{Cid: m.Previous}); err != nil {
			return nil, err
		}
	} else {
		if err := prevEntry.AssignNull(); err != nil {
			return nil, err
		}
	}

	rootEntry, err := ma.AssembleEntry("data_root")
	if err != nil {
		return nil, err
	}
	if err := rootEntry.AssignLink(cidlink.Link{Cid: m.DataRoot}); err != nil {
		return nil, err
	}

	tsEntry, err := ma.AssembleEntry("created_at")
	if err != nil {
		return nil, err
	}
	if err := tsEntry.AssignInt(m.CreatedAt.Unix()); err != nil {
		return nil, err
	}

	if err := ma.Finish(); err != nil {
		return nil, err
	}
	return builder.Build(), nil
}

// Decode parses the canonical IPLD representation produced by Encode.
func Decode(dn datamodel.Node) (*Manifest, error) {
	m := &Manifest{}

	prevNode, err := dn.LookupByString("previous")
	if err != nil {
		return nil, fmt.Errorf("manifest missing previous: %w", err)
	}
	if !prevNode.IsNull() {
		lnk, err := prevNode.AsLink()
		if err != nil {
			return nil, fmt.Errorf("manifest previous is not a link: %w", err)
		}
		cl, ok := lnk.(cidlink.Link)
		if !ok {
			return nil, fmt.Errorf("manifest previous link type unexpected")
		}
		m.Previous = cl.Cid
	}

	rootNode, err := dn.LookupByString("data_root")
	if err != nil {
		return nil, fmt.Errorf("manifest missing data_root: %w", err)
	}
	lnk, err := rootNode.AsLink()
	if err != nil {
		return nil, fmt.Errorf("manifest data_root is not a link: %w", err)
	}
	cl, ok := lnk.(cidlink.Link)
	if !ok {
		return nil, fmt.Errorf("manifest data_root link type unexpected")
	}
	m.DataRoot = cl.Cid

	tsNode, err := dn.LookupByString("created_at")
	if err != nil {
		return nil, fmt.Errorf("manifest missing created_at: %w", err)
	}
	ts, err := tsNode.AsInt()
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(ts, 0).UTC()

	return m, nil
}

// Put encodes m and stores it, returning its CID.
func Put(ctx context.Context, c blockclient.Client, m *Manifest) (cid.Cid, error) {
	dn, err := Encode(m)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode manifest: %w", err)
	}
	return c.PutNode(ctx, dn, node.DefaultLP)
}

// Get loads and decodes the manifest at id.
func Get(ctx context.Context, c blockclient.Client, id cid.Cid) (*Manifest, error) {
	dn, err := c.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return Decode(dn)
}

// History walks a manifest chain from a given head backwards.
type History struct {
	client blockclient.Client
	head   cid.Cid
}

// NewHistory returns a History rooted at head (cid.Undef is an empty history).
func NewHistory(client blockclient.Client, head cid.Cid) *History {
	return &History{client: client, head: head}
}

// Walk calls fn once for every manifest from head back to genesis, stopping
// early if fn returns false.
func (h *History) Walk(ctx context.Context, fn func(id cid.Cid, m *Manifest) bool) error {
	current := h.head
	for current.Defined() {
		m, err := Get(ctx, h.client, current)
		if err != nil {
			return fmt.Errorf("walk manifest %s: %w", current, err)
		}
		if !fn(current, m) {
			return nil
		}
		current = m.Previous
	}
	return nil
}

// At walks back n manifests from head and returns that manifest's CID and
// contents. At(ctx, 0) returns the head itself.
func (h *History) At(ctx context.Context, n int) (cid.Cid, *Manifest, error) {
	if n < 0 {
		return cid.Undef, nil, fmt.Errorf("manifest: negative offset %d", n)
	}
	var (
		found   cid.Cid
		foundM  *Manifest
		i       int
		matched bool
	)
	err := h.Walk(ctx, func(id cid.Cid, m *Manifest) bool {
		if i == n {
			found, foundM, matched = id, m, true
			return false
		}
		i++
		return true
	})
	if err != nil {
		return cid.Undef, nil, err
	}
	if !matched {
		return cid.Undef, nil, leakyerr.ErrNotFound
	}
	return found, foundM, nil
}
