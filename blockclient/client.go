// Package blockclient defines the block-store client contract shared by the
// HTTP remote implementation and the embedded local implementation.
package blockclient

import (
	"context"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
)

// Client is a get/put mapping from CID to canonical CBOR bytes, plus the
// pin bookkeeping and subgraph operations the mount and sync layers need.
// Both blockclient/httpclient and blockclient/localstore implement this
// interface so the rest of the core never branches on backend.
type Client interface {
	// Put stores raw bytes and returns the CID, or a *leakyerr.TransportError.
	Put(ctx context.Context, data []byte) (cid.Cid, error)

	// Get returns the raw bytes for c, or leakyerr.ErrNotFound.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)

	// Has reports whether c is present without fetching its bytes.
	Has(ctx context.Context, c cid.Cid) (bool, error)

	// PutNode encodes n under lp and stores the resulting block.
	PutNode(ctx context.Context, n datamodel.Node, lp cidlink.LinkPrototype) (cid.Cid, error)

	// GetNode loads and decodes the block at c as a generic IPLD node.
	GetNode(ctx context.Context, c cid.Cid) (datamodel.Node, error)

	// Pin marks c (and, if recursive, everything reachable from it)
	// retained by the backing store.
	Pin(ctx context.Context, c cid.Cid, recursive bool) error

	// Unpin releases a previous Pin.
	Unpin(ctx context.Context, c cid.Cid) error

	// Walk visits every block reachable from root in a single
	// explore-all traversal, calling visit once per node.
	Walk(ctx context.Context, root cid.Cid, visit func(c cid.Cid, n datamodel.Node) error) error

	// ExportCAR writes the DAG reachable from root as a CAR archive.
	ExportCAR(ctx context.Context, root cid.Cid, w io.Writer) error

	// ImportCAR reads a CAR archive and stores every block it contains,
	// returning the archive's declared roots.
	ImportCAR(ctx context.Context, r io.Reader) ([]cid.Cid, error)

	io.Closer
}

// RemoteHead is the separate, much smaller contract for the CAS'd head
// pointer a sync client reads and advances — kept apart from Client
// because a remote daemon and the mutable-head service are logically
// distinct concerns even when served by the same process (see §6).
type RemoteHead interface {
	// Root returns the current head manifest CID, or cid.Undef if the
	// remote has no history yet.
	Root(ctx context.Context) (cid.Cid, error)

	// CASRoot swaps the head from previous to next. If the remote's
	// current head is not previous, it returns *leakyerr.HeadAdvanced.
	CASRoot(ctx context.Context, previous, next cid.Cid) error
}
