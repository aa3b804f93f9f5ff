// Package node defines Leaky's canonical IPLD entities — directory nodes,
// file objects, and schema documents — and their deterministic CBOR
// encodings.
package node

import (
	"fmt"
	"sort"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
)

// DefaultLP is the link prototype used for every structured block (nodes,
// objects, schemas, manifests): CIDv1, DAG-CBOR codec, BLAKE3 multihash.
var DefaultLP = cidlink.LinkPrototype{
	Prefix: cid.Prefix{
		Version:  1,
		Codec:    uint64(cid.DagCBOR),
		MhType:   uint64(multihash.BLAKE3),
		MhLength: -1,
	},
}

// RawLP is the link prototype for opaque data blocks (file content): same
// hash function, raw codec since the bytes are not DAG-CBOR structures.
var RawLP = cidlink.LinkPrototype{
	Prefix: cid.Prefix{
		Version:  1,
		Codec:    uint64(cid.Raw),
		MhType:   uint64(multihash.BLAKE3),
		MhLength: -1,
	},
}

// Kind distinguishes a directory link from a file link within a Node.
type Kind int

const (
	KindDir Kind = iota
	KindFile
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is one named child of a Node: either another directory (Target is
// a Node CID) or a file (Target is an Object CID).
type Entry struct {
	Kind   Kind
	Target cid.Cid
}

// Node is a directory: an ordered mapping from name to child link, plus an
// optional schema installed at this directory.
type Node struct {
	Entries map[string]Entry
	Schema  cid.Cid // cid.Undef if no schema is installed here
}

// New returns an empty directory node.
func New() *Node {
	return &Node{Entries: make(map[string]Entry)}
}

// SortedNames returns the entry names in the canonical (lexicographic) order
// used for CBOR map assembly.
func (n *Node) SortedNames() []string {
	names := make([]string, 0, len(n.Entries))
	for name := range n.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode builds the canonical IPLD representation of n.
func Encode(n *Node) (datamodel.Node, error) {
	names := n.SortedNames()

	builder := basicnode.Prototype.Map.NewBuilder()
	ma, err := builder.BeginMap(2)
	if err != nil {
		return nil, err
	}

	entriesEntry, err := ma.AssembleEntry("entries")
	if err != nil {
		return nil, err
	}
	eb := basicnode.Prototype.Map.NewBuilder()
	ema, err := eb.BeginMap(int64(len(names)))
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		entry := n.Entries[name]
		nameEntry, err := ema.AssembleEntry(name)
		if err != nil {
			return nil, err
		}
		childBuilder := basicnode.Prototype.Map.NewBuilder()
		cma, err := childBuilder.BeginMap(2)
		if err != nil {
			return nil, err
		}
		typeEntry, err := cma.AssembleEntry("type")
		if err != nil {
			return nil, err
		}
		if err := typeEntry.AssignString(entry.Kind.String()); err != nil {
			return nil, err
		}
		cidEntry, err := cma.AssembleEntry("cid")
		if err != nil {
			return nil, err
		}
		if err := cidEntry.AssignLink(cidlink.Link{Cid: entry.Target}); err != nil {
			return nil, err
		}
		if err := cma.Finish(); err != nil {
			return nil, err
		}
		if err := nameEntry.AssignNode(childBuilder.Build()); err != nil {
			return nil, err
		}
	}
	if err := ema.Finish(); err != nil {
		return nil, err
	}
	if err := entriesEntry.AssignNode(eb.Build()); err != nil {
		return nil, err
	}

	schemaEntry, err := ma.AssembleEntry("schema")
	if err != nil {
		return nil, err
	}
	if n.Schema.Defined() {
		if err := schemaEntry.AssignLink(cidlink.Link{Cid: n.Schema}); err != nil {
			return nil, err
		}
	} else {
		if err := schemaEntry.AssignNull(); err != nil {
			return nil, err
		}
	}

	if err := ma.Finish(); err != nil {
		return nil, err
	}
	return builder.Build(), nil
}

// Decode parses the canonical IPLD representation produced by Encode.
func Decode(dn datamodel.Node) (*Node, error) {
	n := New()

	entriesNode, err := dn.LookupByString("entries")
	if err != nil {
		return nil, fmt.Errorf("node missing entries: %w", err)
	}
	it := entriesNode.MapIterator()
	if it == nil {
		return nil, fmt.Errorf("node entries is not a map")
	}
	for !it.Done() {
		keyNode, valNode, err := it.Next()
		if err != nil {
			return nil, err
		}
		name, err := keyNode.AsString()
		if err != nil {
			return nil, err
		}
		typeNode, err := valNode.LookupByString("type")
		if err != nil {
			return nil, fmt.Errorf("entry %q missing type: %w", name, err)
		}
		typeStr, err := typeNode.AsString()
		if err != nil {
			return nil, err
		}
		cidNode, err := valNode.LookupByString("cid")
		if err != nil {
			return nil, fmt.Errorf("entry %q missing cid: %w", name, err)
		}
		lnk, err := cidNode.AsLink()
		if err != nil {
			return nil, err
		}
		cl, ok := lnk.(cidlink.Link)
		if !ok {
			return nil, fmt.Errorf("entry %q link type unexpected", name)
		}
		kind := KindDir
		if typeStr == "file" {
			kind = KindFile
		}
		n.Entries[name] = Entry{Kind: kind, Target: cl.Cid}
	}

	schemaNode, err := dn.LookupByString("schema")
	if err != nil {
		return nil, fmt.Errorf("node missing schema field: %w", err)
	}
	if !schemaNode.IsNull() {
		lnk, err := schemaNode.AsLink()
		if err != nil {
			return nil, fmt.Errorf("node schema is not a link: %w", err)
		}
		cl, ok := lnk.(cidlink.Link)
		if !ok {
			return nil, fmt.Errorf("node schema link type unexpected")
		}
		n.Schema = cl.Cid
	}

	return n, nil
}

// Object is the metadata record attached to a file leaf.
type Object struct {
	DataCID   cid.Cid
	Metadata  any // JSON-compatible value: map[string]any, []any, string, float64, bool, nil
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EncodeObject builds the canonical IPLD representation of o.
func EncodeObject(o *Object) (datamodel.Node, error) {
	builder := basicnode.Prototype.Map.NewBuilder()
	ma, err := builder.BeginMap(4)
	if err != nil {
		return nil, err
	}

	cidEntry, err := ma.AssembleEntry("cid")
	if err != nil {
		return nil, err
	}
	if err := cidEntry.AssignLink(cidlink.Link{Cid: o.DataCID}); err != nil {
		return nil, err
	}

	metaEntry, err := ma.AssembleEntry("metadata")
	if err != nil {
		return nil, err
	}
	metaNode, err := ValueToNode(o.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := metaEntry.AssignNode(metaNode); err != nil {
		return nil, err
	}

	createdEntry, err := ma.AssembleEntry("created_at")
	if err != nil {
		return nil, err
	}
	if err := createdEntry.AssignInt(o.CreatedAt.Unix()); err != nil {
		return nil, err
	}

	updatedEntry, err := ma.AssembleEntry("updated_at")
	if err != nil {
		return nil, err
	}
	if err := updatedEntry.AssignInt(o.UpdatedAt.Unix()); err != nil {
		return nil, err
	}

	if err := ma.Finish(); err != nil {
		return nil, err
	}
	return builder.Build(), nil
}

// DecodeObject parses the canonical IPLD representation produced by EncodeObject.
func DecodeObject(dn datamodel.Node) (*Object, error) {
	o := &Object{}

	cidNode, err := dn.LookupByString("cid")
	if err != nil {
		return nil, fmt.Errorf("object missing cid: %w", err)
	}
	lnk, err := cidNode.AsLink()
	if err != nil {
		return nil, err
	}
	cl, ok := lnk.(cidlink.Link)
	if !ok {
		return nil, fmt.Errorf("object cid link type unexpected")
	}
	o.DataCID = cl.Cid

	metaNode, err := dn.LookupByString("metadata")
	if err != nil {
		return nil, fmt.Errorf("object missing metadata: %w", err)
	}
	meta, err := NodeToValue(metaNode)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	o.Metadata = meta

	createdNode, err := dn.LookupByString("created_at")
	if err != nil {
		return nil, fmt.Errorf("object missing created_at: %w", err)
	}
	created, err := createdNode.AsInt()
	if err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(created, 0).UTC()

	updatedNode, err := dn.LookupByString("updated_at")
	if err != nil {
		return nil, fmt.Errorf("object missing updated_at: %w", err)
	}
	updated, err := updatedNode.AsInt()
	if err != nil {
		return nil, err
	}
	o.UpdatedAt = time.Unix(updated, 0).UTC()

	return o, nil
}
