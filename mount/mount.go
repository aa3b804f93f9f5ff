// Package mount implements the mutable, lazily-loaded directory tree that
// mirrors a portion of the content-addressed DAG during editing.
package mount

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"

	"leaky/blockclient"
	"leaky/leakyerr"
	"leaky/node"
	"leaky/schema"
)

// dirEntry is one named child of an in-memory directory node. Exactly one
// of (child, object) is populated once the entry has been loaded; cid
// always holds the last-committed address for the child, or cid.Undef for
// an entry created since the last commit.
type dirEntry struct {
	kind     node.Kind
	cid      cid.Cid
	child    *memNode
	object   *node.Object
	objDirty bool
}

// memNode is the in-memory representation of a directory being edited.
type memNode struct {
	selfCID cid.Cid
	schema  cid.Cid
	entries map[string]*dirEntry
	dirty   bool
}

func newMemNode() *memNode {
	return &memNode{entries: make(map[string]*dirEntry)}
}

// Mount is the mutable tree rooted at a directory node. It models a single
// logical editor (§5): every operation holds an internal mutex, so calls
// from several goroutines run one at a time.
type Mount struct {
	client    blockclient.Client
	validator schema.Validator
	root      *memNode
	rootCID   cid.Cid
	mu        sync.Mutex
	closed    bool
}

// Open loads the mount rooted at root (cid.Undef for an empty, genesis
// mount).
func Open(ctx context.Context, client blockclient.Client, root cid.Cid) (*Mount, error) {
	m := &Mount{client: client, validator: schema.New()}
	if !root.Defined() {
		m.root = newMemNode()
		return m, nil
	}
	mn, err := m.loadMemNode(ctx, root)
	if err != nil {
		return nil, err
	}
	m.root = mn
	m.rootCID = root
	return m, nil
}

// Close marks the mount closed; further operations return an error.
func (m *Mount) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Mount) checkOpen() error {
	if m.closed {
		return fmt.Errorf("leaky: mount is closed")
	}
	return nil
}

func (m *Mount) loadMemNode(ctx context.Context, c cid.Cid) (*memNode, error) {
	dn, err := m.client.GetNode(ctx, c)
	if err != nil {
		return nil, err
	}
	n, err := node.Decode(dn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	mn := &memNode{selfCID: c, schema: n.Schema, entries: make(map[string]*dirEntry, len(n.Entries))}
	for name, e := range n.Entries {
		mn.entries[name] = &dirEntry{kind: e.Kind, cid: e.Target}
	}
	return mn, nil
}

func (m *Mount) loadObject(ctx context.Context, c cid.Cid) (*node.Object, error) {
	dn, err := m.client.GetNode(ctx, c)
	if err != nil {
		return nil, err
	}
	o, err := node.DecodeObject(dn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	return o, nil
}

func (m *Mount) loadSchemaDoc(ctx context.Context, c cid.Cid) (any, error) {
	dn, err := m.client.GetNode(ctx, c)
	if err != nil {
		return nil, err
	}
	return node.NodeToValue(dn)
}

// splitPath normalizes path and separates it into directory components and
// a final name. An empty name means path refers to the root itself.
func splitPath(path string) (comps []string, name string, err error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return nil, "", nil
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return nil, "", leakyerr.ErrInvalidPath
		}
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

func splitDirPath(path string) ([]string, error) {
	comps, name, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if name != "" {
		comps = append(comps, name)
	}
	return comps, nil
}

// descend walks from the root through comps, lazily loading directories
// and, if createMissing is set, creating absent intermediate directories.
// It returns the chain of nodes visited, root first.
func (m *Mount) descend(ctx context.Context, comps []string, createMissing bool) ([]*memNode, error) {
	chain := []*memNode{m.root}
	cur := m.root
	for _, name := range comps {
		entry, ok := cur.entries[name]
		if !ok {
			if !createMissing {
				return nil, leakyerr.ErrNotFound
			}
			child := newMemNode()
			cur.entries[name] = &dirEntry{kind: node.KindDir, child: child}
			cur = child
			chain = append(chain, cur)
			continue
		}
		if entry.kind != node.KindDir {
			return nil, leakyerr.ErrNotADirectory
		}
		if entry.child == nil {
			loaded, err := m.loadMemNode(ctx, entry.cid)
			if err != nil {
				return nil, err
			}
			entry.child = loaded
		}
		cur = entry.child
		chain = append(chain, cur)
	}
	return chain, nil
}

func markDirty(chain []*memNode) {
	for _, n := range chain {
		n.dirty = true
	}
}

// findSchema returns the nearest-enclosing schema document for chain,
// searching from the last element (nearest) back to the root.
func (m *Mount) findSchema(ctx context.Context, chain []*memNode) (any, bool, error) {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].schema.Defined() {
			doc, err := m.loadSchemaDoc(ctx, chain[i].schema)
			if err != nil {
				return nil, false, err
			}
			return doc, true, nil
		}
	}
	return nil, false, nil
}

// LsEntry describes one child returned by Ls.
type LsEntry struct {
	Name string
	Kind node.Kind
}

// Ls lists the immediate children of the directory at path.
func (m *Mount) Ls(ctx context.Context, path string) ([]LsEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	comps, err := splitDirPath(path)
	if err != nil {
		return nil, err
	}
	chain, err := m.descend(ctx, comps, false)
	if err != nil {
		return nil, err
	}
	dir := chain[len(chain)-1]

	out := make([]LsEntry, 0, len(dir.entries))
	for name, e := range dir.entries {
		out = append(out, LsEntry{Name: name, Kind: e.kind})
	}
	return out, nil
}

// StatResult is the result of Stat.
type StatResult struct {
	Kind      node.Kind
	DataCID   cid.Cid // valid when Kind == node.KindFile
	ObjectCID cid.Cid // valid when Kind == node.KindFile and the object is unchanged since last commit
}

// Stat reports the kind of the entry at path and, for a file, its object
// and data CIDs. A file whose object is not yet in memory has it loaded and
// decoded to read the data CID.
func (m *Mount) Stat(ctx context.Context, path string) (*StatResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	comps, name, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return &StatResult{Kind: node.KindDir}, nil
	}
	chain, err := m.descend(ctx, comps, false)
	if err != nil {
		return nil, err
	}
	parent := chain[len(chain)-1]
	entry, ok := parent.entries[name]
	if !ok {
		return nil, leakyerr.ErrNotFound
	}
	if entry.kind == node.KindDir {
		return &StatResult{Kind: node.KindDir}, nil
	}
	res := &StatResult{Kind: node.KindFile, ObjectCID: entry.cid}
	if entry.object != nil {
		res.DataCID = entry.object.DataCID
	} else {
		obj, err := m.loadObject(ctx, entry.cid)
		if err != nil {
			return nil, err
		}
		res.DataCID = obj.DataCID
	}
	return res, nil
}

// Add creates or overwrites the file at path, validating metadata against
// the nearest enclosing schema before any mutation is applied.
func (m *Mount) Add(ctx context.Context, path string, dataCID cid.Cid, metadata any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	comps, name, err := splitPath(path)
	if err != nil {
		return err
	}
	if name == "" {
		return leakyerr.ErrInvalidPath
	}
	chain, err := m.descend(ctx, comps, true)
	if err != nil {
		return err
	}
	parent := chain[len(chain)-1]
	// undoCreated drops the directories descend created for this call, so a
	// rejected Add leaves the tree as it was.
	undoCreated := func() {
		for i := len(chain) - 1; i > 0; i-- {
			if n := chain[i]; !n.dirty && !n.selfCID.Defined() && len(n.entries) == 0 {
				delete(chain[i-1].entries, comps[i-1])
			}
		}
	}

	existing, hasExisting := parent.entries[name]
	if hasExisting && existing.kind == node.KindDir {
		return leakyerr.ErrNotAFile
	}

	if doc, ok, err := m.findSchema(ctx, chain); err != nil {
		undoCreated()
		return err
	} else if ok {
		if verr := m.validator.Validate(doc, metadata); verr != nil {
			undoCreated()
			return &leakyerr.SchemaViolation{Path: path, Reason: verr.Error()}
		}
	}

	now := time.Now().UTC()
	createdAt := now
	if hasExisting {
		obj := existing.object
		if obj == nil {
			obj, err = m.loadObject(ctx, existing.cid)
			if err != nil {
				return err
			}
		}
		createdAt = obj.CreatedAt
	}

	parent.entries[name] = &dirEntry{
		kind: node.KindFile,
		object: &node.Object{
			DataCID:   dataCID,
			Metadata:  metadata,
			CreatedAt: createdAt,
			UpdatedAt: now,
		},
		objDirty: true,
	}
	markDirty(chain)
	return nil
}

// Rm removes the entry at path. Removing a non-empty directory requires
// recursive to be true.
func (m *Mount) Rm(ctx context.Context, path string, recursive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	comps, name, err := splitPath(path)
	if err != nil {
		return err
	}
	if name == "" {
		return leakyerr.ErrInvalidPath
	}
	chain, err := m.descend(ctx, comps, false)
	if err != nil {
		return err
	}
	parent := chain[len(chain)-1]

	entry, ok := parent.entries[name]
	if !ok {
		return leakyerr.ErrNotFound
	}
	if entry.kind == node.KindDir && !recursive {
		if entry.child == nil {
			child, err := m.loadMemNode(ctx, entry.cid)
			if err != nil {
				return err
			}
			entry.child = child
		}
		if len(entry.child.entries) > 0 {
			return leakyerr.ErrNotEmpty
		}
	}

	delete(parent.entries, name)
	markDirty(chain)
	return nil
}

// Tag replaces the metadata of the file at path, re-validating against the
// nearest enclosing schema.
func (m *Mount) Tag(ctx context.Context, path string, metadata any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	comps, name, err := splitPath(path)
	if err != nil {
		return err
	}
	if name == "" {
		return leakyerr.ErrInvalidPath
	}
	chain, err := m.descend(ctx, comps, false)
	if err != nil {
		return err
	}
	parent := chain[len(chain)-1]

	entry, ok := parent.entries[name]
	if !ok {
		return leakyerr.ErrNotFound
	}
	if entry.kind != node.KindFile {
		return leakyerr.ErrNotAFile
	}
	if entry.object == nil {
		obj, err := m.loadObject(ctx, entry.cid)
		if err != nil {
			return err
		}
		entry.object = obj
	}

	if doc, ok, err := m.findSchema(ctx, chain); err != nil {
		return err
	} else if ok {
		if verr := m.validator.Validate(doc, metadata); verr != nil {
			return &leakyerr.SchemaViolation{Path: path, Reason: verr.Error()}
		}
	}

	entry.object.Metadata = metadata
	entry.object.UpdatedAt = time.Now().UTC()
	entry.objDirty = true
	markDirty(chain)
	return nil
}

// SetSchema installs (schemaDoc != nil) or clears (schemaDoc == nil) the
// schema at dirPath, re-validating every object in the affected subtree
// before applying the change. A missing dirPath, and any missing parent
// directories, are created.
func (m *Mount) SetSchema(ctx context.Context, dirPath string, schemaDoc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	comps, err := splitDirPath(dirPath)
	if err != nil {
		return err
	}
	chain, err := m.descend(ctx, comps, true)
	if err != nil {
		return err
	}
	dir := chain[len(chain)-1]

	var newSchemaCID cid.Cid
	var effectiveDoc any
	var hasEffectiveDoc bool

	if schemaDoc != nil {
		dn, err := node.ValueToNode(schemaDoc)
		if err != nil {
			return fmt.Errorf("encode schema: %w", err)
		}
		newSchemaCID, err = m.client.PutNode(ctx, dn, node.DefaultLP)
		if err != nil {
			return err
		}
		effectiveDoc, hasEffectiveDoc = schemaDoc, true
	} else {
		effectiveDoc, hasEffectiveDoc, err = m.findSchema(ctx, chain[:len(chain)-1])
		if err != nil {
			return err
		}
	}

	var violations []*leakyerr.SchemaViolation
	if hasEffectiveDoc {
		if err := m.validateSubtree(ctx, dir, dirPath, effectiveDoc, &violations); err != nil {
			return err
		}
	}
	if len(violations) > 0 {
		return &leakyerr.MultiSchemaViolation{Violations: violations}
	}

	dir.schema = newSchemaCID
	markDirty(chain)
	return nil
}

// validateSubtree recursively validates every file under dir against doc,
// stopping descent at any node that installs its own schema (that node's
// subtree is validated against its own rules, not touched here).
func (m *Mount) validateSubtree(ctx context.Context, dir *memNode, dirPath string, doc any, violations *[]*leakyerr.SchemaViolation) error {
	for name, entry := range dir.entries {
		childPath := dirPath + "/" + name
		switch entry.kind {
		case node.KindFile:
			obj := entry.object
			if obj == nil {
				loaded, err := m.loadObject(ctx, entry.cid)
				if err != nil {
					return err
				}
				obj = loaded
			}
			if err := m.validator.Validate(doc, obj.Metadata); err != nil {
				*violations = append(*violations, &leakyerr.SchemaViolation{Path: childPath, Reason: err.Error()})
			}
		case node.KindDir:
			if entry.child == nil {
				loaded, err := m.loadMemNode(ctx, entry.cid)
				if err != nil {
					return err
				}
				entry.child = loaded
			}
			if entry.child.schema.Defined() {
				continue // shadowed: that subtree validates against its own schema
			}
			if err := m.validateSubtree(ctx, entry.child, childPath, doc, violations); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit serializes every dirty node bottom-up, stores each block, pins the
// new root recursively, and returns the new root CID. Committing a clean
// mount is a no-op.
func (m *Mount) Commit(ctx context.Context) (cid.Cid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return cid.Undef, err
	}

	if !m.root.dirty && m.root.selfCID.Defined() {
		return m.root.selfCID, nil
	}

	newRoot, err := m.commitNode(ctx, m.root)
	if err != nil {
		return cid.Undef, err
	}
	if err := m.client.Pin(ctx, newRoot, true); err != nil {
		return cid.Undef, err
	}
	m.rootCID = newRoot
	return newRoot, nil
}

func (m *Mount) commitNode(ctx context.Context, mn *memNode) (cid.Cid, error) {
	if !mn.dirty && mn.selfCID.Defined() {
		return mn.selfCID, nil
	}

	plain := node.New()
	plain.Schema = mn.schema

	for name, entry := range mn.entries {
		switch entry.kind {
		case node.KindDir:
			if entry.child != nil {
				c, err := m.commitNode(ctx, entry.child)
				if err != nil {
					return cid.Undef, err
				}
				entry.cid = c
			}
			plain.Entries[name] = node.Entry{Kind: node.KindDir, Target: entry.cid}
		case node.KindFile:
			if entry.object != nil && entry.objDirty {
				objNode, err := node.EncodeObject(entry.object)
				if err != nil {
					return cid.Undef, err
				}
				c, err := m.client.PutNode(ctx, objNode, node.DefaultLP)
				if err != nil {
					return cid.Undef, err
				}
				entry.cid = c
				entry.objDirty = false
			}
			plain.Entries[name] = node.Entry{Kind: node.KindFile, Target: entry.cid}
		}
	}

	dn, err := node.Encode(plain)
	if err != nil {
		return cid.Undef, err
	}
	newCID, err := m.client.PutNode(ctx, dn, node.DefaultLP)
	if err != nil {
		return cid.Undef, err
	}
	mn.selfCID = newCID
	mn.dirty = false
	return newCID, nil
}

// RootCID returns the last committed root CID, or cid.Undef if nothing has
// been committed yet.
func (m *Mount) RootCID() cid.Cid {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootCID
}

// Walk visits every block reachable from the mount's last committed root.
// It operates on the committed view, not on uncommitted in-memory edits.
func (m *Mount) Walk(ctx context.Context, visit func(cid.Cid, datamodel.Node) error) error {
	m.mu.Lock()
	root := m.rootCID
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("leaky: mount is closed")
	}
	if !root.Defined() {
		return leakyerr.ErrNotFound
	}
	return m.client.Walk(ctx, root, visit)
}

// ExportCAR writes the DAG reachable from the mount's last committed root
// as a CAR archive.
func (m *Mount) ExportCAR(ctx context.Context, w io.Writer) error {
	m.mu.Lock()
	root := m.rootCID
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("leaky: mount is closed")
	}
	if !root.Defined() {
		return leakyerr.ErrNotFound
	}
	return m.client.ExportCAR(ctx, root, w)
}

// ImportCAR loads a CAR archive into the block client backing this mount.
// It does not change the mount's current root; callers typically follow
// with Open at one of the archive's declared roots.
func (m *Mount) ImportCAR(ctx context.Context, r io.Reader) ([]cid.Cid, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("leaky: mount is closed")
	}
	return m.client.ImportCAR(ctx, r)
}

// DiffResult summarizes the structural difference between the mount's
// current working state (including uncommitted edits) and a previously
// committed root.
type DiffResult struct {
	Added    []string
	Removed  []string
	Modified []string
}

type flatEntry struct {
	kind    node.Kind
	dataCID cid.Cid
}

// Diff compares the mount's current working tree against the committed
// root named by against.
func (m *Mount) Diff(ctx context.Context, against cid.Cid) (*DiffResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	before := make(map[string]flatEntry)
	if against.Defined() {
		if err := m.flattenCommitted(ctx, against, "", before); err != nil {
			return nil, err
		}
	}

	after := make(map[string]flatEntry)
	if err := m.flattenMount(ctx, m.root, "", after); err != nil {
		return nil, err
	}

	res := &DiffResult{}
	for path, a := range after {
		b, ok := before[path]
		if !ok {
			res.Added = append(res.Added, path)
			continue
		}
		if a.kind == node.KindFile && b.kind == node.KindFile && !a.dataCID.Equals(b.dataCID) {
			res.Modified = append(res.Modified, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			res.Removed = append(res.Removed, path)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Strings(res.Modified)
	return res, nil
}

func (m *Mount) flattenCommitted(ctx context.Context, root cid.Cid, prefix string, out map[string]flatEntry) error {
	dn, err := m.client.GetNode(ctx, root)
	if err != nil {
		return err
	}
	n, err := node.Decode(dn)
	if err != nil {
		return fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	for name, e := range n.Entries {
		p := prefix + "/" + name
		switch e.Kind {
		case node.KindDir:
			out[p] = flatEntry{kind: node.KindDir}
			if err := m.flattenCommitted(ctx, e.Target, p, out); err != nil {
				return err
			}
		case node.KindFile:
			obj, err := m.loadObject(ctx, e.Target)
			if err != nil {
				return err
			}
			out[p] = flatEntry{kind: node.KindFile, dataCID: obj.DataCID}
		}
	}
	return nil
}

func (m *Mount) flattenMount(ctx context.Context, dir *memNode, prefix string, out map[string]flatEntry) error {
	for name, e := range dir.entries {
		p := prefix + "/" + name
		switch e.kind {
		case node.KindDir:
			out[p] = flatEntry{kind: node.KindDir}
			if e.child == nil {
				loaded, err := m.loadMemNode(ctx, e.cid)
				if err != nil {
					return err
				}
				e.child = loaded
			}
			if err := m.flattenMount(ctx, e.child, p, out); err != nil {
				return err
			}
		case node.KindFile:
			obj := e.object
			if obj == nil {
				loaded, err := m.loadObject(ctx, e.cid)
				if err != nil {
					return err
				}
				obj = loaded
			}
			out[p] = flatEntry{kind: node.KindFile, dataCID: obj.DataCID}
		}
	}
	return nil
}
