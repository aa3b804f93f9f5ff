// Package sync reconciles a working directory on disk with a remote head:
// pulling the current manifest, staging local edits into a mount, and
// pushing a new manifest with a compare-and-swap head update.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	gitignore "github.com/crackcomm/go-gitignore"
	"github.com/ipfs/go-cid"

	"leaky/blockclient"
	"leaky/leakyerr"
	"leaky/manifest"
	"leaky/mount"
)

// Client drives the pull/stage/push flow for one working directory.
type Client struct {
	Block      blockclient.Client
	Remote     blockclient.RemoteHead
	WorkingDir string
}

// New returns a sync Client over the given block client and remote head.
func New(block blockclient.Client, remote blockclient.RemoteHead, workingDir string) *Client {
	return &Client{Block: block, Remote: remote, WorkingDir: workingDir}
}

// Pull asks the remote for its current head, fetches the manifest, and
// persists the pair as the local sync baseline.
func (c *Client) Pull(ctx context.Context) (headCID, dataRootCID cid.Cid, err error) {
	head, err := c.Remote.Root(ctx)
	if err != nil {
		return cid.Undef, cid.Undef, fmt.Errorf("pull: %w", err)
	}

	var dataRoot cid.Cid
	if head.Defined() {
		m, err := manifest.Get(ctx, c.Block, head)
		if err != nil {
			return cid.Undef, cid.Undef, fmt.Errorf("pull: fetch manifest: %w", err)
		}
		dataRoot = m.DataRoot
	}

	state, err := LoadState(c.WorkingDir)
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	state.LastHead = head
	state.LastDataRoot = dataRoot
	if err := SaveState(c.WorkingDir, state); err != nil {
		return cid.Undef, cid.Undef, err
	}

	return head, dataRoot, nil
}

func loadIgnore(workingDir string) (*gitignore.GitIgnore, error) {
	for _, name := range []string{".leakyignore", ".gitignore"} {
		path := filepath.Join(workingDir, name)
		if _, err := os.Stat(path); err == nil {
			return gitignore.CompileIgnoreFile(path)
		}
	}
	return gitignore.CompileIgnoreLines(), nil
}

func loadPendingTags(workingDir string) (map[string]json.RawMessage, error) {
	path := filepath.Join(workingDir, stateDir, "pending-tags.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending tags: %w", err)
	}
	var tags map[string]json.RawMessage
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("decode pending tags: %w", err)
	}
	return tags, nil
}

// Stage walks workingDir, diffing on-disk files against m and applying the
// resulting Add/Rm operations (plus any staged Tag edits). It does not
// call Commit.
func (c *Client) Stage(ctx context.Context, m *mount.Mount) (*mount.DiffResult, error) {
	priorRoot := m.RootCID()

	ignore, err := loadIgnore(c.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}

	onDisk := make(map[string]struct{})

	err = filepath.WalkDir(c.WorkingDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.WorkingDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == stateDir || strings.HasPrefix(rel, stateDir+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		slashRel := filepath.ToSlash(rel)
		if ignore.MatchesPath(slashRel) {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		mountPath := "/" + slashRel
		onDisk[mountPath] = struct{}{}

		dataCID, err := c.Block.Put(ctx, data)
		if err != nil {
			return fmt.Errorf("put %s: %w", p, err)
		}

		st, err := m.Stat(ctx, mountPath)
		switch {
		case err == nil && st.Kind.String() == "file" && st.DataCID.Equals(dataCID):
			// unchanged
		case err == nil && st.Kind.String() == "file":
			if err := m.Add(ctx, mountPath, dataCID, nil); err != nil {
				return fmt.Errorf("modify %s: %w", mountPath, err)
			}
		case err != nil:
			if err := m.Add(ctx, mountPath, dataCID, nil); err != nil {
				return fmt.Errorf("add %s: %w", mountPath, err)
			}
		default:
			return leakyerr.ErrNotAFile
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}

	if err := c.removeAbsent(ctx, m, "", onDisk); err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}

	tags, err := loadPendingTags(c.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}
	for path, raw := range tags {
		var metadata any
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, fmt.Errorf("stage: decode pending tag %s: %w", path, err)
		}
		if err := m.Tag(ctx, path, metadata); err != nil {
			return nil, fmt.Errorf("stage: tag %s: %w", path, err)
		}
	}

	state, err := LoadState(c.WorkingDir)
	if err != nil {
		return nil, err
	}
	state.PendingTags = tags
	if err := SaveState(c.WorkingDir, state); err != nil {
		return nil, err
	}

	return m.Diff(ctx, priorRoot)
}

// removeAbsent recursively removes mount paths under prefix that have no
// corresponding file on disk.
func (c *Client) removeAbsent(ctx context.Context, m *mount.Mount, prefix string, onDisk map[string]struct{}) error {
	entries, err := m.Ls(ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := prefix + "/" + e.Name
		if e.Kind.String() == "dir" {
			if err := c.removeAbsent(ctx, m, path, onDisk); err != nil {
				return err
			}
			continue
		}
		if _, ok := onDisk[path]; !ok {
			if err := m.Rm(ctx, path, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Push commits m, appends a manifest referencing the local sync baseline,
// and attempts to CAS the remote head. On success the local baseline is
// advanced; a *leakyerr.HeadAdvanced is surfaced unmodified.
//
// Re-pushing an unchanged data root against an unchanged remote head is a
// no-op: it returns the existing head without minting a new manifest. If
// the remote head has moved since the local baseline was recorded, the
// push proceeds and CASRoot surfaces the conflict.
func (c *Client) Push(ctx context.Context, m *mount.Mount) (cid.Cid, error) {
	state, err := LoadState(c.WorkingDir)
	if err != nil {
		return cid.Undef, err
	}

	dataRoot, err := m.Commit(ctx)
	if err != nil {
		return cid.Undef, fmt.Errorf("push: commit: %w", err)
	}

	if state.LastHead.Defined() && state.LastDataRoot.Equals(dataRoot) {
		current, err := c.Remote.Root(ctx)
		if err != nil {
			return cid.Undef, fmt.Errorf("push: %w", err)
		}
		if current.Equals(state.LastHead) {
			return state.LastHead, nil
		}
	}

	mf := &manifest.Manifest{Previous: state.LastHead, DataRoot: dataRoot, CreatedAt: time.Now().UTC()}
	candidate, err := manifest.Put(ctx, c.Block, mf)
	if err != nil {
		return cid.Undef, fmt.Errorf("push: put manifest: %w", err)
	}

	if err := c.Remote.CASRoot(ctx, state.LastHead, candidate); err != nil {
		return cid.Undef, err
	}

	state.LastHead = candidate
	state.LastDataRoot = dataRoot
	if err := SaveState(c.WorkingDir, state); err != nil {
		return cid.Undef, err
	}

	return candidate, nil
}
