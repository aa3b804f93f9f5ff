package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
)

// stateDir is the hidden directory at the root of a working tree holding
// sync state. It is always excluded from staging.
const stateDir = ".leaky"

// State is the client's local record of the last synchronized position.
type State struct {
	LastHead     cid.Cid                    `json:"last_head"`
	LastDataRoot cid.Cid                    `json:"last_data_root"`
	PendingTags  map[string]json.RawMessage `json:"pending_tags,omitempty"`
}

type wireState struct {
	LastHead     string                     `json:"last_head,omitempty"`
	LastDataRoot string                     `json:"last_data_root,omitempty"`
	PendingTags  map[string]json.RawMessage `json:"pending_tags,omitempty"`
}

func statePath(workingDir string) string {
	return filepath.Join(workingDir, stateDir, "state.json")
}

// LoadState reads the sync state for workingDir. A missing file is not an
// error; it returns the zero State.
func LoadState(workingDir string) (*State, error) {
	data, err := os.ReadFile(statePath(workingDir))
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}

	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode sync state: %w", err)
	}

	s := &State{PendingTags: w.PendingTags}
	if w.LastHead != "" {
		s.LastHead, err = cid.Parse(w.LastHead)
		if err != nil {
			return nil, fmt.Errorf("decode sync state: last_head: %w", err)
		}
	}
	if w.LastDataRoot != "" {
		s.LastDataRoot, err = cid.Parse(w.LastDataRoot)
		if err != nil {
			return nil, fmt.Errorf("decode sync state: last_data_root: %w", err)
		}
	}
	return s, nil
}

// SaveState writes s to workingDir's sync-state directory atomically: the
// file is written to a temp path and renamed over the target.
func SaveState(workingDir string, s *State) error {
	dir := filepath.Join(workingDir, stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create sync state dir: %w", err)
	}

	w := wireState{PendingTags: s.PendingTags}
	if s.LastHead.Defined() {
		w.LastHead = s.LastHead.String()
	}
	if s.LastDataRoot.Defined() {
		w.LastDataRoot = s.LastDataRoot.String()
	}

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sync state: %w", err)
	}

	target := statePath(workingDir)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write sync state temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename sync state file: %w", err)
	}
	return nil
}

// lockPath is the advisory single-writer marker for workingDir.
func lockPath(workingDir string) string {
	return filepath.Join(workingDir, stateDir, "lock")
}

// Lock acquires the advisory lock for workingDir, creating the sync-state
// directory if needed. It returns an error if another process already
// holds the lock.
func Lock(workingDir string) (func() error, error) {
	dir := filepath.Join(workingDir, stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sync state dir: %w", err)
	}

	f, err := os.OpenFile(lockPath(workingDir), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("sync: working directory %s is already locked", workingDir)
		}
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	_ = f.Close()

	return func() error {
		return os.Remove(lockPath(workingDir))
	}, nil
}
