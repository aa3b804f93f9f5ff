package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"leaky/blockclient/localstore"
	"leaky/leakyerr"
	"leaky/mount"
)

// fakeRemote is an in-memory blockclient.RemoteHead for tests.
type fakeRemote struct {
	head cid.Cid
}

func (f *fakeRemote) Root(ctx context.Context) (cid.Cid, error) {
	return f.head, nil
}

func (f *fakeRemote) CASRoot(ctx context.Context, previous, next cid.Cid) error {
	if !f.head.Equals(previous) {
		return &leakyerr.HeadAdvanced{Expected: previous.String(), Actual: f.head.String()}
	}
	f.head = next
	return nil
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := &State{LastDataRoot: cid.Undef}
	require.NoError(t, SaveState(dir, s))

	got, err := LoadState(dir)
	require.NoError(t, err)
	require.False(t, got.LastHead.Defined())
}

func TestLockPreventsSecondAcquire(t *testing.T) {
	dir := t.TempDir()

	unlock, err := Lock(dir)
	require.NoError(t, err)

	_, err = Lock(dir)
	require.Error(t, err)

	require.NoError(t, unlock())

	unlock2, err := Lock(dir)
	require.NoError(t, err)
	require.NoError(t, unlock2())
}

func TestStageAddsModifiesRemoves(t *testing.T) {
	block, err := localstore.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = block.Close() })
	ctx := t.Context()

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "sub", "b.txt"), []byte("world"), 0644))

	m, err := mount.Open(ctx, block, cid.Undef)
	require.NoError(t, err)

	c := &Client{Block: block, WorkingDir: workDir}
	diff, err := c.Stage(ctx, m)
	require.NoError(t, err)
	require.Contains(t, diff.Added, "/a.txt")
	require.Contains(t, diff.Added, "/sub/b.txt")

	root, err := m.Commit(ctx)
	require.NoError(t, err)
	require.True(t, root.Defined())

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("hello again"), 0644))
	require.NoError(t, os.Remove(filepath.Join(workDir, "sub", "b.txt")))

	diff, err = c.Stage(ctx, m)
	require.NoError(t, err)
	require.Empty(t, diff.Added)
	require.Equal(t, []string{"/a.txt"}, diff.Modified)
	require.Equal(t, []string{"/sub/b.txt"}, diff.Removed)
}

func TestStageIgnoresHiddenSyncDir(t *testing.T) {
	block, err := localstore.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = block.Close() })
	ctx := t.Context()

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("hello"), 0644))

	c := &Client{Block: block, WorkingDir: workDir}
	_, err = Lock(workDir)
	require.NoError(t, err)

	m, err := mount.Open(ctx, block, cid.Undef)
	require.NoError(t, err)
	_, err = c.Stage(ctx, m)
	require.NoError(t, err)

	_, err = m.Stat(ctx, "/.leaky/lock")
	require.Error(t, err)
}

func TestStageRespectsIgnoreFile(t *testing.T) {
	block, err := localstore.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = block.Close() })
	ctx := t.Context()

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, ".leakyignore"), []byte("*.log\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "keep.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "skip.log"), []byte("x"), 0644))

	c := &Client{Block: block, WorkingDir: workDir}
	m, err := mount.Open(ctx, block, cid.Undef)
	require.NoError(t, err)
	diff, err := c.Stage(ctx, m)
	require.NoError(t, err)
	require.Contains(t, diff.Added, "/keep.txt")
	require.NotContains(t, diff.Added, "/skip.log")
}

func TestStageOnNonEmptyRootOnlyReportsActualChanges(t *testing.T) {
	block, err := localstore.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = block.Close() })
	ctx := t.Context()

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("v1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "b.txt"), []byte("v1"), 0644))

	c := &Client{Block: block, WorkingDir: workDir}

	m, err := mount.Open(ctx, block, cid.Undef)
	require.NoError(t, err)
	_, err = c.Stage(ctx, m)
	require.NoError(t, err)
	root, err := m.Commit(ctx)
	require.NoError(t, err)
	require.True(t, root.Defined())

	// re-open from the committed root, exactly as a real push does, then
	// change only one of the two already-staged files.
	reopened, err := mount.Open(ctx, block, root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("v2"), 0644))

	diff, err := c.Stage(ctx, reopened)
	require.NoError(t, err)
	require.Equal(t, []string{"/a.txt"}, diff.Modified)
	require.Empty(t, diff.Added, "unchanged pre-existing files must not be reported as added")
	require.Empty(t, diff.Removed)
}

func TestPullStagePush(t *testing.T) {
	block, err := localstore.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = block.Close() })
	ctx := t.Context()

	remote := &fakeRemote{}
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("v1"), 0644))

	c := New(block, remote, workDir)

	_, _, err = c.Pull(ctx)
	require.NoError(t, err)

	m, err := mount.Open(ctx, block, cid.Undef)
	require.NoError(t, err)
	_, err = c.Stage(ctx, m)
	require.NoError(t, err)

	head1, err := c.Push(ctx, m)
	require.NoError(t, err)
	require.True(t, head1.Defined())
	require.True(t, remote.head.Equals(head1))

	state, err := LoadState(workDir)
	require.NoError(t, err)
	require.True(t, state.LastHead.Equals(head1))

	// a second push with a stale baseline must fail with HeadAdvanced
	remote.head = cid.Undef
	_, err = c.Push(ctx, m)
	require.Error(t, err)
	var advanced *leakyerr.HeadAdvanced
	require.ErrorAs(t, err, &advanced)
}

func TestScenarioCASConflictLeavesDataRootStored(t *testing.T) {
	block, err := localstore.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = block.Close() })
	ctx := t.Context()

	remote := &fakeRemote{}
	workDir := t.TempDir()
	c := New(block, remote, workDir)

	m, err := mount.Open(ctx, block, cid.Undef)
	require.NoError(t, err)
	data, err := block.Put(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, m.Add(ctx, "/f.txt", data, nil))

	// remote head diverges behind the client's back, e.g. a concurrent
	// push from another client.
	remote.head = data

	_, err = c.Push(ctx, m)
	require.Error(t, err)
	var advanced *leakyerr.HeadAdvanced
	require.ErrorAs(t, err, &advanced)

	has, err := block.Has(ctx, m.RootCID())
	require.NoError(t, err)
	require.True(t, has, "committed data root must remain in the store after a CAS conflict")
}

func TestScenarioIdempotentRePush(t *testing.T) {
	block, err := localstore.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = block.Close() })
	ctx := t.Context()

	remote := &fakeRemote{}
	workDir := t.TempDir()
	c := New(block, remote, workDir)

	m, err := mount.Open(ctx, block, cid.Undef)
	require.NoError(t, err)
	data, err := block.Put(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, m.Add(ctx, "/f.txt", data, nil))

	head1, err := c.Push(ctx, m)
	require.NoError(t, err)

	state, err := LoadState(workDir)
	require.NoError(t, err)
	m2, err := mount.Open(ctx, block, state.LastDataRoot)
	require.NoError(t, err)

	head2, err := c.Push(ctx, m2)
	require.NoError(t, err)
	require.True(t, head1.Equals(head2))
}
