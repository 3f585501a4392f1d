package procfilter

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runqlat_exporter/internal/controller"
	"runqlat_exporter/internal/maps"
)

type fakeTracker struct {
	mu      sync.Mutex
	set     map[uint32]bool
	limit   int
	untrack [][]uint32
}

func newFakeTracker(limit int) *fakeTracker {
	return &fakeTracker{set: map[uint32]bool{}, limit: limit}
}

func (t *fakeTracker) Track(tgids []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	failed := map[uint32]error{}
	for _, tgid := range tgids {
		if t.limit > 0 && len(t.set) >= t.limit && !t.set[tgid] {
			failed[tgid] = maps.ErrFull
			continue
		}
		t.set[tgid] = true
	}
	if len(failed) > 0 {
		return &controller.PartialError{Op: "track", Failed: failed}
	}
	return nil
}

func (t *fakeTracker) Untrack(tgids []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.untrack = append(t.untrack, tgids)
	for _, tgid := range tgids {
		delete(t.set, tgid)
	}
	return nil
}

func (t *fakeTracker) members() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint32
	for k := range t.set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func writeProc(t *testing.T, root string, pid int, comm string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
}

func fakeProc(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeProc(t, root, 100, "nginx")
	writeProc(t, root, 101, "nginx")
	writeProc(t, root, 200, "bash")
	writeProc(t, root, 300, "postgres")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))
	return root
}

func TestResolve(t *testing.T) {
	root := fakeProc(t)
	f, err := New(Options{
		Pids:         []uint32{300, 999},
		IncludeNames: []string{"^nginx$", "[invalid"},
		ProcRoot:     root,
	}, newFakeTracker(0))
	require.NoError(t, err)

	got, err := f.Resolve()
	require.NoError(t, err)
	assert.Equal(t, map[uint32]string{
		100: "nginx",
		101: "nginx",
		300: "postgres",
		999: "",
	}, got)
}

func TestSyncTracksAndUntracks(t *testing.T) {
	root := fakeProc(t)
	tr := newFakeTracker(0)
	f, err := New(Options{
		Pids:         []uint32{999},
		IncludeNames: []string{"nginx"},
		ProcRoot:     root,
	}, tr)
	require.NoError(t, err)

	require.NoError(t, f.Sync())
	assert.Equal(t, []uint32{100, 101, 999}, tr.members())
	assert.Equal(t, 3, f.Tracked())
	assert.Equal(t, "nginx", f.Name(100))

	// 101 exits, a new nginx starts.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "101")))
	writeProc(t, root, 102, "nginx")

	require.NoError(t, f.Sync())
	assert.Equal(t, []uint32{100, 102, 999}, tr.members())
	require.Len(t, tr.untrack, 1)
	assert.Equal(t, []uint32{101}, tr.untrack[0])
}

func TestSyncKeepsExplicitPids(t *testing.T) {
	root := fakeProc(t)
	tr := newFakeTracker(0)
	f, err := New(Options{Pids: []uint32{200}, ProcRoot: root}, tr)
	require.NoError(t, err)

	require.NoError(t, f.Sync())
	require.NoError(t, os.RemoveAll(filepath.Join(root, "200")))
	require.NoError(t, f.Sync())

	assert.Equal(t, []uint32{200}, tr.members())
	assert.Empty(t, tr.untrack)
}

func TestSyncPartialTrack(t *testing.T) {
	root := fakeProc(t)
	tr := newFakeTracker(1)
	f, err := New(Options{IncludeNames: []string{"nginx"}, ProcRoot: root}, tr)
	require.NoError(t, err)

	err = f.Sync()
	var perr *controller.PartialError
	require.ErrorAs(t, err, &perr)
	assert.Len(t, perr.Failed, 1)
	assert.Equal(t, 1, f.Tracked())

	// The failed tgid is retried on the next rescan.
	tr.limit = 0
	require.NoError(t, f.Sync())
	assert.Equal(t, 2, f.Tracked())
}

func TestIncludeSelf(t *testing.T) {
	root := fakeProc(t)
	f, err := New(Options{IncludeSelf: true, ProcRoot: root}, newFakeTracker(0))
	require.NoError(t, err)

	got, err := f.Resolve()
	require.NoError(t, err)
	assert.Contains(t, got, uint32(os.Getpid()))
}

func TestNameFallsBackToNumber(t *testing.T) {
	root := fakeProc(t)
	f, err := New(Options{ProcRoot: root}, newFakeTracker(0))
	require.NoError(t, err)

	assert.Equal(t, "bash", f.Name(200))
	assert.Equal(t, "4242", f.Name(4242))
}
