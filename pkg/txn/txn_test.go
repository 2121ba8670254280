package txn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/tracktable/internal/fault"
	"github.com/dd0wney/tracktable/pkg/notify"
	"github.com/dd0wney/tracktable/pkg/sstable"
	"github.com/dd0wney/tracktable/pkg/view"
)

// fakePort is a minimal TrackerPort backed by a single atomic-ish
// View held under a mutex, exercising the same CAS contract as
// *tracker.Tracker.Apply without importing pkg/tracker.
type fakePort struct {
	mu      sync.Mutex
	current *view.View
	obsoDir string

	published []notify.Notification
}

func newFakePort(t *testing.T) *fakePort {
	return &fakePort{current: view.Empty(), obsoDir: t.TempDir()}
}

func (p *fakePort) Apply(permit map[sstable.Descriptor]struct{}, transform func(*view.View) *view.View) (*view.View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if permit != nil && !p.current.PermitCompacting(permit) {
		return nil, fault.New(fault.Contention, "fakePort: apply", errContentionFixture)
	}
	next := transform(p.current)
	p.current = next
	return next, nil
}

func (p *fakePort) Publish(n notify.Notification) *fault.Chain {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, n)
	return &fault.Chain{}
}

func (p *fakePort) ObsoletionDir() string { return p.obsoDir }

var errContentionFixture = sstableContentionError{}

type sstableContentionError struct{}

func (sstableContentionError) Error() string { return "already claimed" }

func writeSSTable(t *testing.T, dir string, gen uint64) (sstable.Descriptor, *sstable.Handle) {
	t.Helper()
	desc := sstable.Descriptor{
		Directory:  dir,
		Keyspace:   "ks",
		Table:      "tbl",
		TableID:    "0001",
		Generation: gen,
		Format:     "big",
		Component:  "Data",
	}
	interval := sstable.KeyInterval{Min: []byte("a"), Max: []byte("z")}
	d, size, err := sstable.Write(desc, 1, interval, 0)
	require.NoError(t, err)
	h, err := sstable.Open(d, size, interval, false)
	require.NoError(t, err)
	return d, h
}

func claimOriginal(t *testing.T, port *fakePort, dir string, gen uint64) (sstable.Descriptor, *sstable.Handle) {
	t.Helper()
	d, h := writeSSTable(t, dir, gen)
	port.mu.Lock()
	port.current = port.current.UpdateLiveSet(nil, map[sstable.Descriptor]*sstable.Handle{d: h})
	port.mu.Unlock()
	return d, h
}

func TestNewClaimsOriginalsAndOpensLog(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)
	defer tx.Close()

	require.False(t, port.current.PermitCompacting(map[sstable.Descriptor]struct{}{d: {}}))
}

func TestNewFailsOnAlreadyClaimed(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx1, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)
	defer tx1.Close()

	_, err = New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.Error(t, err)
}

func TestCommitSwapsLiveSetAndReleasesClaim(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)

	outD, outH := writeSSTable(t, dir, 2)
	require.NoError(t, tx.Update(outD, outH))
	require.NoError(t, tx.Commit())

	_, stillLive := port.current.LiveSSTables[d]
	require.False(t, stillLive)
	_, nowLive := port.current.LiveSSTables[outD]
	require.True(t, nowLive)
	require.True(t, port.current.PermitCompacting(map[sstable.Descriptor]struct{}{d: {}}))

	require.Len(t, port.published, 1)
	require.Equal(t, notify.Changed, port.published[0].Kind)
}

func TestCommitIsIdempotent(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Commit())
	require.Len(t, port.published, 1)
}

func TestAbortReleasesClaimAndDiscardsStaged(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)

	outD, outH := writeSSTable(t, dir, 2)
	require.NoError(t, tx.Update(outD, outH))
	require.NoError(t, tx.Abort())

	_, stillLive := port.current.LiveSSTables[d]
	require.True(t, stillLive)
	require.True(t, port.current.PermitCompacting(map[sstable.Descriptor]struct{}{d: {}}))
	require.Empty(t, port.published)
}

func TestCloseAbortsIfNeitherCommittedNorAborted(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)
	require.NoError(t, tx.Close())

	_, stillLive := port.current.LiveSSTables[d]
	require.True(t, stillLive)
}

func TestCloseAfterCommitIsNoop(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Close())
}

func TestUpdateAfterCommitFails(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	outD, outH := writeSSTable(t, dir, 2)
	require.Error(t, tx.Update(outD, outH))
}

func TestCommitAfterAbortFails(t *testing.T) {
	port := newFakePort(t)
	dir := t.TempDir()
	d, h := claimOriginal(t, port, dir, 1)

	tx, err := New(port, "COMPACTION", map[sstable.Descriptor]*sstable.Handle{d: h})
	require.NoError(t, err)
	require.NoError(t, tx.Abort())
	require.Error(t, tx.Commit())
}
