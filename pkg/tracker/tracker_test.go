package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/tracktable/internal/config"
	"github.com/dd0wney/tracktable/internal/metrics"
	"github.com/dd0wney/tracktable/pkg/memtable"
	"github.com/dd0wney/tracktable/pkg/notify"
	"github.com/dd0wney/tracktable/pkg/sstable"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	cfg := config.Engine{
		Keyspace:      "ks",
		Table:         "tbl",
		DataDirectory: t.TempDir(),
		DiskPolicy:    config.DiskPolicy{Mode: "ignore"},
	}
	return New(cfg, nil, metrics.New(), nil, nil)
}

func writeTestSSTable(t *testing.T, dataDir string, gen uint64) (sstable.Descriptor, *sstable.Handle) {
	t.Helper()
	desc := sstable.Descriptor{
		Directory:  dataDir + "/ks/tbl-0001",
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

func TestNewStartsEmpty(t *testing.T) {
	tr := newTestTracker(t)
	v := tr.CurrentView()
	require.Empty(t, v.LiveSSTables)
	require.Empty(t, v.LiveBuffers)
}

func TestSwitchBufferReturnsPreviousAndPublishes(t *testing.T) {
	tr := newTestTracker(t)

	var notifications []notify.Notification
	tr.Subscribe(notify.SubscriberFunc(func(n notify.Notification) error {
		notifications = append(notifications, n)
		return nil
	}))

	buf1 := memtable.New(1, memtable.Position{}, 1<<20)
	prev, err := tr.SwitchBuffer(false, buf1)
	require.NoError(t, err)
	require.Nil(t, prev)

	buf2 := memtable.New(2, memtable.Position{Segment: 1}, 1<<20)
	prev, err = tr.SwitchBuffer(false, buf2)
	require.NoError(t, err)
	require.Same(t, buf1, prev)

	require.Len(t, notifications, 2)
	require.Equal(t, notify.BufferSwitched, notifications[0].Kind)
}

func TestMarkFlushingAndReplaceFlushed(t *testing.T) {
	tr := newTestTracker(t)
	dataDir := tr.dataDir

	buf := memtable.New(1, memtable.Position{}, 1<<20)
	_, err := tr.SwitchBuffer(false, buf)
	require.NoError(t, err)
	buf.Put([]byte("k1"), []byte("v1"))

	require.NoError(t, tr.MarkFlushing(buf))
	require.True(t, buf.IsFlushing())

	d, h := writeTestSSTable(t, dataDir, 1)
	require.NoError(t, tr.ReplaceFlushed(buf, map[sstable.Descriptor]*sstable.Handle{d: h}, "flush-1"))

	v := tr.CurrentView()
	require.Empty(t, v.LiveBuffers)
	_, ok := v.LiveSSTables[d]
	require.True(t, ok)
}

func TestAddInitialSSTablesPublishesInitialAdded(t *testing.T) {
	tr := newTestTracker(t)
	d, h := writeTestSSTable(t, tr.dataDir, 1)

	var got notify.Notification
	tr.Subscribe(notify.SubscriberFunc(func(n notify.Notification) error {
		got = n
		return nil
	}))

	require.NoError(t, tr.AddInitialSSTables(map[sstable.Descriptor]*sstable.Handle{d: h}))
	require.Equal(t, notify.InitialAdded, got.Kind)

	_, ok := tr.CurrentView().LiveSSTables[d]
	require.True(t, ok)
}

func TestAddSSTablesPublishesAdded(t *testing.T) {
	tr := newTestTracker(t)
	d, h := writeTestSSTable(t, tr.dataDir, 1)

	var got notify.Notification
	tr.Subscribe(notify.SubscriberFunc(func(n notify.Notification) error {
		got = n
		return nil
	}))

	require.NoError(t, tr.AddSSTables(context.Background(), map[sstable.Descriptor]*sstable.Handle{d: h}, "STREAM"))
	require.Equal(t, notify.Added, got.Kind)

	_, ok := tr.CurrentView().LiveSSTables[d]
	require.True(t, ok)
}

func TestTryModifyRejectsUnknownSSTable(t *testing.T) {
	tr := newTestTracker(t)
	unknown := sstable.Descriptor{Directory: "nowhere", Generation: 99, Format: "big", Component: "Data"}

	_, err := tr.TryModify([]sstable.Descriptor{unknown}, "COMPACTION")
	require.Error(t, err)
}

func TestTryModifyClaimsAndTransactionCommitsSwap(t *testing.T) {
	tr := newTestTracker(t)
	d, h := writeTestSSTable(t, tr.dataDir, 1)
	require.NoError(t, tr.AddInitialSSTables(map[sstable.Descriptor]*sstable.Handle{d: h}))

	tx, err := tr.TryModify([]sstable.Descriptor{d}, "COMPACTION")
	require.NoError(t, err)

	outD, outH := writeTestSSTable(t, tr.dataDir, 2)
	require.NoError(t, tx.Update(outD, outH))
	require.NoError(t, tx.Commit())

	v := tr.CurrentView()
	_, stillLive := v.LiveSSTables[d]
	require.False(t, stillLive)
	_, nowLive := v.LiveSSTables[outD]
	require.True(t, nowLive)
}

func TestDropSSTablesRemovesMatchingAndPublishesChanged(t *testing.T) {
	tr := newTestTracker(t)
	d1, h1 := writeTestSSTable(t, tr.dataDir, 1)
	d2, h2 := writeTestSSTable(t, tr.dataDir, 2)
	require.NoError(t, tr.AddInitialSSTables(map[sstable.Descriptor]*sstable.Handle{d1: h1, d2: h2}))

	var changed []notify.Notification
	tr.Subscribe(notify.SubscriberFunc(func(n notify.Notification) error {
		if n.Kind == notify.Changed {
			changed = append(changed, n)
		}
		return nil
	}))

	err := tr.DropSSTables(func(d sstable.Descriptor, _ *sstable.Handle) bool {
		return d == d1
	}, "DROP")
	require.NoError(t, err)

	v := tr.CurrentView()
	_, gone := v.LiveSSTables[d1]
	require.False(t, gone)
	_, stillLive := v.LiveSSTables[d2]
	require.True(t, stillLive)

	require.Len(t, changed, 1)
	require.Len(t, changed[0].Removed, 1)
	require.Equal(t, d1, changed[0].Removed[0])
}

func TestDropSSTablesNoMatchIsNoopAndPublishesNothing(t *testing.T) {
	tr := newTestTracker(t)
	d, h := writeTestSSTable(t, tr.dataDir, 1)
	require.NoError(t, tr.AddInitialSSTables(map[sstable.Descriptor]*sstable.Handle{d: h}))

	var notified bool
	tr.Subscribe(notify.SubscriberFunc(func(n notify.Notification) error {
		notified = true
		return nil
	}))

	require.NoError(t, tr.DropSSTables(func(sstable.Descriptor, *sstable.Handle) bool { return false }, "DROP"))
	require.False(t, notified)

	_, stillLive := tr.CurrentView().LiveSSTables[d]
	require.True(t, stillLive)
}

func TestDropSSTablesSkipsClaimedSSTables(t *testing.T) {
	tr := newTestTracker(t)
	d, h := writeTestSSTable(t, tr.dataDir, 1)
	require.NoError(t, tr.AddInitialSSTables(map[sstable.Descriptor]*sstable.Handle{d: h}))

	tx, err := tr.TryModify([]sstable.Descriptor{d}, "COMPACTION")
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tr.DropSSTables(func(sstable.Descriptor, *sstable.Handle) bool { return true }, "DROP"))

	_, stillLive := tr.CurrentView().LiveSSTables[d]
	require.True(t, stillLive)
}

func TestUnloadSSTablesClearsLiveSetWithoutDeletingFiles(t *testing.T) {
	tr := newTestTracker(t)
	d, h := writeTestSSTable(t, tr.dataDir, 1)
	require.NoError(t, tr.AddInitialSSTables(map[sstable.Descriptor]*sstable.Handle{d: h}))

	require.NoError(t, tr.UnloadSSTables())

	v := tr.CurrentView()
	require.Empty(t, v.LiveSSTables)

	_, err := sstable.Open(d, h.BytesOnDisk(), sstable.KeyInterval{}, false)
	require.NoError(t, err, "file must still exist on disk after unload")
}

func TestRemoveUnreadableDropsOnlyMatchingDirectory(t *testing.T) {
	tr := newTestTracker(t)
	d, h := writeTestSSTable(t, tr.dataDir, 1)
	other, otherH := writeTestSSTable(t, tr.dataDir+"/other", 2)
	require.NoError(t, tr.AddInitialSSTables(map[sstable.Descriptor]*sstable.Handle{d: h, other: otherH}))

	require.NoError(t, tr.RemoveUnreadable(d.Directory))

	_, stillLive := tr.CurrentView().LiveSSTables[d]
	require.False(t, stillLive)
	_, otherLive := tr.CurrentView().LiveSSTables[other]
	require.True(t, otherLive)
}

func TestGetCurrentBufferReturnsAcceptingBuffer(t *testing.T) {
	tr := newTestTracker(t)
	buf := memtable.New(1, memtable.Position{}, 1<<20)
	_, err := tr.SwitchBuffer(false, buf)
	require.NoError(t, err)

	got, err := tr.GetCurrentBuffer(0, memtable.Position{})
	require.NoError(t, err)
	require.Same(t, buf, got)
}

func TestGetCurrentBufferErrorsWithNoLiveBuffer(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.GetCurrentBuffer(0, memtable.Position{})
	require.Error(t, err)
}

func TestPublishIsolatesSubscriberPanic(t *testing.T) {
	tr := newTestTracker(t)
	tr.Subscribe(notify.SubscriberFunc(func(notify.Notification) error {
		panic("boom")
	}))
	calledSecond := false
	tr.Subscribe(notify.SubscriberFunc(func(notify.Notification) error {
		calledSecond = true
		return nil
	}))

	chain := tr.Publish(notify.Notification{Kind: notify.Changed})
	require.Error(t, chain.MaybeFail())
	require.True(t, calledSecond)
}
