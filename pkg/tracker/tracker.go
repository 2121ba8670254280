// Package tracker implements the Tracker (spec.md §4.1): the central
// per-table coordinator holding a single atomically-swappable *view.View
// and exposing every write-path operation as a pure transform applied
// through one CAS primitive, publishing notifications of what changed.
//
// Grounded on the teacher's pkg/lsm LSM engine's buffer/sstable
// lifecycle (switchBuffer/markFlushing/replaceFlushed are a direct
// generalization of its flush path) combined with the
// claim-before-compact pattern from pkg/lsm compaction.go, replacing
// per-field mutexes with the single atomic.Pointer[View] swap described
// in spec.md §9.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/dd0wney/tracktable/internal/config"
	"github.com/dd0wney/tracktable/internal/fault"
	"github.com/dd0wney/tracktable/internal/metrics"
	"github.com/dd0wney/tracktable/internal/obslog"
	"github.com/dd0wney/tracktable/pkg/backup"
	"github.com/dd0wney/tracktable/pkg/memtable"
	"github.com/dd0wney/tracktable/pkg/notify"
	"github.com/dd0wney/tracktable/pkg/obsolog"
	"github.com/dd0wney/tracktable/pkg/schema"
	"github.com/dd0wney/tracktable/pkg/sstable"
	"github.com/dd0wney/tracktable/pkg/txn"
	"github.com/dd0wney/tracktable/pkg/view"
)

var (
	errContention        = errors.New("tracker: requested sstables already claimed")
	errUnknownSSTable    = errors.New("tracker: requested sstable is not in the live set")
	errNoAcceptingBuffer = errors.New("tracker: no live buffer accepts this write")
)

// Tracker is the per-table coordinator. The zero value is not usable;
// construct with New.
type Tracker struct {
	keyspace string
	table    string
	dataDir  string
	obsoDir  string

	current atomic.Pointer[view.View]

	subscribers notify.List

	metrics *metrics.Registry
	logger  obslog.Logger
	schema  schema.Source
	backup  backup.Backup
}

// New creates a Tracker starting from an empty View. schemaSource and
// backupImpl may be nil to take schema.AlwaysValid{} and backup.None{}.
// logger and metricsReg may be nil to take a no-op logger and the
// process-wide metrics registry.
func New(cfg config.Engine, logger obslog.Logger, metricsReg *metrics.Registry, schemaSource schema.Source, backupImpl backup.Backup) *Tracker {
	if logger == nil {
		logger = obslog.Nop{}
	}
	if metricsReg == nil {
		metricsReg = metrics.Default()
	}
	if schemaSource == nil {
		schemaSource = schema.AlwaysValid{}
	}
	if backupImpl == nil {
		backupImpl = backup.None{}
	}

	t := &Tracker{
		keyspace: cfg.Keyspace,
		table:    cfg.Table,
		dataDir:  cfg.DataDirectory,
		obsoDir:  filepath.Join(cfg.DataDirectory, "obsolete"),
		metrics:  metricsReg,
		logger:   logger.With(obslog.String("keyspace", cfg.Keyspace), obslog.String("table", cfg.Table)),
		schema:   schemaSource,
		backup:   backupImpl,
	}
	t.current.Store(view.Empty())
	return t
}

// CurrentView returns the currently published snapshot. Readers sample
// it once and operate on that snapshot without further coordination
// (spec.md §5).
func (t *Tracker) CurrentView() *view.View {
	return t.current.Load()
}

// ObsoletionDir returns the directory obsoletion logs are written to,
// satisfying txn.TrackerPort.
func (t *Tracker) ObsoletionDir() string { return t.obsoDir }

// Subscribe registers s to receive every future notification.
func (t *Tracker) Subscribe(s notify.Subscriber) {
	t.subscribers.Add(s)
}

// Apply is the CAS primitive every other operation is built from
// (spec.md §4.1): it reads the current View, checks permit (if any)
// against it, computes transform(current), and attempts to install the
// result. It retries on lost races and fails fast (Contention) if
// permit rejects the current View — it never blocks.
func (t *Tracker) Apply(permit map[sstable.Descriptor]struct{}, transform func(*view.View) *view.View) (*view.View, error) {
	for {
		t.metrics.CASAttemptsTotal.Inc()
		cur := t.current.Load()

		if permit != nil && !cur.PermitCompacting(permit) {
			t.metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
			return nil, fault.New(fault.Contention, "tracker: apply", errContention)
		}

		next := transform(cur)
		if t.current.CompareAndSwap(cur, next) {
			if permit != nil {
				t.metrics.ClaimsTotal.WithLabelValues("granted").Inc()
			}
			return next, nil
		}
		t.metrics.CASRetriesTotal.Inc()
	}
}

// Publish delivers n to every current subscriber. Each subscriber call
// is isolated: a returned error or a recovered panic is accumulated
// into the returned chain rather than stopping delivery to the rest
// (spec.md §4.1, §7).
func (t *Tracker) Publish(n notify.Notification) *fault.Chain {
	chain := &fault.Chain{}
	for _, sub := range t.subscribers.Subscribers() {
		t.deliver(sub, n, chain)
	}
	return chain
}

func (t *Tracker) deliver(sub notify.Subscriber, n notify.Notification, chain *fault.Chain) {
	defer func() {
		if r := recover(); r != nil {
			t.metrics.NotificationFaultsTotal.Inc()
			chain.Add(fault.SubscriberFault, "tracker: subscriber panicked", fmt.Errorf("%v", r))
		}
	}()
	if err := sub.Notify(n); err != nil {
		t.metrics.NotificationFaultsTotal.Inc()
		chain.Add(fault.SubscriberFault, "tracker: subscriber returned error", err)
	}
}

func (t *Tracker) refreshGauges() {
	v := t.current.Load()
	t.metrics.SSTablesLiveGauge.Set(float64(len(v.LiveSSTables)))
	t.metrics.BytesLiveGauge.Set(float64(v.TotalBytes()))
}

func descriptorsOf(m map[sstable.Descriptor]*sstable.Handle) []sstable.Descriptor {
	out := make([]sstable.Descriptor, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	return out
}

// TryModify claims sstables (which may be empty) for an exclusive
// operation tagged opKind and returns a Transaction scoping it.
// An sstable that is not currently live fails with an Invariant fault;
// one already claimed fails with a Contention fault. Both fail
// immediately — tryModify never blocks (spec.md §4.1, §5).
func (t *Tracker) TryModify(sstables []sstable.Descriptor, opKind string) (*txn.Transaction, error) {
	cur := t.current.Load()
	originals := make(map[sstable.Descriptor]*sstable.Handle, len(sstables))
	for _, d := range sstables {
		h, ok := cur.LiveSSTables[d]
		if !ok {
			return nil, fault.New(fault.Invariant, "tracker: tryModify", errUnknownSSTable)
		}
		originals[d] = h
	}
	return txn.New(t, opKind, originals)
}

// GetCurrentBuffer returns the oldest live buffer that accepts a write
// ordered at (opGroup, pos). No accepting buffer is an invariant
// violation: every tracker with at least one live buffer must have one
// that accepts writes at or after its own minimum position.
func (t *Tracker) GetCurrentBuffer(opGroup uint64, pos memtable.Position) (*memtable.Buffer, error) {
	cur := t.current.Load()
	for _, b := range cur.LiveBuffers {
		if b.Accepts(opGroup, pos) {
			return b, nil
		}
	}
	return nil, fault.New(fault.Invariant, "tracker: getCurrentBuffer", errNoAcceptingBuffer)
}

// SwitchBuffer atomically appends newBuffer to the live list and
// returns the previous current buffer (nil if there was none).
// Publishes BufferRenewed if truncating, else BufferSwitched.
func (t *Tracker) SwitchBuffer(truncating bool, newBuffer *memtable.Buffer) (*memtable.Buffer, error) {
	var previous *memtable.Buffer
	_, err := t.Apply(nil, func(v *view.View) *view.View {
		previous = v.CurrentBuffer()
		return v.SwitchBuffer(newBuffer)
	})
	if err != nil {
		return nil, err
	}

	kind := notify.BufferSwitched
	if truncating {
		kind = notify.BufferRenewed
	}
	chain := t.Publish(notify.Notification{Kind: kind, Buffer: newBuffer})
	return previous, chain.MaybeFail()
}

// MarkFlushing transitions buffer out of the live-target role, both on
// the buffer itself and in the published View's FlushingBuffers set.
func (t *Tracker) MarkFlushing(buffer *memtable.Buffer) error {
	buffer.MarkFlushing()
	_, err := t.Apply(nil, func(v *view.View) *view.View {
		return v.MarkFlushing(buffer)
	})
	return err
}

// ReplaceFlushed atomically removes buffer from the flushing set and
// inserts outputs into the live set, updates size gauges, and publishes
// Added (if outputs is non-empty) followed by BufferDiscarded.
func (t *Tracker) ReplaceFlushed(buffer *memtable.Buffer, outputs map[sstable.Descriptor]*sstable.Handle, opID string) error {
	_, err := t.Apply(nil, func(v *view.View) *view.View {
		return v.ReplaceFlushed(buffer, outputs)
	})
	if err != nil {
		return err
	}
	t.refreshGauges()
	t.metrics.FlushTotal.Inc()

	chain := &fault.Chain{}
	if len(outputs) > 0 {
		pc := t.Publish(notify.Notification{
			Kind:   notify.Added,
			Added:  descriptorsOf(outputs),
			OpKind: "FLUSH",
			OpID:   opID,
		})
		if e := pc.MaybeFail(); e != nil {
			chain.Add(fault.SubscriberFault, "tracker: publish added", e)
		}
	}

	pc := t.Publish(notify.Notification{Kind: notify.BufferDiscarded, Buffer: buffer, OpKind: "FLUSH", OpID: opID})
	if e := pc.MaybeFail(); e != nil {
		chain.Add(fault.SubscriberFault, "tracker: publish discarded", e)
	}
	return chain.MaybeFail()
}

// AddInitialSSTables bulk-inserts sstables discovered at startup: no
// incremental backup, publishes InitialAdded.
func (t *Tracker) AddInitialSSTables(sstables map[sstable.Descriptor]*sstable.Handle) error {
	_, err := t.Apply(nil, func(v *view.View) *view.View {
		return v.UpdateLiveSet(nil, sstables)
	})
	if err != nil {
		return err
	}
	t.refreshGauges()
	t.metrics.SSTablesAddedTotal.Add(float64(len(sstables)))

	chain := t.Publish(notify.Notification{Kind: notify.InitialAdded, Added: descriptorsOf(sstables)})
	return chain.MaybeFail()
}

// AddSSTables inserts sstables into the live set, best-effort mirrors
// them via the configured incremental backup, and publishes Added.
func (t *Tracker) AddSSTables(ctx context.Context, sstables map[sstable.Descriptor]*sstable.Handle, op string) error {
	_, err := t.Apply(nil, func(v *view.View) *view.View {
		return v.UpdateLiveSet(nil, sstables)
	})
	if err != nil {
		return err
	}
	t.refreshGauges()
	t.metrics.SSTablesAddedTotal.Add(float64(len(sstables)))

	for d, h := range sstables {
		if berr := t.backup.BackupSSTable(ctx, h); berr != nil {
			t.logger.Warn("incremental backup failed",
				obslog.String("sstable", d.Filename()), obslog.Err(berr))
		}
	}

	chain := &fault.Chain{}
	pc := t.Publish(notify.Notification{Kind: notify.Added, Added: descriptorsOf(sstables), OpKind: op})
	if e := pc.MaybeFail(); e != nil {
		chain.Add(fault.SubscriberFault, "tracker: publish added", e)
	}
	return chain.MaybeFail()
}

// DropSSTables implements the drop protocol (spec.md §4.1): for every
// live, non-compacting sstable matching predicate, it stages
// obsoletion in a durable log, commits the log, marks the sstables
// obsolete (deleting their files once the last reference drops),
// releases the tracker's own references, and publishes Changed.
//
// A failure between opening the log and committing it aborts the
// obsoletion: if the owning table still has a valid schema entry, the
// sstables are restored to the live set; otherwise they are treated as
// already gone and Changed is still published, so a downstream catalog
// converges even though the log itself never reached committed. This
// resolves spec.md §9's open question on abort-vs-notification
// ordering: notification always follows the tracker's own view of
// truth, not the log's.
func (t *Tracker) DropSSTables(predicate func(sstable.Descriptor, *sstable.Handle) bool, op string) error {
	logFile, err := obsolog.New(t.obsoDir, op)
	if err != nil {
		return fault.New(fault.IO, "tracker: dropSSTables open log", err)
	}

	var removed map[sstable.Descriptor]*sstable.Handle
	_, err = t.Apply(nil, func(v *view.View) *view.View {
		removed = make(map[sstable.Descriptor]*sstable.Handle)
		for d, h := range v.LiveSSTables {
			if _, busy := v.CompactingSSTables[d]; busy {
				continue
			}
			if predicate(d, h) {
				removed[d] = h
			}
		}
		if len(removed) == 0 {
			return v
		}
		return v.UpdateLiveSet(removed, nil)
	})
	if err != nil {
		_ = logFile.Abort()
		return err
	}
	if len(removed) == 0 {
		_ = logFile.Abort()
		return nil
	}

	for d := range removed {
		if rerr := logFile.RecordRemove(d); rerr != nil {
			return t.recoverFailedDrop(removed, op, logFile, fault.New(fault.IO, "tracker: record drop", rerr))
		}
	}
	if cerr := logFile.Commit(); cerr != nil {
		return t.recoverFailedDrop(removed, op, logFile, fault.New(fault.ObsoletionFailed, "tracker: commit drop log", cerr))
	}

	chain := &fault.Chain{}
	for d, h := range removed {
		h.MarkObsolete()
		if cerr := h.Close(); cerr != nil {
			chain.Add(fault.IO, fmt.Sprintf("tracker: close dropped %s", d.Filename()), cerr)
		}
	}
	t.refreshGauges()
	t.metrics.DropTotal.Inc()

	pc := t.Publish(notify.Notification{Kind: notify.Changed, Removed: descriptorsOf(removed), OpKind: op, OpID: logFile.ID().String()})
	if e := pc.MaybeFail(); e != nil {
		chain.Add(fault.SubscriberFault, "tracker: publish changed", e)
	}
	if rerr := logFile.Remove(); rerr != nil {
		chain.Add(fault.IO, fmt.Sprintf("tracker: remove drop log %s", logFile.Path()), rerr)
	}
	return chain.MaybeFail()
}

func (t *Tracker) recoverFailedDrop(removed map[sstable.Descriptor]*sstable.Handle, op string, logFile *obsolog.Log, cause error) error {
	chain := &fault.Chain{}
	chain.Add(fault.ObsoletionFailed, "tracker: drop commit failed", cause)

	valid, verr := t.schema.IsValid(context.Background(), t.keyspace, t.table)
	if verr != nil {
		chain.Add(fault.IO, "tracker: schema validity check", verr)
	}

	if valid {
		if _, aerr := t.Apply(nil, func(v *view.View) *view.View {
			return v.UpdateLiveSet(nil, removed)
		}); aerr != nil {
			chain.Add(fault.Invariant, "tracker: restore after failed drop", aerr)
		}
	} else {
		for d, h := range removed {
			h.MarkObsolete()
			if cerr := h.Close(); cerr != nil {
				chain.Add(fault.IO, fmt.Sprintf("tracker: close dropped %s", d.Filename()), cerr)
			}
		}
		t.refreshGauges()
		pc := t.Publish(notify.Notification{Kind: notify.Changed, Removed: descriptorsOf(removed), OpKind: op, OpID: logFile.ID().String()})
		if e := pc.MaybeFail(); e != nil {
			chain.Add(fault.SubscriberFault, "tracker: publish changed after invalid-table drop failure", e)
		}
	}

	_ = logFile.Abort()
	return chain.MaybeFail()
}

// UnloadSSTables removes every live, non-compacting sstable from the
// View without deleting its backing file: the tracker's own reference
// is released, but MarkObsolete is never called.
func (t *Tracker) UnloadSSTables() error {
	var removed map[sstable.Descriptor]*sstable.Handle
	_, err := t.Apply(nil, func(v *view.View) *view.View {
		removed = make(map[sstable.Descriptor]*sstable.Handle)
		for d, h := range v.LiveSSTables {
			if _, busy := v.CompactingSSTables[d]; busy {
				continue
			}
			removed[d] = h
		}
		if len(removed) == 0 {
			return v
		}
		return v.UpdateLiveSet(removed, nil)
	})
	if err != nil {
		return err
	}
	for _, h := range removed {
		_ = h.Close()
	}
	t.refreshGauges()
	return nil
}

// RemoveUnreadable implements diskerror.DropRequester: it drops every
// sstable whose directory matches the one the disk-error policy marked
// unreadable.
func (t *Tracker) RemoveUnreadable(directory string) error {
	return t.DropSSTables(func(d sstable.Descriptor, _ *sstable.Handle) bool {
		return d.Directory == directory
	}, "REMOVE_UNREADABLE")
}

// RecoverObsoletionLogs scans the obsoletion directory for logs left
// behind by a prior crash and applies spec.md §4.4's recovery rule to
// each. Call once at startup, before serving any writes.
func (t *Tracker) RecoverObsoletionLogs() error {
	recs, err := obsolog.Recover(t.obsoDir)
	if err != nil {
		return fault.New(fault.IO, "tracker: scan obsoletion logs", err)
	}
	for _, rec := range recs {
		if aerr := obsolog.ApplyRecovery(rec); aerr != nil {
			return fault.New(fault.IO, "tracker: apply obsoletion recovery", aerr)
		}
	}
	return nil
}
