// Package txn implements the Lifecycle Transaction (spec.md §4.3): a
// scoped claim over a mutually-exclusive set of sstables that stages
// replacement outputs and then commits (swap originals out, staged in)
// or aborts (release the claim, discard staged outputs), guaranteeing
// exactly one of the two happens on every exit path.
//
// TrackerPort is declared here, not in pkg/tracker, so this package
// never imports the tracker: *tracker.Tracker satisfies it structurally.
// Grounded on the teacher's pkg/lsm compaction.go claim/release-on-every-path
// shape, made explicit and crash-safe via an obsoletion log.
package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dd0wney/tracktable/internal/fault"
	"github.com/dd0wney/tracktable/pkg/notify"
	"github.com/dd0wney/tracktable/pkg/obsolog"
	"github.com/dd0wney/tracktable/pkg/sstable"
	"github.com/dd0wney/tracktable/pkg/view"
)

var (
	errUpdateAfterDone  = errors.New("txn: update called after commit or abort")
	errCommitAfterAbort = errors.New("txn: commit called on an aborted transaction")
	errAbortAfterCommit = errors.New("txn: abort called on a committed transaction")
)

// TrackerPort is the slice of Tracker behavior a Transaction needs:
// apply a CAS-guarded view transform and publish a notification to
// subscribers, accumulating any subscriber faults.
type TrackerPort interface {
	Apply(permit map[sstable.Descriptor]struct{}, transform func(*view.View) *view.View) (*view.View, error)
	Publish(n notify.Notification) *fault.Chain
	ObsoletionDir() string
}

// Transaction is one claim-stage-commit-or-abort cycle over originals.
// The zero value is not usable; construct with New.
type Transaction struct {
	mu sync.Mutex

	id     uuid.UUID
	opKind string
	port   TrackerPort

	originals map[sstable.Descriptor]*sstable.Handle
	staged    map[sstable.Descriptor]*sstable.Handle

	log *obsolog.Log

	committed bool
	aborted   bool
}

// New claims originals (via port.Apply, which fails with a Contention
// fault if any are already claimed) and opens a fresh obsoletion log
// recording them as the set that will be obsoleted on commit.
func New(port TrackerPort, opKind string, originals map[sstable.Descriptor]*sstable.Handle) (*Transaction, error) {
	permit := make(map[sstable.Descriptor]struct{}, len(originals))
	for d := range originals {
		permit[d] = struct{}{}
	}

	if _, err := port.Apply(permit, func(v *view.View) *view.View {
		return v.UpdateCompacting(nil, permit)
	}); err != nil {
		return nil, err
	}

	logFile, err := obsolog.New(port.ObsoletionDir(), opKind)
	if err != nil {
		return nil, fault.New(fault.IO, "txn: open obsoletion log", err)
	}
	for d := range originals {
		if err := logFile.RecordRemove(d); err != nil {
			return nil, fault.New(fault.IO, "txn: record original", err)
		}
	}

	return &Transaction{
		id:        logFile.ID(),
		opKind:    opKind,
		port:      port,
		originals: originals,
		staged:    make(map[sstable.Descriptor]*sstable.Handle),
		log:       logFile,
	}, nil
}

// ID returns the transaction's identity, shared with its obsoletion
// log file name.
func (t *Transaction) ID() uuid.UUID { return t.id }

// Update stages one replacement output. Valid only before Commit or
// Abort has been called.
func (t *Transaction) Update(d sstable.Descriptor, h *sstable.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.aborted {
		return fault.New(fault.Invariant, "txn: update", errUpdateAfterDone)
	}
	if err := t.log.RecordAdd(d); err != nil {
		return fault.New(fault.IO, "txn: record staged output", err)
	}
	t.staged[d] = h
	return nil
}

// UpdateAll stages a batch of replacement outputs in one call.
func (t *Transaction) UpdateAll(outputs map[sstable.Descriptor]*sstable.Handle) error {
	for d, h := range outputs {
		if err := t.Update(d, h); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint fsyncs the obsoletion log's progress so far without
// changing commit state, for use between large staging batches.
func (t *Transaction) Checkpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.log.Checkpoint(); err != nil {
		return fault.New(fault.IO, "txn: checkpoint", err)
	}
	return nil
}

// Commit writes the obsoletion log's COMMITTED marker, swaps originals
// out and staged outputs in via the tracker's CAS apply, marks the
// originals obsolete and releases their references, publishes a Changed
// notification, then removes the now-useless obsoletion log. Idempotent: a second call is
// a no-op returning nil.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return nil
	}
	if t.aborted {
		return fault.New(fault.Invariant, "txn: commit", errCommitAfterAbort)
	}

	if err := t.log.Commit(); err != nil {
		return fault.New(fault.ObsoletionFailed, "txn: commit obsoletion log", err)
	}

	permit := make(map[sstable.Descriptor]struct{}, len(t.originals))
	for d := range t.originals {
		permit[d] = struct{}{}
	}

	_, err := t.port.Apply(nil, func(v *view.View) *view.View {
		nv := v.UpdateLiveSet(t.originals, t.staged)
		return nv.UpdateCompacting(permit, nil)
	})
	if err != nil {
		return fault.New(fault.Invariant, "txn: apply commit swap", err)
	}
	t.committed = true

	chain := &fault.Chain{}
	for d, h := range t.originals {
		h.MarkObsolete()
		if cerr := h.Close(); cerr != nil {
			chain.Add(fault.IO, fmt.Sprintf("txn: close original %s", d.Filename()), cerr)
		}
	}

	added := make([]sstable.Descriptor, 0, len(t.staged))
	for d := range t.staged {
		added = append(added, d)
	}
	removed := make([]sstable.Descriptor, 0, len(t.originals))
	for d := range t.originals {
		removed = append(removed, d)
	}

	pubChain := t.port.Publish(notify.Notification{
		Kind:    notify.Changed,
		Added:   added,
		Removed: removed,
		OpKind:  t.opKind,
		OpID:    t.id.String(),
	})
	if pubErr := pubChain.MaybeFail(); pubErr != nil {
		chain.Add(fault.SubscriberFault, "txn: publish", pubErr)
	}

	if err := t.log.Remove(); err != nil {
		chain.Add(fault.IO, fmt.Sprintf("txn: remove obsoletion log %s", t.log.Path()), err)
	}

	return chain.MaybeFail()
}

// Abort releases the claim on originals (the live set is untouched),
// discards every staged output, and writes the obsoletion log's
// ABORTED marker. Idempotent: a second call is a no-op returning nil.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return nil
	}
	if t.committed {
		return fault.New(fault.Invariant, "txn: abort", errAbortAfterCommit)
	}

	permit := make(map[sstable.Descriptor]struct{}, len(t.originals))
	for d := range t.originals {
		permit[d] = struct{}{}
	}
	if _, err := t.port.Apply(nil, func(v *view.View) *view.View {
		return v.UpdateCompacting(permit, nil)
	}); err != nil {
		return fault.New(fault.Invariant, "txn: apply abort release", err)
	}

	for _, h := range t.staged {
		h.MarkObsolete()
		_ = h.Close()
	}

	if err := t.log.Abort(); err != nil {
		return fault.New(fault.ObsoletionFailed, "txn: abort obsoletion log", err)
	}
	t.aborted = true
	return nil
}

// Close guarantees commit-or-abort on every exit path: if neither
// Commit nor Abort has run yet, it aborts. Intended for `defer
// txn.Close()` immediately after New succeeds.
func (t *Transaction) Close() error {
	t.mu.Lock()
	done := t.committed || t.aborted
	t.mu.Unlock()
	if done {
		return nil
	}
	return t.Abort()
}
