package sstable

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// KeyInterval is the inclusive [Min, Max] partition-key range an sstable
// covers, used by the tracker's interval index for read-path pruning.
// Key comparison is byte-lexicographic; the actual partitioner/ordering
// scheme is out of scope (spec.md §1 non-goals).
type KeyInterval struct {
	Min []byte
	Max []byte
}

// Overlaps reports whether two intervals share at least one key.
func (a KeyInterval) Overlaps(b KeyInterval) bool {
	return bytes.Compare(a.Min, b.Max) <= 0 && bytes.Compare(b.Min, a.Max) <= 0
}

// Handle is a reference-counted runtime handle to an immutable,
// on-disk sstable. The tracker's live set owns one strong reference;
// handing a Handle to a reader clones a reference; obsoletion releases
// the tracker's reference. The backing file is removed from disk only
// when the last reference drops (spec.md §3, §5 anti-dangling
// invariant).
type Handle struct {
	descriptor  Descriptor
	bytesOnDisk int64
	interval    KeyInterval
	repaired    atomic.Bool

	refs    *int64 // shared refcount, pointer so clones share state
	reader  *mmap.ReaderAt
	deleted *atomic.Bool // shared obsolete flag, pointer so clones share state
}

// Open memory-maps the data component named by d and returns a Handle
// holding one reference. size and interval describe metadata the
// tracker already knows (from a flush/compaction result or from the
// obsoletion log); they are not derived from the file's content, since
// sstable encoding is out of scope.
func Open(d Descriptor, size int64, interval KeyInterval, repaired bool) (*Handle, error) {
	path := d.Path()
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	refs := int64(1)
	h := &Handle{
		descriptor:  d,
		bytesOnDisk: size,
		interval:    interval,
		reader:      reader,
		refs:        &refs,
		deleted:     new(atomic.Bool),
	}
	h.repaired.Store(repaired)
	return h, nil
}

// Descriptor returns the sstable's identity.
func (h *Handle) Descriptor() Descriptor { return h.descriptor }

// BytesOnDisk returns the approximate size of this sstable on disk.
func (h *Handle) BytesOnDisk() int64 { return h.bytesOnDisk }

// KeyInterval returns the covered key range.
func (h *Handle) KeyInterval() KeyInterval { return h.interval }

// Repaired reports the sstable's current repaired-status.
func (h *Handle) Repaired() bool { return h.repaired.Load() }

// SetRepaired updates the repaired-status in place; callers that change
// it are expected to publish a repair-status-changed notification.
func (h *Handle) SetRepaired(v bool) { h.repaired.Store(v) }

// Clone returns a new Handle sharing the same backing file and refcount,
// incrementing it by one. Every clone must eventually be Closed.
func (h *Handle) Clone() *Handle {
	atomic.AddInt64(h.refs, 1)
	clone := &Handle{
		descriptor:  h.descriptor,
		bytesOnDisk: h.bytesOnDisk,
		interval:    h.interval,
		reader:      h.reader,
		refs:        h.refs,
		deleted:     h.deleted,
	}
	clone.repaired.Store(h.repaired.Load())
	return clone
}

// Close releases this reference. When the last reference drops, the
// mmap is unmapped and, if MarkObsolete was called on any clone, the
// backing file is removed from disk.
func (h *Handle) Close() error {
	if atomic.AddInt64(h.refs, -1) > 0 {
		return nil
	}
	err := h.reader.Close()
	if h.deleted.Load() {
		if rmErr := os.Remove(h.descriptor.Path()); rmErr != nil && !os.IsNotExist(rmErr) {
			if err == nil {
				err = rmErr
			}
		}
	}
	return err
}

// MarkObsolete flags this sstable for physical deletion once the last
// reference (across all clones) is closed. It does not delete anything
// itself — deletion is ordered after reference-drop per spec.md §5.
func (h *Handle) MarkObsolete() {
	h.deleted.Store(true)
}

// ReadAt exposes the memory-mapped reader for verification tooling; the
// tracker itself never interprets sstable content.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.reader.ReadAt(p, off)
}

// Size returns the mmap'd file length, independent of the caller-supplied
// BytesOnDisk (which may reflect compressed-on-disk size in a real
// encoding; out of scope here, so the two usually agree).
func (h *Handle) Size() int64 {
	return h.reader.Len()
}
