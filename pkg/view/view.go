// Package view implements the immutable per-table snapshot described in
// spec.md §3-§4.2: an ordered list of live write-buffers, the set of
// live sstables, the set of sstables under an active lifecycle
// transaction, and an interval index over sstable key ranges.
//
// Every constructor here returns a new View; existing Views are never
// mutated, which is what lets the Tracker publish them via a single
// atomic pointer swap (spec.md §4.1, §9 "snapshot-swap over locks").
package view

import (
	"sort"

	"github.com/dd0wney/tracktable/pkg/memtable"
	"github.com/dd0wney/tracktable/pkg/sstable"
)

// View is an immutable snapshot of a single table's live state.
type View struct {
	// LiveBuffers is ordered oldest-first; the last entry is the
	// current write target.
	LiveBuffers []*memtable.Buffer
	// FlushingBuffers holds buffers no longer accepting writes but not
	// yet replaced by replaceFlushed.
	FlushingBuffers map[*memtable.Buffer]struct{}
	// LiveSSTables holds every sstable presently readable, keyed by
	// descriptor.
	LiveSSTables map[sstable.Descriptor]*sstable.Handle
	// CompactingSSTables is the subset of LiveSSTables (or of outputs
	// staged for swap-in) claimed by an active Transaction.
	CompactingSSTables map[sstable.Descriptor]struct{}

	intervalIndex intervalIndex
}

// Empty returns the zero-value View a freshly created Tracker starts
// from: no buffers, no sstables.
func Empty() *View {
	return &View{
		LiveBuffers:        nil,
		FlushingBuffers:    map[*memtable.Buffer]struct{}{},
		LiveSSTables:       map[sstable.Descriptor]*sstable.Handle{},
		CompactingSSTables: map[sstable.Descriptor]struct{}{},
		intervalIndex:      nil,
	}
}

func cloneBufferSet(s map[*memtable.Buffer]struct{}) map[*memtable.Buffer]struct{} {
	out := make(map[*memtable.Buffer]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func cloneSSTableMap(m map[sstable.Descriptor]*sstable.Handle) map[sstable.Descriptor]*sstable.Handle {
	out := make(map[sstable.Descriptor]*sstable.Handle, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneDescriptorSet(s map[sstable.Descriptor]struct{}) map[sstable.Descriptor]struct{} {
	out := make(map[sstable.Descriptor]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// intervalIndex is a sorted-by-min-key spatial index over LiveSSTables,
// used for read-path pruning. It is rebuilt (not patched) on every live
// set change, which keeps View construction simple at the cost of an
// O(n log n) rebuild — acceptable since apply()'s transforms must stay
// cheap but live-set changes are comparatively rare next to reads.
type intervalIndex []indexEntry

type indexEntry struct {
	interval sstable.KeyInterval
	desc     sstable.Descriptor
}

func buildIntervalIndex(live map[sstable.Descriptor]*sstable.Handle) intervalIndex {
	idx := make(intervalIndex, 0, len(live))
	for d, h := range live {
		idx = append(idx, indexEntry{interval: h.KeyInterval(), desc: d})
	}
	sort.Slice(idx, func(i, j int) bool {
		return string(idx[i].interval.Min) < string(idx[j].interval.Min)
	})
	return idx
}

// Overlapping returns the descriptors of every live sstable whose key
// interval overlaps q.
func (v *View) Overlapping(q sstable.KeyInterval) []sstable.Descriptor {
	var out []sstable.Descriptor
	for _, e := range v.intervalIndex {
		if e.interval.Overlaps(q) {
			out = append(out, e.desc)
		}
	}
	return out
}

// UpdateLiveSet returns a new View with remove dropped from LiveSSTables
// and add inserted, rebuilding the interval index. It does not check
// that remove is a subset of the live set or that add is disjoint from
// it: removing an absent descriptor is a no-op, and adding one that is
// already live replaces its handle.
func (v *View) UpdateLiveSet(remove, add map[sstable.Descriptor]*sstable.Handle) *View {
	next := cloneSSTableMap(v.LiveSSTables)
	for d := range remove {
		delete(next, d)
	}
	for d, h := range add {
		next[d] = h
	}

	nv := v.shallowCopy()
	nv.LiveSSTables = next
	nv.intervalIndex = buildIntervalIndex(next)
	return nv
}

// UpdateCompacting returns a new View with remove dropped from
// CompactingSSTables and add inserted.
func (v *View) UpdateCompacting(remove, add map[sstable.Descriptor]struct{}) *View {
	next := cloneDescriptorSet(v.CompactingSSTables)
	for d := range remove {
		delete(next, d)
	}
	for d := range add {
		next[d] = struct{}{}
	}

	nv := v.shallowCopy()
	nv.CompactingSSTables = next
	return nv
}

// PermitCompacting reports whether none of xs are already claimed.
func (v *View) PermitCompacting(xs map[sstable.Descriptor]struct{}) bool {
	for d := range xs {
		if _, busy := v.CompactingSSTables[d]; busy {
			return false
		}
	}
	return true
}

// SwitchBuffer returns a new View with newBuffer appended to
// LiveBuffers.
func (v *View) SwitchBuffer(newBuffer *memtable.Buffer) *View {
	nv := v.shallowCopy()
	nv.LiveBuffers = append(append([]*memtable.Buffer{}, v.LiveBuffers...), newBuffer)
	return nv
}

// MarkFlushing returns a new View with b moved from the live-target role
// into FlushingBuffers. b itself transitions state via
// memtable.Buffer.MarkFlushing; this constructor only updates set
// membership in the View.
func (v *View) MarkFlushing(b *memtable.Buffer) *View {
	nv := v.shallowCopy()
	fb := cloneBufferSet(v.FlushingBuffers)
	fb[b] = struct{}{}
	nv.FlushingBuffers = fb
	return nv
}

// ReplaceFlushed returns a new View with b removed from both
// LiveBuffers and FlushingBuffers, and outputs inserted into
// LiveSSTables.
func (v *View) ReplaceFlushed(b *memtable.Buffer, outputs map[sstable.Descriptor]*sstable.Handle) *View {
	nv := v.shallowCopy()

	buffers := make([]*memtable.Buffer, 0, len(v.LiveBuffers))
	for _, lb := range v.LiveBuffers {
		if lb != b {
			buffers = append(buffers, lb)
		}
	}
	nv.LiveBuffers = buffers

	fb := cloneBufferSet(v.FlushingBuffers)
	delete(fb, b)
	nv.FlushingBuffers = fb

	sst := cloneSSTableMap(v.LiveSSTables)
	for d, h := range outputs {
		sst[d] = h
	}
	nv.LiveSSTables = sst
	nv.intervalIndex = buildIntervalIndex(sst)

	return nv
}

// CurrentBuffer returns the current write target: the last entry of
// LiveBuffers, or nil if there is none yet.
func (v *View) CurrentBuffer() *memtable.Buffer {
	if len(v.LiveBuffers) == 0 {
		return nil
	}
	return v.LiveBuffers[len(v.LiveBuffers)-1]
}

// TotalBytes sums BytesOnDisk across every live sstable.
func (v *View) TotalBytes() int64 {
	var total int64
	for _, h := range v.LiveSSTables {
		total += h.BytesOnDisk()
	}
	return total
}

func (v *View) shallowCopy() *View {
	return &View{
		LiveBuffers:        v.LiveBuffers,
		FlushingBuffers:    v.FlushingBuffers,
		LiveSSTables:       v.LiveSSTables,
		CompactingSSTables: v.CompactingSSTables,
		intervalIndex:      v.intervalIndex,
	}
}
