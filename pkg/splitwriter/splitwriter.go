// Package splitwriter implements the Split-Writer Helper (spec.md
// §4.7): during compaction, a single logical output is divided into
// several physical sstables of geometrically shrinking target size, so
// one compaction doesn't produce one huge file that then dominates the
// next round's size tiers.
//
// Grounded on the teacher's pkg/lsm compaction.go size-based batching:
// the same "keep splitting output while remaining input is large"
// shape, generalized into an explicit, reusable size schedule.
package splitwriter

import "github.com/dd0wney/tracktable/internal/config"

// Schedule is the precomputed sequence of target output sizes (bytes)
// for one compaction's outputs: totalSize/2, totalSize/4, totalSize/8,
// ... until the next step would fall below floorBytes, at which point
// the remainder is emitted as one final output.
type Schedule struct {
	targets []int64
	floor   int64
}

// New computes the geometric schedule for a compaction whose inputs
// sum to totalSize bytes. floorBytes is the minimum output size below
// which splitting stops; zero or negative takes
// config.DefaultSplitWriterFloorBytes.
func New(totalSize int64, floorBytes int64) Schedule {
	if floorBytes <= 0 {
		floorBytes = config.DefaultSplitWriterFloorBytes
	}
	if totalSize <= 0 {
		return Schedule{floor: floorBytes}
	}

	var targets []int64
	remaining := totalSize
	next := totalSize / 2
	for next >= floorBytes && remaining > 0 {
		if next > remaining {
			next = remaining
		}
		targets = append(targets, next)
		remaining -= next
		next /= 2
	}
	if remaining > 0 {
		targets = append(targets, remaining)
	}
	return Schedule{targets: targets, floor: floorBytes}
}

// Targets returns the target size of each output in order. The sum of
// Targets equals the totalSize passed to New (modulo integer
// truncation absorbed into the final element).
func (s Schedule) Targets() []int64 {
	return append([]int64(nil), s.targets...)
}

// Floor returns the configured minimum output size.
func (s Schedule) Floor() int64 { return s.floor }

// Len returns the number of outputs this schedule produces.
func (s Schedule) Len() int { return len(s.targets) }

// EstimatedKeysPerOutput distributes totalKeys across the schedule's
// outputs in proportion to their target sizes, so each physical
// sstable gets a key-count estimate consistent with its byte budget.
// The last element absorbs any rounding remainder.
func (s Schedule) EstimatedKeysPerOutput(totalKeys int64) []int64 {
	if len(s.targets) == 0 || totalKeys <= 0 {
		return nil
	}
	var totalBytes int64
	for _, t := range s.targets {
		totalBytes += t
	}
	if totalBytes == 0 {
		return nil
	}

	out := make([]int64, len(s.targets))
	var assigned int64
	for i, t := range s.targets {
		if i == len(s.targets)-1 {
			out[i] = totalKeys - assigned
			break
		}
		out[i] = totalKeys * t / totalBytes
		assigned += out[i]
	}
	return out
}
