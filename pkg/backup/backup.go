// Package backup implements the "incremental backup" step of the
// Tracker's addSSTables operation (spec.md §4.1): a best-effort mirror
// of newly-added sstable descriptors to a remote store, so a later
// restore has a copy independent of the local disk.
package backup

import (
	"context"

	"github.com/dd0wney/tracktable/pkg/sstable"
)

// Backup receives sstables as they are added to the live set via
// addSSTables. Failures are logged by the caller but never fail the
// addSSTables call itself — incremental backup is best-effort.
type Backup interface {
	BackupSSTable(ctx context.Context, h *sstable.Handle) error
}

// None is the default no-op backup used when no remote store is
// configured.
type None struct{}

func (None) BackupSSTable(context.Context, *sstable.Handle) error { return nil }
