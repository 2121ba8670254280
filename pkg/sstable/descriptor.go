// Package sstable models the on-disk identity of an sstable (Descriptor)
// and the reference-counted runtime handle to an immutable sstable
// (Handle) that the tracker's View owns a strong reference to.
//
// The sstable's own content, index and compression formats are out of
// scope (spec.md §1 non-goals); Handle exposes only what the tracker
// needs: descriptor, byte size, covered key interval and repaired status.
package sstable

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Descriptor identifies an sstable on disk: directory, keyspace, table,
// generation id and format tag, plus the optional component suffix of
// one particular file belonging to that sstable (spec.md §6).
type Descriptor struct {
	Directory  string // e.g. /data/ks/cf-1a2b3c4d
	Keyspace   string
	Table      string
	TableID    string // the <id> suffix of the cf-<id> directory component
	Generation uint64
	Format     string // format tag, e.g. "big"
	Component  string // e.g. "Data", "Index", "Summary", "Filter", "Statistics", "CompressionInfo"
	Snapshot   string // non-empty if this descriptor lives under snapshots/<name>/
	Backup     bool   // true if this descriptor lives under backups/
}

var filenamePattern = regexp.MustCompile(`^(\d+)-([A-Za-z0-9]+)-([A-Za-z0-9]+)\.db$`)
var tableDirPattern = regexp.MustCompile(`^(.+)-([0-9a-fA-F]+)$`)

// Filename renders the canonical "<genId>-<format>-<component>.db" form.
func (d Descriptor) Filename() string {
	return fmt.Sprintf("%d-%s-%s.db", d.Generation, d.Format, d.Component)
}

// Path renders the full on-disk path for this descriptor's file,
// accounting for an optional snapshot or backup subdirectory.
func (d Descriptor) Path() string {
	dir := d.Directory
	if d.Snapshot != "" {
		dir = filepath.Join(dir, "snapshots", d.Snapshot)
	} else if d.Backup {
		dir = filepath.Join(dir, "backups")
	}
	return filepath.Join(dir, d.Filename())
}

// BaseDescriptor returns a copy identifying the same sstable but with no
// particular component selected; used as a map key for "all components
// of this generation" grouping.
func (d Descriptor) BaseDescriptor() Descriptor {
	d.Component = ""
	return d
}

// ParseDescriptor parses a full file path into a Descriptor, rejecting
// any path that does not match the grammar. It must round-trip:
// ParseDescriptor(d.Path()) == d for every Descriptor d this package
// produces.
func ParseDescriptor(path string) (Descriptor, error) {
	dir, base := filepath.Split(filepath.Clean(path))
	dir = strings.TrimSuffix(dir, string(filepath.Separator))

	m := filenamePattern.FindStringSubmatch(base)
	if m == nil {
		return Descriptor{}, fmt.Errorf("sstable: %q does not match filename grammar <gen>-<format>-<component>.db", base)
	}

	gen, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return Descriptor{}, fmt.Errorf("sstable: invalid generation in %q: %w", base, err)
	}

	d := Descriptor{
		Generation: gen,
		Format:     m[2],
		Component:  m[3],
	}

	// Peel off backups/ or snapshots/<name>/ if present.
	tableDir := dir
	parent, last := filepath.Split(dir)
	parent = strings.TrimSuffix(parent, string(filepath.Separator))
	switch {
	case last == "backups":
		d.Backup = true
		tableDir = parent
	default:
		// snapshots/<name>/ is two levels: .../snapshots/<name>
		grandparent, midLast := filepath.Split(parent)
		grandparent = strings.TrimSuffix(grandparent, string(filepath.Separator))
		if midLast == "snapshots" {
			d.Snapshot = last
			tableDir = grandparent
		}
	}

	d.Directory = tableDir

	cfParent, cfDir := filepath.Split(tableDir)
	cfParent = strings.TrimSuffix(cfParent, string(filepath.Separator))
	tm := tableDirPattern.FindStringSubmatch(cfDir)
	if tm == nil {
		return Descriptor{}, fmt.Errorf("sstable: directory %q does not match <table>-<id> grammar", cfDir)
	}
	d.Table = tm[1]
	d.TableID = tm[2]

	_, ks := filepath.Split(cfParent)
	d.Keyspace = ks

	return d, nil
}
