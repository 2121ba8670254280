// Package obsolog implements the Obsoletion Log (spec.md §4.4): a
// write-ahead record of "these descriptors are being replaced by those
// descriptors" that survives a process crash so a partially-completed
// swap is reconciled on restart.
//
// Grounded on the teacher's pkg/wal fsync discipline (buffered writer,
// explicit Flush+Sync before the caller is told the write is durable).
package obsolog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dd0wney/tracktable/pkg/sstable"
)

// State is one of the log's three lifecycle states (spec.md §4.4).
type State int

const (
	Prepared State = iota
	Committed
	Aborted
)

const (
	committedMarker = "COMMITTED"
	abortedMarker   = "ABORTED"
)

// Log is one transaction's durable obsoletion record: one file per
// transaction, named by UUID and op-kind.
type Log struct {
	mu     sync.Mutex
	id     uuid.UUID
	opKind string
	path   string
	file   *os.File
	writer *bufio.Writer

	added   []sstable.Descriptor
	removed []sstable.Descriptor

	state State
}

// FileName renders the "<uuid>-<opkind>.log" name for id/opKind.
func FileName(id uuid.UUID, opKind string) string {
	return fmt.Sprintf("%s-%s.log", id.String(), opKind)
}

// New creates a fresh, prepared obsoletion log in dir for a transaction
// tagged opKind, with a freshly generated UUID.
func New(dir, opKind string) (*Log, error) {
	id := uuid.New()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("obsolog: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(id, opKind))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("obsolog: create %s: %w", path, err)
	}

	return &Log{
		id:     id,
		opKind: opKind,
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
		state:  Prepared,
	}, nil
}

// ID returns the transaction UUID this log is tagged with.
func (l *Log) ID() uuid.UUID { return l.id }

// Path returns the log file's path on disk.
func (l *Log) Path() string { return l.path }

// RecordAdd appends an "ADD descriptor" line. Not durable until
// Checkpoint or Commit is called.
func (l *Log) RecordAdd(d sstable.Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.writer, "ADD %s\n", d.Path()); err != nil {
		return fmt.Errorf("obsolog: write ADD: %w", err)
	}
	l.added = append(l.added, d)
	return nil
}

// RecordRemove appends a "REMOVE descriptor" line.
func (l *Log) RecordRemove(d sstable.Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.writer, "REMOVE %s\n", d.Path()); err != nil {
		return fmt.Errorf("obsolog: write REMOVE: %w", err)
	}
	l.removed = append(l.removed, d)
	return nil
}

// Added returns the descriptors recorded via RecordAdd so far.
func (l *Log) Added() []sstable.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sstable.Descriptor(nil), l.added...)
}

// Removed returns the descriptors recorded via RecordRemove so far.
func (l *Log) Removed() []sstable.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sstable.Descriptor(nil), l.removed...)
}

// Checkpoint fsyncs the log so progress survives a crash, without
// changing its state.
func (l *Log) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flush()
}

func (l *Log) flush() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("obsolog: flush %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("obsolog: sync %s: %w", l.path, err)
	}
	return nil
}

// Commit writes the COMMITTED marker and fsyncs before any file
// deletion may begin (spec.md §4.4's ordering requirement).
func (l *Log) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Committed {
		return nil
	}
	if _, err := fmt.Fprintln(l.writer, committedMarker); err != nil {
		return fmt.Errorf("obsolog: write commit marker: %w", err)
	}
	if err := l.flush(); err != nil {
		return err
	}
	l.state = Committed
	return nil
}

// Abort writes the ABORTED marker, fsyncs, and removes the now-useless
// log file; the caller obsoletes an aborted transaction's staged
// outputs itself.
func (l *Log) Abort() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Committed {
		return fmt.Errorf("obsolog: cannot abort a committed log")
	}
	if _, err := fmt.Fprintln(l.writer, abortedMarker); err != nil {
		return fmt.Errorf("obsolog: write abort marker: %w", err)
	}
	if err := l.flush(); err != nil {
		return err
	}
	l.state = Aborted
	l.file.Close()
	return os.Remove(l.path)
}

// Close releases the file handle without changing state; used when a
// committed log's file is retained on disk for audit/debug purposes.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Remove deletes the log file from disk; callers call this once a
// committed log's outcome has been fully applied.
func (l *Log) Remove() error {
	return os.Remove(l.path)
}

// Recovered describes one unfinished log found by Recover, plus the
// action the caller should take.
type Recovered struct {
	ID      uuid.UUID
	OpKind  string
	Path    string
	State   State
	Added   []sstable.Descriptor
	Removed []sstable.Descriptor
}

// Recover scans dir for obsoletion logs left behind by a crash and
// returns, for each, the descriptors that must be deleted to restore a
// valid View, following spec.md §4.4's rule:
//   - prepared, no COMMITTED marker: delete Added files, keep Removed.
//   - committed: delete Removed files, keep Added.
//
// The log file itself is left on disk; ApplyRecovery performs the
// deletions and removes the log.
func Recover(dir string) ([]Recovered, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("obsolog: read dir %s: %w", dir, err)
	}

	var out []Recovered
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		rec, err := parseLogFile(path)
		if err != nil {
			return out, fmt.Errorf("obsolog: parse %s: %w", path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseLogFile(path string) (Recovered, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Recovered{}, err
	}

	// The UUID itself contains hyphens: it is the first 36 characters,
	// followed by "-" and the op-kind.
	base := strings.TrimSuffix(filepath.Base(path), ".log")
	rec := Recovered{Path: path, State: Prepared}
	if len(base) > 37 && base[36] == '-' {
		if id, err := uuid.Parse(base[:36]); err == nil {
			rec.ID = id
		}
		rec.OpKind = base[37:]
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case line == committedMarker:
			rec.State = Committed
		case line == abortedMarker:
			rec.State = Aborted
		case strings.HasPrefix(line, "ADD "):
			d, err := sstable.ParseDescriptor(strings.TrimPrefix(line, "ADD "))
			if err == nil {
				rec.Added = append(rec.Added, d)
			}
		case strings.HasPrefix(line, "REMOVE "):
			d, err := sstable.ParseDescriptor(strings.TrimPrefix(line, "REMOVE "))
			if err == nil {
				rec.Removed = append(rec.Removed, d)
			}
		}
	}
	return rec, nil
}

// ApplyRecovery deletes the files named by rec's resolution rule and
// removes the log file itself. It tolerates files that are already
// gone.
func ApplyRecovery(rec Recovered) error {
	var toDelete []sstable.Descriptor
	switch rec.State {
	case Committed:
		toDelete = rec.Removed
	default: // Prepared or Aborted: the swap never completed.
		toDelete = rec.Added
	}

	for _, d := range toDelete {
		if err := os.Remove(d.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("obsolog: recovery delete %s: %w", d.Path(), err)
		}
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("obsolog: remove log %s: %w", rec.Path, err)
	}
	return nil
}
