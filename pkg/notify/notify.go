// Package notify defines the tracker's closed set of notification kinds
// (spec.md §4.1) and the copy-on-write subscriber list used to publish
// them without requiring subscribers to hold a lock.
package notify

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/tracktable/pkg/memtable"
	"github.com/dd0wney/tracktable/pkg/sstable"
)

// Kind is one of the tracker's closed notification variants.
type Kind int

const (
	InitialAdded Kind = iota
	Added
	Changed
	RepairStatusChanged
	Deleting
	Truncated
	BufferRenewed
	BufferSwitched
	BufferDiscarded
)

func (k Kind) String() string {
	switch k {
	case InitialAdded:
		return "initial-added"
	case Added:
		return "added"
	case Changed:
		return "changed"
	case RepairStatusChanged:
		return "repair-status-changed"
	case Deleting:
		return "deleting"
	case Truncated:
		return "truncated"
	case BufferRenewed:
		return "buffer-renewed"
	case BufferSwitched:
		return "buffer-switched"
	case BufferDiscarded:
		return "buffer-discarded"
	default:
		return "unknown"
	}
}

// Notification is the tagged-variant value delivered to every
// subscriber; subscribers match on Kind and read only the fields that
// kind populates.
type Notification struct {
	Kind    Kind
	Added   []sstable.Descriptor
	Removed []sstable.Descriptor
	OpKind  string
	OpID    string
	Buffer  *memtable.Buffer
}

// Subscriber receives every notification published by a Tracker. A
// returned error (or recovered panic) is accumulated by the publisher
// and never stops delivery to the remaining subscribers (spec.md §7).
type Subscriber interface {
	Notify(n Notification) error
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(n Notification) error

func (f SubscriberFunc) Notify(n Notification) error { return f(n) }

// List is a copy-on-write subscriber list: Subscribers() returns a
// stable snapshot slice that can be iterated without holding any lock,
// so a slow or misbehaving subscriber can never block a concurrent
// Add/Remove.
type List struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]Subscriber]

	tokens    []int // tokens[i] belongs to (*subs)[i]; guarded by mu
	nextToken int
}

// Add registers a subscriber and returns a token that Remove accepts.
func (l *List) Add(s Subscriber) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.load()
	next := make([]Subscriber, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = s
	l.subs.Store(&next)
	token := l.nextToken
	l.nextToken++
	l.tokens = append(l.tokens, token)
	return token
}

// Remove drops the subscriber registered at token (the value Add
// returned). Unknown or already-removed tokens are ignored.
func (l *List) Remove(token int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.load()
	i := slices.Index(l.tokens, token)
	if i < 0 {
		return
	}
	next := make([]Subscriber, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	l.subs.Store(&next)
	l.tokens = slices.Delete(l.tokens, i, i+1)
}

// Subscribers returns the current snapshot; safe to range over without
// locking.
func (l *List) Subscribers() []Subscriber {
	return l.load()
}

func (l *List) load() []Subscriber {
	p := l.subs.Load()
	if p == nil {
		return nil
	}
	return *p
}
