// Package fault models the tracker's closed set of error kinds and the
// chainable fault value used by operations that accumulate partial
// failures instead of short-circuiting.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the tracker's closed error categories.
type Kind int

const (
	// Contention means a claim was denied because the requested sstables
	// are already claimed by another transaction. Callers retry.
	Contention Kind = iota
	// Invariant means an observed View violated one of its invariants.
	// Always fatal.
	Invariant
	// IO means a disk fault was observed and dispatched to the
	// disk-error policy.
	IO
	// Corruption means an sstable was found unreadable.
	Corruption
	// ObsoletionFailed means an obsoletion-log commit failed partway.
	ObsoletionFailed
	// SubscriberFault means a notification subscriber panicked or
	// returned an error. Accumulated, never fatal to the publisher.
	SubscriberFault
)

func (k Kind) String() string {
	switch k {
	case Contention:
		return "contention"
	case Invariant:
		return "invariant"
	case IO:
		return "io"
	case Corruption:
		return "corruption"
	case ObsoletionFailed:
		return "obsoletion_failed"
	case SubscriberFault:
		return "subscriber_fault"
	default:
		return "unknown"
	}
}

// Fault is a single tagged error in a chain.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
	next *Fault
}

// New creates a single Fault.
func New(kind Kind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

func (f *Fault) Error() string {
	if f == nil {
		return "<nil fault>"
	}
	var b strings.Builder
	for cur := f; cur != nil; cur = cur.next {
		if cur != f {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s[%s]: %v", cur.Op, cur.Kind, cur.Err)
	}
	return b.String()
}

func (f *Fault) Unwrap() error {
	if f == nil || f.Err == nil {
		return nil
	}
	return f.Err
}

// Is reports whether any fault in the chain has the given Kind, via a
// sentinel kindMatcher so errors.Is(err, fault.Sentinel(fault.Contention))
// works.
func (f *Fault) Is(target error) bool {
	k, ok := target.(kindMatcher)
	if !ok {
		return false
	}
	for cur := f; cur != nil; cur = cur.next {
		if cur.Kind == Kind(k) {
			return true
		}
	}
	return false
}

type kindMatcher Kind

// Sentinel lets callers write errors.Is(err, fault.Sentinel(fault.Contention)).
func Sentinel(k Kind) error { return kindMatcher(k) }

func (k kindMatcher) Error() string { return Kind(k).String() }

// Chain is a mutable accumulator of faults used by operations that must
// complete as much declared work as possible (spec §7's propagation
// policy) before surfacing a single error via MaybeFail.
type Chain struct {
	head *Fault
	tail *Fault
}

// Add appends a fault to the chain. A nil err is a no-op.
func (c *Chain) Add(kind Kind, op string, err error) {
	if err == nil {
		return
	}
	f := New(kind, op, err)
	if c.head == nil {
		c.head = f
		c.tail = f
		return
	}
	c.tail.next = f
	c.tail = f
}

// Len reports how many faults have been accumulated.
func (c *Chain) Len() int {
	n := 0
	for cur := c.head; cur != nil; cur = cur.next {
		n++
	}
	return n
}

// MaybeFail returns the accumulated chain as a single error, or nil if
// nothing was accumulated.
func (c *Chain) MaybeFail() error {
	if c == nil || c.head == nil {
		return nil
	}
	return c.head
}

// As is a small convenience wrapper around errors.As for callers that
// want to recover the first *Fault in an arbitrary error value.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
