// Package diskerror implements the Disk-Error Policy (spec.md §4.6):
// it receives faults from the tracker and its collaborators and maps
// each to one of {ignore, best-effort quarantine, stop serving,
// terminate}.
//
// TransportGate is grounded on the teacher's pkg/server graceful
// shutdown channel (sync.Once-guarded close of a signal channel).
package diskerror

import (
	"sync"
	"sync/atomic"

	"github.com/dd0wney/tracktable/internal/metrics"
	"github.com/dd0wney/tracktable/internal/obslog"
)

// Mode is one of the policy's five configured states.
type Mode string

const (
	Ignore       Mode = "ignore"
	BestEffort   Mode = "best_effort"
	Stop         Mode = "stop"
	StopParanoid Mode = "stop_paranoid"
	Die          Mode = "die"
)

// Fault describes a single disk fault observed by a caller.
type Fault struct {
	Directory      string
	Path           string
	Read           bool // true if this was a read fault (vs. a write fault)
	Corruption     bool
	DiskFull       bool
	NoWritableDisk bool
	Err            error
}

// Outcome is what the policy decided to do with a Fault, for metrics
// and logging.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignore"
	OutcomeQuarantined    Outcome = "best_effort"
	OutcomeStoppedServing Outcome = "stop"
	OutcomeTerminated     Outcome = "die"
)

// TransportGate gates whether network transports should keep serving;
// Stop is idempotent and safe to call concurrently.
type TransportGate struct {
	once sync.Once
	ch   chan struct{}
}

// NewTransportGate returns an open gate.
func NewTransportGate() *TransportGate {
	return &TransportGate{ch: make(chan struct{})}
}

// Stop closes the gate, signalling every transport to stop serving.
func (g *TransportGate) Stop() {
	g.once.Do(func() { close(g.ch) })
}

// Stopped returns a channel that closes once Stop has been called.
func (g *TransportGate) Stopped() <-chan struct{} { return g.ch }

// IsStopped reports whether Stop has been called.
func (g *TransportGate) IsStopped() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// DropRequester lets the policy ask the tracker to drop every sstable
// in a directory once it has been marked unreadable.
type DropRequester interface {
	RemoveUnreadable(directory string) error
}

// Terminate is called for the Die outcome and for any non-ignore,
// non-best-effort fault observed before setup completes. The default
// calls os.Exit(1); tests substitute a recording stub.
type Terminate func()

// Policy evaluates faults against a configured Mode.
type Policy struct {
	mode      Mode
	gate      *TransportGate
	dropper   DropRequester
	terminate Terminate
	logger    obslog.Logger
	metrics   *metrics.Registry

	setupComplete atomic.Bool
	unwritable    sync.Map // directory -> struct{}
	unreadable    sync.Map // directory -> struct{}
}

// New creates a Policy. terminate, logger and metricsReg may be nil to
// take sensible defaults (os.Exit(1), a no-op logger, the process-wide
// metrics registry).
func New(mode Mode, gate *TransportGate, dropper DropRequester, terminate Terminate, logger obslog.Logger, metricsReg *metrics.Registry) *Policy {
	if gate == nil {
		gate = NewTransportGate()
	}
	if logger == nil {
		logger = obslog.Nop{}
	}
	if metricsReg == nil {
		metricsReg = metrics.Default()
	}
	return &Policy{
		mode:      mode,
		gate:      gate,
		dropper:   dropper,
		terminate: terminate,
		logger:    logger,
		metrics:   metricsReg,
	}
}

// MarkSetupComplete ends the stricter startup fault-handling window
// (spec.md §4.6).
func (p *Policy) MarkSetupComplete() {
	p.setupComplete.Store(true)
}

// Gate returns the transport gate this policy stops on Stop/StopParanoid
// outcomes and on best_effort's disk-full escalation.
func (p *Policy) Gate() *TransportGate { return p.gate }

// IsDirectoryWritable reports whether directory has been marked
// unwritable by a prior fault.
func (p *Policy) IsDirectoryWritable(directory string) bool {
	_, marked := p.unwritable.Load(directory)
	return !marked
}

// IsDirectoryReadable reports whether directory has been marked
// unreadable by a prior read fault.
func (p *Policy) IsDirectoryReadable(directory string) bool {
	_, marked := p.unreadable.Load(directory)
	return !marked
}

// Handle applies the configured Mode to f and returns the Outcome taken.
func (p *Policy) Handle(f Fault) Outcome {
	if !p.setupComplete.Load() && p.mode != Ignore && p.mode != BestEffort {
		p.record(OutcomeTerminated, f)
		p.terminateNow()
		return OutcomeTerminated
	}

	switch p.mode {
	case Ignore:
		p.record(OutcomeIgnored, f)
		return OutcomeIgnored

	case Die:
		p.record(OutcomeTerminated, f)
		p.terminateNow()
		return OutcomeTerminated

	case Stop, StopParanoid:
		p.logger.Error("disk fault: stopping transports", obslog.String("directory", f.Directory), obslog.Err(f.Err))
		p.gate.Stop()
		p.record(OutcomeStoppedServing, f)
		return OutcomeStoppedServing

	case BestEffort:
		p.unwritable.Store(f.Directory, struct{}{})
		if f.Read {
			p.unreadable.Store(f.Directory, struct{}{})
			if p.dropper != nil {
				if err := p.dropper.RemoveUnreadable(f.Directory); err != nil {
					p.logger.Error("best-effort: failed to drop unreadable directory",
						obslog.String("directory", f.Directory), obslog.Err(err))
				}
			}
		}
		if f.DiskFull || f.NoWritableDisk {
			p.gate.Stop()
		}
		p.record(OutcomeQuarantined, f)
		return OutcomeQuarantined

	default:
		p.record(OutcomeIgnored, f)
		return OutcomeIgnored
	}
}

func (p *Policy) terminateNow() {
	if p.terminate != nil {
		p.terminate()
		return
	}
	osExit(1)
}

func (p *Policy) record(o Outcome, f Fault) {
	p.metrics.DiskFaultsTotal.WithLabelValues(string(o)).Inc()
	p.logger.Warn("disk fault handled", obslog.String("outcome", string(o)), obslog.String("directory", f.Directory), obslog.Err(f.Err))
}
