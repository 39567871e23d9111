package peer

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Reason is why a client is torn down.
type Reason int

const (
	// ReasonLeave is an explicit local leave; nothing is announced.
	ReasonLeave Reason = iota
	ReasonStreamEnded
	ReasonSignalingLost
	ReasonConnectionLost
)

func (r Reason) String() string {
	switch r {
	case ReasonLeave:
		return "leave"
	case ReasonStreamEnded:
		return "stream ended"
	case ReasonSignalingLost:
		return "signaling lost"
	case ReasonConnectionLost:
		return "connection lost"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Step is one isolated teardown action.
type Step struct {
	Name string
	Run  func() error
}

// Lifecycle runs an ordered teardown exactly once. A failing or panicking
// step is logged and the remaining steps still run.
type Lifecycle struct {
	steps  []Step
	notify func(Reason)

	torn   atomic.Bool
	reason atomic.Int32
	done   chan struct{}
}

func NewLifecycle(notify func(Reason), steps ...Step) *Lifecycle {
	return &Lifecycle{
		steps:  steps,
		notify: notify,
		done:   make(chan struct{}),
	}
}

// Teardown runs every step then announces reason. It reports whether this
// call did the work; later calls are no-ops.
func (l *Lifecycle) Teardown(reason Reason) bool {
	if !l.torn.CompareAndSwap(false, true) {
		return false
	}
	l.reason.Store(int32(reason))

	slog.Debug("tearing down", "reason", reason.String())
	for _, step := range l.steps {
		runStep(step.Name, step.Run)
	}
	if l.notify != nil {
		runStep("notify", func() error {
			l.notify(reason)
			return nil
		})
	}

	close(l.done)
	return true
}

func runStep(name string, run func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("teardown step panicked", "step", name, "recover", rec)
		}
	}()
	if err := run(); err != nil {
		slog.Warn("teardown step failed", "step", name, "err", err)
	}
}

// TornDown reports whether Teardown has started.
func (l *Lifecycle) TornDown() bool {
	return l.torn.Load()
}

// Done is closed once teardown has finished.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Reason returns the teardown reason. Only meaningful after Done.
func (l *Lifecycle) Reason() Reason {
	return Reason(l.reason.Load())
}
