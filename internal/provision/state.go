package provision

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// State is the lifecycle position of one CopyFile or RemoteExec run.
type State int

const (
	// StatePending is entered when the step is declared, before its host is
	// known.
	StatePending State = iota
	StateConnecting
	StateRetrying
	StateConnected
	StateExecuting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateConnecting:
		return "CONNECTING"
	case StateRetrying:
		return "RETRYING"
	case StateConnected:
		return "CONNECTED"
	case StateExecuting:
		return "EXECUTING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists the legal successors of each state. PENDING may fail
// directly when the host never resolves, RETRYING when the deadline expires
// mid-backoff.
var transitions = map[State][]State{
	StatePending:    {StateConnecting, StateFailed},
	StateConnecting: {StateRetrying, StateConnected, StateFailed},
	StateRetrying:   {StateConnecting, StateFailed},
	StateConnected:  {StateExecuting},
	StateExecuting:  {StateDone, StateFailed},
}

// CanTransition reports whether 'from' may move to 'to'.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

var ErrIllegalTransition = fmt.Errorf("illegal state transition")

// Transition is one recorded state change.
type Transition struct {
	Step string
	From State
	To   State
	At   time.Time
	// Err is set on the transition into StateFailed, and on transitions
	// into StateRetrying where it holds the failure being retried.
	Err error
}

// Observer is notified of every transition, synchronously and in order. It
// must not call back into the Tracker that notified it.
type Observer func(Transition)

// Tracker holds the current state of a single step and enforces the
// transition table. It is safe for concurrent use.
type Tracker struct {
	step     string
	observer Observer

	mu      sync.Mutex
	state   State
	history []Transition
}

// NewTracker returns a Tracker for 'step' in StatePending. 'observer' may be
// nil.
func NewTracker(step string, observer Observer) *Tracker {
	return &Tracker{step: step, observer: observer, state: StatePending}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// History returns a copy of all transitions so far.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.history)
}

// To moves the tracker to 'to'. Illegal transitions are rejected and leave
// the state untouched.
func (t *Tracker) To(to State, err error) error {
	t.mu.Lock()
	from := t.state
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s: %s -> %s", ErrIllegalTransition, t.step, from, to)
	}
	tr := Transition{Step: t.step, From: from, To: to, At: time.Now(), Err: err}
	t.state = to
	t.history = append(t.history, tr)
	// Notify under the lock so observers see transitions in order.
	if t.observer != nil {
		t.observer(tr)
	}
	t.mu.Unlock()
	return nil
}

// fail moves to StateFailed if that is still possible. Returns 'err'.
func (t *Tracker) fail(err error) error {
	_ = t.To(StateFailed, err)
	return err
}
