package migration

import (
	"encoding/json"
	"time"
)

// State is the externally visible state of the recipient.
type State int

const (
	Ready State = iota
	Clone
	Catchup
	Steady
	CommitStart
	Done
	Fail
	Abort
)

var stateNames = [...]string{
	Ready:       "ready",
	Clone:       "clone",
	Catchup:     "catchup",
	Steady:      "steady",
	CommitStart: "commitStart",
	Done:        "done",
	Fail:        "fail",
	Abort:       "abort",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether a session in s has ended.
func (s State) IsTerminal() bool { return s == Done || s == Fail || s == Abort }

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	*s = Ready
	return nil
}

// phase is the tagged union behind State; each variant carries only what
// its state needs.
type phase interface {
	state() State
}

type (
	readyPhase   struct{}
	clonePhase   struct{}
	catchupPhase struct{}
	steadyPhase  struct{}
	donePhase    struct{}
	abortPhase   struct{}

	commitStartPhase struct {
		since time.Time
	}

	failPhase struct {
		errmsg string
	}
)

func (readyPhase) state() State       { return Ready }
func (clonePhase) state() State       { return Clone }
func (catchupPhase) state() State     { return Catchup }
func (steadyPhase) state() State      { return Steady }
func (commitStartPhase) state() State { return CommitStart }
func (donePhase) state() State        { return Done }
func (failPhase) state() State        { return Fail }
func (abortPhase) state() State       { return Abort }
