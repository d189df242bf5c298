package provision

import (
	"fmt"
	"slices"

	"github.com/dorcha-inc/envprov/internal/core"
)

// State is a state of the provisioning state machine
type State string

// State constants
const (
	StateStart            State = "Start"
	StateResolving        State = "Resolving"
	StateBackendUpgrading State = "BackendUpgrading"
	StateInstalling       State = "Installing"
	StateVerifying        State = "Verifying"
	StateSuccess          State = "Success"
	StateFailed           State = "Failed"
)

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// provisionPath is the full run; verifyPath re-checks an existing environment
var (
	provisionPath = []State{StateStart, StateResolving, StateBackendUpgrading, StateInstalling, StateVerifying, StateSuccess}
	verifyPath    = []State{StateStart, StateResolving, StateVerifying, StateSuccess}
)

// machine walks one path forward. Any non-terminal state may fail; nothing
// leaves a terminal state.
type machine struct {
	runID   string
	path    []State
	current State
	history []State
}

func newMachine(runID string, path []State) *machine {
	return &machine{
		runID:   runID,
		path:    path,
		current: StateStart,
		history: []State{StateStart},
	}
}

func (m *machine) canTransition(to State) bool {
	if m.current.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	i := slices.Index(m.path, m.current)
	return i >= 0 && i+1 < len(m.path) && m.path[i+1] == to
}

// to moves the machine; an illegal transition is a programming error
func (m *machine) to(next State) {
	if !m.canTransition(next) {
		panic(fmt.Sprintf("illegal provisioning transition %s -> %s%s", m.current, next, core.BugReportMessage()))
	}
	core.LogStageTransition(m.runID, string(m.current), string(next))
	m.current = next
	m.history = append(m.history, next)
}

// stages returns the working states of the path, between Start and Success
func (m *machine) stages() []State {
	return m.path[1 : len(m.path)-1]
}
