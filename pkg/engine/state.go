package engine

import (
	"fmt"

	"github.com/marmos91/dittoblk/pkg/store"
)

// State is the engine lifecycle state.
//
//	Uninitialized → Initializing → Ready ⇄ Optimizing → ShuttingDown → Shutdown
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateOptimizing
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateOptimizing:
		return "optimizing"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// acceptsIO reports whether the state admits logical I/O.
func (s State) acceptsIO() bool {
	return s == StateReady || s == StateOptimizing
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// begin registers an in-flight operation. It fails with ErrInvalidState
// unless the engine is Ready or Optimizing.
func (e *Engine) begin(op string) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !e.state.acceptsIO() {
		return fmt.Errorf("%s in state %s: %w", op, e.state, store.ErrInvalidState)
	}
	e.inflight.Add(1)
	return nil
}

func (e *Engine) end() {
	e.inflight.Done()
}

// gate adapts the engine to optimizer.Gate. Optimizing nests: the engine
// returns to Ready when the last pass exits.
type gate struct{ e *Engine }

func (g gate) Enter() error {
	e := g.e
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !e.state.acceptsIO() {
		return fmt.Errorf("optimize in state %s: %w", e.state, store.ErrInvalidState)
	}
	e.depth++
	e.state = StateOptimizing
	return nil
}

func (g gate) Exit() {
	e := g.e
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.depth > 0 {
		e.depth--
	}
	if e.depth == 0 && e.state == StateOptimizing {
		e.state = StateReady
	}
}
