// Package ctxmgr implements the telemetry library's context propagation
// layer: a process-wide global context overlaid by a per-execution scope,
// following the caller's logical call chain without the caller threading it
// through every function signature.
//
// Go has no engine-level async-local storage. The package offers two
// backends that trade off fidelity for simplicity, selected once at
// construction (see Backend):
//
//   - Goroutine: a stack of scope frames keyed by goroutine identity.
//     Correct for any call chain that stays on one goroutine — including
//     across blocking calls, channel operations, and anything else that
//     does not spawn a new goroutine — which is the floor this library
//     needs for the common one-goroutine-per-request server model.
//   - Stack: a single process-wide stack with no goroutine keying. Only
//     correct for synchronous, single-goroutine use; concurrent Run calls
//     from different goroutines observe each other's frames. Kept for
//     hosts that want the lowest overhead and can guarantee that shape.
package ctxmgr

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"

	"github.com/dmitrymomot/telemetry/core/envelope"
)

// Backend selects the scope-propagation strategy.
type Backend int

const (
	// GoroutineBackend scopes frames per goroutine (default, preferred).
	GoroutineBackend Backend = iota
	// StackBackend uses a single shared stack regardless of goroutine.
	StackBackend
)

// Manager owns the global base context and dispatches scope storage to the
// selected Backend.
type Manager struct {
	backend Backend

	mu     sync.RWMutex
	global envelope.Map

	// goroutine backend state
	gmu    sync.Mutex
	frames map[uint64][]envelope.Map

	// stack backend state
	smu   sync.Mutex
	stack []envelope.Map
}

// New creates a Manager using the given backend. The zero value of Backend
// is GoroutineBackend.
func New(backend Backend) *Manager {
	return &Manager{
		backend: backend,
		global:  envelope.Map{},
		frames:  make(map[uint64][]envelope.Map),
	}
}

// SetGlobal monotonically merges ctx into the process-wide base layer.
// Existing keys are overwritten by ctx; no key is ever removed.
func (m *Manager) SetGlobal(ctx envelope.Map) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = m.global.Merge(ctx)
}

// Global returns a snapshot of the current global base context.
func (m *Manager) Global() envelope.Map {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global.Clone()
}

// Get returns the effective scope overlay at the call site (global excluded
// — callers merge it themselves, see Effective).
func (m *Manager) Get() envelope.Map {
	switch m.backend {
	case StackBackend:
		return m.getStack()
	default:
		return m.getGoroutine()
	}
}

// Effective returns merge(global, scope) as described in §3 of the spec.
// per-call values, if any, are merged on top by the caller.
func (m *Manager) Effective() envelope.Map {
	return m.Global().Merge(m.Get())
}

// Run merges overlay onto the current effective scope, invokes fn, and restores
// the prior scope on every exit path — normal return or panic. The scope
// pushed by this call is visible to fn and anything fn calls directly on
// the same goroutine; it is not visible to goroutines fn spawns unless the
// host explicitly re-attaches it (see Attach).
func (m *Manager) Run(ctx context.Context, overlay envelope.Map, fn func(context.Context) error) error {
	merged := m.Get().Merge(overlay)

	switch m.backend {
	case StackBackend:
		m.pushStack(merged)
		defer m.popStack()
	default:
		m.pushGoroutine(merged)
		defer m.popGoroutine()
	}

	return fn(ctx)
}

// Attach runs fn with scope as the effective scope, regardless of what the
// current goroutine's frame stack holds. It is the explicit-propagation
// escape hatch for goroutines spawned inside a Run scope: capture
// mgr.Get() before spawning, then call mgr.Attach(snapshot, fn) inside the
// new goroutine.
func (m *Manager) Attach(scope envelope.Map, fn func(context.Context) error) error {
	switch m.backend {
	case StackBackend:
		m.pushStack(scope)
		defer m.popStack()
	default:
		m.pushGoroutine(scope)
		defer m.popGoroutine()
	}
	return fn(context.Background())
}

// --- goroutine backend ---

func (m *Manager) pushGoroutine(scope envelope.Map) {
	id := goroutineID()
	m.gmu.Lock()
	defer m.gmu.Unlock()
	m.frames[id] = append(m.frames[id], scope)
}

func (m *Manager) popGoroutine() {
	id := goroutineID()
	m.gmu.Lock()
	defer m.gmu.Unlock()
	stack := m.frames[id]
	if len(stack) == 0 {
		return
	}
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(m.frames, id)
		return
	}
	m.frames[id] = stack
}

func (m *Manager) getGoroutine() envelope.Map {
	id := goroutineID()
	m.gmu.Lock()
	defer m.gmu.Unlock()
	stack := m.frames[id]
	if len(stack) == 0 {
		return envelope.Map{}
	}
	return stack[len(stack)-1].Clone()
}

// goroutineID recovers the calling goroutine's runtime identifier by
// parsing the header line of its own stack trace. This is the standard
// "poor man's goroutine-local storage" idiom in Go, which has no official
// API for it. Never used to identify goroutines across process restarts or
// for anything beyond keying in-memory scope frames.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	b = bytes.TrimPrefix(b, []byte(prefix))

	idx := bytes.IndexByte(b, ' ')
	if idx < 0 {
		return 0
	}

	id, err := strconv.ParseUint(string(b[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// --- stack backend ---

func (m *Manager) pushStack(scope envelope.Map) {
	m.smu.Lock()
	defer m.smu.Unlock()
	m.stack = append(m.stack, scope)
}

func (m *Manager) popStack() {
	m.smu.Lock()
	defer m.smu.Unlock()
	if len(m.stack) == 0 {
		return
	}
	m.stack = m.stack[:len(m.stack)-1]
}

func (m *Manager) getStack() envelope.Map {
	m.smu.Lock()
	defer m.smu.Unlock()
	if len(m.stack) == 0 {
		return envelope.Map{}
	}
	return m.stack[len(m.stack)-1].Clone()
}
