// Session manager (C8, §4.8): a process-local registry of named sandboxes,
// each a live *vm.VM plus a bounded history ring of prior snapshots.
// Grounded on the teacher's models/session.go SessionManager — same
// registry shape (a map guarded by a mutex, a background sweep goroutine
// started by the constructor) — with token-authenticated web sessions
// replaced by VM sandboxes and expiry-by-TTL replaced by the history ring's
// depth bound.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/parcadei/ouros/logger"
	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

// DefaultSessionID is the always-present, never-destroyable session (§4.8).
const DefaultSessionID = "default"

// DefaultHistoryDepth is the ring buffer depth used when Manager is built
// with a non-positive depth.
const DefaultHistoryDepth = 20

// sweepInterval mirrors the teacher's cleanupExpiredSessions cadence
// (models/session.go): a background goroutine woken every five minutes.
const sweepInterval = 5 * time.Minute

// Sandbox is one named session: a live VM, its own execution mutex (§5
// "the session manager serializes access to each session"), and a bounded
// ring of prior snapshots for rewind.
type Sandbox struct {
	ID string

	mu sync.Mutex
	vm *vm.VM

	history []*vm.Snapshot // oldest first; capped at the manager's depth

	CreatedAt time.Time
	LastUsed  time.Time
}

// VM returns the sandbox's live VM. Callers mutating it must hold no
// assumption of exclusivity beyond what Manager already serializes through
// Execute/Resume/etc — reaching in directly (e.g. from the api package to
// read Globals for a GET) is safe only for reads.
func (s *Sandbox) VM() *vm.VM { return s.vm }

// Manager is the C8 session registry. One Manager per process, the same
// cardinality as the teacher's one SessionManager per running server.
type Manager struct {
	registryMu sync.RWMutex
	sandboxes  map[string]*Sandbox

	historyDepth int
	storageDir   string

	stop chan struct{}
	once sync.Once
}

// NewManager creates a registry with the default session pre-created.
// storageDir is where save_session/load_session write/read C7 dumps
// (§7 "persisted state layout"); historyDepth <= 0 uses DefaultHistoryDepth.
func NewManager(storageDir string, historyDepth int) *Manager {
	if historyDepth <= 0 {
		historyDepth = DefaultHistoryDepth
	}
	m := &Manager{
		sandboxes:    make(map[string]*Sandbox),
		historyDepth: historyDepth,
		storageDir:   storageDir,
		stop:         make(chan struct{}),
	}
	m.sandboxes[DefaultSessionID] = &Sandbox{ID: DefaultSessionID, CreatedAt: time.Now()}
	go m.sweepHistory()
	return m
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stop) })
}

// sweepHistory periodically re-applies the history depth bound to every
// sandbox, the same ticker shape as the teacher's cleanupExpiredSessions —
// here trimming the oldest ring entries instead of deleting an expired
// auth session. Execute also trims inline (§8 correctness cannot wait on a
// five-minute tick), so this is a redundant safety net for a depth lowered
// at runtime via SetHistoryDepth.
func (m *Manager) sweepHistory() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.registryMu.RLock()
			boxes := make([]*Sandbox, 0, len(m.sandboxes))
			for _, s := range m.sandboxes {
				boxes = append(boxes, s)
			}
			depth := m.historyDepth
			m.registryMu.RUnlock()
			for _, s := range boxes {
				s.mu.Lock()
				s.history = trimHistory(s.history, depth)
				s.mu.Unlock()
			}
		}
	}
}

// SetHistoryDepth changes the ring depth for future trims (applied lazily
// at the next Execute/sweep, not retroactively truncating existing history
// beyond what's already capped).
func (m *Manager) SetHistoryDepth(depth int) {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	m.registryMu.Lock()
	m.historyDepth = depth
	m.registryMu.Unlock()
}

func trimHistory(h []*vm.Snapshot, depth int) []*vm.Snapshot {
	if len(h) <= depth {
		return h
	}
	return h[len(h)-depth:]
}

// lookup returns the named sandbox, or models.ErrNotFound.
func (m *Manager) lookup(id string) (*Sandbox, error) {
	m.registryMu.RLock()
	s, ok := m.sandboxes[id]
	m.registryMu.RUnlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return s, nil
}

// CreateSession registers a new, empty sandbox under id. Fails with
// models.ErrDuplicate if id is already in use (§4.8 "creating a session
// with an existing id fails").
func (m *Manager) CreateSession(id string) (*Sandbox, error) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	if _, exists := m.sandboxes[id]; exists {
		return nil, models.ErrDuplicate
	}
	s := &Sandbox{ID: id, CreatedAt: time.Now()}
	m.sandboxes[id] = s
	return s, nil
}

// DestroySession removes a sandbox. The default session can never be
// destroyed (§4.8, models.ErrDefaultSessionProtected).
func (m *Manager) DestroySession(id string) error {
	if id == DefaultSessionID {
		return models.ErrDefaultSessionProtected
	}
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	if _, ok := m.sandboxes[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.sandboxes, id)
	return nil
}

// ListSessions returns every registered session id.
func (m *Manager) ListSessions() []string {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	out := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		out = append(out, id)
	}
	return out
}

// Execute runs prog against the named sandbox (§4.8 "execute(code)"). The
// sandbox's VM is created on first use (lazily, from prog and limits);
// subsequent calls swap in the new bytecode while keeping the same Heap
// and Globals, so a session's declared names accumulate across calls the
// way a REPL accumulates bindings (S7's rewind scenario depends on this:
// three successive `execute`s against one session, each seeing the last's
// globals). On return — completion or suspension alike — a pre-execution
// snapshot is appended to history (§4.8 "on return, pre-snapshot is
// appended"), so rewind(1) undoes exactly the call just made.
func (m *Manager) Execute(id string, prog *vm.CompiledProgram, limits vm.Limits, inputs map[string]models.Value) (*vm.SuspensionState, error) {
	return m.ExecuteWithInputFunc(id, prog, limits, func(*vm.VM) (map[string]models.Value, error) {
		return inputs, nil
	})
}

// ExecuteWithInputFunc is Execute generalized for a caller (the api
// package) that can only materialize its inputs once the session's VM
// exists — a wire-format input carrying a list or dict needs a heap to
// allocate onto, and that heap isn't available until the VM is created or
// swapped in below. inputFn runs inside the same sandbox lock as the
// create/swap step and the run itself, so the whole call stays atomic; a
// nil inputFn runs with no inputs.
func (m *Manager) ExecuteWithInputFunc(id string, prog *vm.CompiledProgram, limits vm.Limits, inputFn func(*vm.VM) (map[string]models.Value, error)) (*vm.SuspensionState, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vm == nil {
		s.vm = vm.NewVM(prog, limits, id)
	} else {
		pre := s.vm.Snapshot()
		s.history = trimHistory(append(s.history, pre), m.depthSnapshot())
		s.vm.Program = prog
	}
	s.LastUsed = time.Now()

	var inputs map[string]models.Value
	if inputFn != nil {
		inputs, err = inputFn(s.vm)
		if err != nil {
			return nil, err
		}
	}
	return s.vm.Run(inputs)
}

// Sandbox returns the named sandbox, for a caller (the api package) that
// needs direct access to its VM to render or materialize values at a wire
// boundary. Returns models.ErrNotFound for an unregistered id.
func (m *Manager) Sandbox(id string) (*Sandbox, error) {
	return m.lookup(id)
}

func (m *Manager) depthSnapshot() int {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	return m.historyDepth
}

// Resume forwards a single external-call outcome to the session's VM
// (§4.6, §4.8 "resume(call_id, outcome)").
func (m *Manager) Resume(id string, callID uint64, outcome vm.Outcome) (*vm.SuspensionState, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == nil {
		return nil, models.ErrInvalidInput
	}
	s.LastUsed = time.Now()
	return s.vm.Resume(callID, outcome)
}

// ResumeFutures forwards a batch of future outcomes (§4.6 step 6, §4.8
// "resume_futures(...)").
func (m *Manager) ResumeFutures(id string, outcomes map[uint64]vm.Outcome) (*vm.SuspensionState, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == nil {
		return nil, models.ErrInvalidInput
	}
	s.LastUsed = time.Now()
	return s.vm.ResumeFutures(outcomes)
}

// ListVariables returns the names currently bound in the session's globals.
func (m *Manager) ListVariables(id string) ([]string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == nil {
		return nil, nil
	}
	out := make([]string, 0, len(s.vm.Globals))
	for name := range s.vm.Globals {
		out = append(out, name)
	}
	return out, nil
}

// GetVariable reads a global by name.
func (m *Manager) GetVariable(id, name string) (models.Value, bool, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.Value{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == nil {
		return models.Value{}, false, nil
	}
	v, ok := s.vm.Globals[name]
	return v, ok, nil
}

// SetVariable writes (overwriting or creating) a global. v must already
// belong to the session's own heap (its HeapId, if any, is used as-is, not
// copied) — use TransferVariable to move a value in from another session.
func (m *Manager) SetVariable(id, name string, v models.Value) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == nil {
		return models.ErrInvalidInput
	}
	if old, ok := s.vm.Globals[name]; ok && old.Heap != 0 {
		s.vm.Heap.Decref(old.Heap)
	}
	if v.Heap != 0 {
		s.vm.Heap.Incref(v.Heap)
	}
	s.vm.Globals[name] = v
	return nil
}

// DeleteVariable removes a global binding, releasing its heap reference.
func (m *Manager) DeleteVariable(id, name string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == nil {
		return models.ErrInvalidInput
	}
	if old, ok := s.vm.Globals[name]; ok {
		if old.Heap != 0 {
			s.vm.Heap.Decref(old.Heap)
		}
		delete(s.vm.Globals, name)
		return nil
	}
	return models.ErrNotFound
}

// EvalVariable runs prog to completion in a forked, throwaway copy of the
// session and returns its completion value without affecting the real
// session (§4.8 "the eval variant runs in a forked copy and discards side
// effects"). prog must run to completion (SuspendComplete); an external
// call or breach mid-eval is reported as an error rather than left
// dangling in a copy nobody holds a handle to.
func (m *Manager) EvalVariable(id string, prog *vm.CompiledProgram, limits vm.Limits) (models.Value, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.Value{}, err
	}
	s.mu.Lock()
	if s.vm == nil {
		s.mu.Unlock()
		return models.Value{}, models.ErrInvalidInput
	}
	snap := s.vm.Snapshot()
	s.mu.Unlock()

	forked, err := vm.NewVMFromSnapshot(snap)
	if err != nil {
		return models.Value{}, err
	}
	forked.Program = prog
	state, err := forked.Run(nil)
	if err != nil {
		return models.Value{}, err
	}
	if state.Kind != vm.SuspendComplete {
		return models.Value{}, fmt.Errorf("eval_variable: expression did not run to completion")
	}
	return state.CompleteValue, nil
}

// Fork deep-copies sourceID's entire VM state into a brand-new session
// newID; the two share nothing thereafter (§4.8, §8 "fork(s) then mutating
// the fork leaves s unchanged"). Fails with models.ErrDuplicate if newID
// is already registered.
func (m *Manager) Fork(sourceID, newID string) error {
	first, second := lockOrder(sourceID, newID)

	src, err := m.lookup(sourceID)
	if err != nil {
		return err
	}

	m.registryMu.Lock()
	if _, exists := m.sandboxes[newID]; exists {
		m.registryMu.Unlock()
		return models.ErrDuplicate
	}
	dst := &Sandbox{ID: newID, CreatedAt: time.Now()}
	m.sandboxes[newID] = dst
	m.registryMu.Unlock()

	// Lock the two sandboxes in a fixed order by id (§5 "cross-session
	// operations acquire the two relevant sessions in a fixed total order"),
	// even though dst was just created and cannot yet be contended.
	boxes := map[string]*Sandbox{sourceID: src, newID: dst}
	return withOrderedLocks(boxes, first, second, func() error {
		if src.vm == nil {
			return nil
		}
		snap := src.vm.Snapshot()
		forked, ferr := vm.NewVMFromSnapshot(snap)
		if ferr != nil {
			return ferr
		}
		dst.vm = forked
		dst.history = append([]*vm.Snapshot(nil), src.history...)
		return nil
	})
}

// Rewind restores the snapshot n entries back in the session's history,
// discarding the intervening entries (and n itself) — §4.8, S7.
func (m *Manager) Rewind(id string, n int) error {
	if n <= 0 {
		return models.ErrInvalidInput
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.history) {
		return fmt.Errorf("rewind: history has only %d entries, cannot rewind %d", len(s.history), n)
	}
	target := s.history[len(s.history)-n]
	restored, err := vm.NewVMFromSnapshot(target)
	if err != nil {
		return err
	}
	s.vm = restored
	s.history = s.history[:len(s.history)-n]
	return nil
}

// lockOrder returns a, b sorted so cross-session operations always take
// locks in the same total order by id, preventing an A-then-B / B-then-A
// deadlock cycle (§5).
func lockOrder(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// withOrderedLocks locks boxes[first] then boxes[second] (first <= second
// lexically) around fn, unlocking in reverse on return. Every acquire/
// release is reported through logger.LogLockOperation — a no-op unless
// the operator has turned on tracing — since this is precisely the lock
// path §5 asks to stay deadlock-free under cross-session contention.
func withOrderedLocks(boxes map[string]*Sandbox, first, second string, fn func() error) error {
	if first == second {
		b := boxes[first]
		logger.LogLockOperation(first, "sandbox", first, "acquire")
		b.mu.Lock()
		defer func() {
			b.mu.Unlock()
			logger.LogLockOperation(first, "sandbox", first, "release")
		}()
		return fn()
	}
	logger.LogLockOperation(first, "sandbox", first, "acquire")
	boxes[first].mu.Lock()
	defer func() {
		boxes[first].mu.Unlock()
		logger.LogLockOperation(first, "sandbox", first, "release")
	}()
	logger.LogLockOperation(second, "sandbox", second, "acquire")
	boxes[second].mu.Lock()
	defer func() {
		boxes[second].mu.Unlock()
		logger.LogLockOperation(second, "sandbox", second, "release")
	}()
	return fn()
}
