package vm

import (
	"github.com/parcadei/ouros/models"
)

// PendingStage is the continuation register recording which leg of a
// binary/inplace operator protocol is in flight across a user-dunder
// frame push (§4.4.2, §4.4.3, §9 "Continuation register").
type PendingStage uint8

const (
	StagePrimary PendingStage = iota
	StageReflected
	StageInplace
)

// PendingCategory distinguishes which protocol a PendingBinary entry
// belongs to, since all three share the same VM-wide LIFO stack and
// execReturn must route a returning dunder call to the right resume
// function (§4.4.2 binary/inplace vs §4.4.4 rich comparison vs equality).
type PendingCategory uint8

const (
	CategoryBinary PendingCategory = iota
	CategoryCompare
	CategoryEq
	// CategoryCtor marks an __init__ call in flight during instantiate():
	// its return value (always None) is discarded and entry.L (the
	// already-constructed instance) is pushed instead.
	CategoryCtor

	// CategoryWithEnter/CategoryWithExit mark __enter__/__exit__ calls in
	// flight for a with-block (§4.4.9). PlanIdx doubles as the "as" target
	// local index (-1 if the with-block has no "as" clause) for
	// CategoryWithEnter.
	CategoryWithEnter
	CategoryWithExit

	// CategoryClassBody marks a class body frame run by __build_class__
	// (§4.4.9). R holds the declared bases tuple, OpSymbol the class name;
	// the body's own namespace is collected from the frame's ClassNS once
	// it returns.
	CategoryClassBody
)

// PendingBinary is one entry of the pending-binary-dunder stack (§4.4.2,
// §4.4.4). Despite the name it also covers rich comparisons and equality,
// which follow the identical staged-dunder-call shape.
type PendingBinary struct {
	FrameDepth int
	Stage      PendingStage
	L, R       models.Value
	OpSymbol   string
	SwappedOnce bool // "provided this subclass swap has not already been performed"
	IsInplace  bool
	Category   PendingCategory

	// Plan is the ordered sequence of stages left to try for this
	// operator invocation, decided once up front from the subclass-
	// priority rule (§4.4.2 step 3); PlanIdx is the index of the stage
	// whose dunder call is currently in flight.
	Plan    []PendingStage
	PlanIdx int
}

// PendingForIter records a ForIter continuation register for a user
// __next__ call that pushes a frame (§4.4.8).
type PendingForIter struct {
	FrameDepth int
	JumpOffset int
	Iterator   models.Value
}

// PendingMembership records a __contains__ call in flight for `in`/`not
// in` (§4.4's membership test). Only the __contains__ tier suspends: the
// iteration/old-style-__getitem__ fallback tiers run to completion
// synchronously (see scanForMember in membership.go) and never appear here.
type PendingMembership struct {
	FrameDepth int
	NotIn      bool
}

// PendingSubscript records either a __getitem__ call in flight, or the
// §4.4.7 "rewind one instruction, retry after __index__" continuation
// (Coercing true) for a non-int key on a builtin sequence.
type PendingSubscript struct {
	FrameDepth int
	Container  models.Value
	KeyObj     models.Value
	Coercing   bool
}

// Frame is one call frame (§3 "Frame", §4.3).
type Frame struct {
	Fn         *CompiledFunction
	IP         int
	Stack      []models.Value // operand stack, len capped at Fn.MaxStack
	Locals     []models.Value
	Cells      []models.HeapId // owned Cell ids, index-aligned with Fn.CellNames
	FreeCells  []models.HeapId // captured (not owned) Cell ids, aligned with Fn.FreeVars
	Self       models.HeapId   // owning Function heap id, 0 for synthetic frames

	// Exception handling (§4.4.10)
	HandlerStack []activeHandler

	// PendingReraise holds an exception a finally block must re-raise once
	// it finishes running, unless the finally body itself returns, breaks,
	// or raises a new exception first (§4.4.10 finally semantics).
	PendingReraise *models.PyException

	// CurrentException is the exception an active except block is
	// handling, consulted by a bare "raise" (OpReraise) inside it.
	CurrentException *models.PyException

	// WithStack records the active with-blocks' context managers and
	// resolved __exit__ methods (§4.4.9), innermost last.
	WithStack []withEntry

	// Generator/coroutine support (§9): when IsGenerator, Return suspends
	// rather than popping, and the frame is kept alive on the heap.
	IsGenerator bool
	Done        bool

	// GenRef back-points to the Generator object this frame belongs to, so
	// execReturn can mark it exhausted once the frame falls off the end
	// instead of running the ordinary for-iter "push the value" path.
	GenRef *Generator

	// ClassNS is non-nil only for a frame running a class body: store_global/
	// load_global target this namespace dict instead of vm.Globals, the way
	// CPython's class-body frame uses f_locals as its own __dict__-to-be
	// (§4.4.9).
	ClassNS map[string]models.Value
}

type activeHandler struct {
	Entry HandlerEntry
}

func NewFrame(fn *CompiledFunction) *Frame {
	return &Frame{
		Fn:     fn,
		Stack:  make([]models.Value, 0, fn.MaxStack),
		Locals: make([]models.Value, fn.NumLocals),
		Cells:  make([]models.HeapId, len(fn.CellNames)),
	}
}

func (f *Frame) Push(v models.Value) { f.Stack = append(f.Stack, v) }

func (f *Frame) Pop() models.Value {
	n := len(f.Stack)
	v := f.Stack[n-1]
	f.Stack = f.Stack[:n-1]
	return v
}

func (f *Frame) Top() models.Value { return f.Stack[len(f.Stack)-1] }

func (f *Frame) Depth() int { return len(f.Stack) }

// TruncateTo shrinks the operand stack to depth n, decref-ing every
// discarded slot through heap (§4.1 "Every VM operation that drops a
// stack slot must decref exactly once" / §4.4.10 unwinding rule).
func (f *Frame) TruncateTo(heap *models.Heap, n int) {
	for len(f.Stack) > n {
		v := f.Pop()
		if v.Heap != 0 {
			heap.Decref(v.Heap)
		}
	}
}

// FrameStack is a growable vector of frames (§3, §4.3).
type FrameStack struct {
	frames []*Frame
}

func NewFrameStack() *FrameStack { return &FrameStack{} }

func (s *FrameStack) Len() int { return len(s.frames) }

func (s *FrameStack) Top() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *FrameStack) At(depth int) *Frame { return s.frames[depth] }

// Push installs fn as a new top frame after argument binding by the
// caller (pushFrame/bindFrame in call.go perform the actual binding; this is
// the bare stack-manipulation primitive).
func (s *FrameStack) Push(f *Frame) { s.frames = append(s.frames, f) }

// Pop releases the top frame. Locals/cells are released by the caller
// (call.go's popFrame) right after this returns, since that requires
// access to the heap.
func (s *FrameStack) Pop() *Frame {
	n := len(s.frames)
	f := s.frames[n-1]
	s.frames = s.frames[:n-1]
	return f
}

