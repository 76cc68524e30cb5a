package vm

import (
	"fmt"
	"math/big"

	"github.com/parcadei/ouros/models"
)

// VM is one sandbox instance: a heap, a frame stack, a resource tracker,
// and the suspension bookkeeping of §4.6. Execution is a single flat
// loop over the FrameStack rather than Go-level recursion, so that an
// external call nested arbitrarily deep inside user dunder calls can
// suspend and later resume without unwinding the Go call stack — the
// FrameStack *is* the continuation.
type VM struct {
	Heap    *models.Heap
	Frames  *FrameStack
	Tracker *Tracker
	Program *CompiledProgram

	Globals map[string]models.Value

	externalNames map[string]bool
	osFunctions   map[string]bool

	nextCallID   uint64
	pendingCalls map[uint64]*PendingCall

	// pendingBinaries/pendingForIters/pendingSubscripts/pendingMemberships
	// are VM-wide continuation registers (§9), ordered as a LIFO stack
	// matching strictly nested dunder calls.
	pendingBinaries    []PendingBinary
	pendingForIters    []PendingForIter
	pendingSubscripts  []PendingSubscript
	pendingMemberships []PendingMembership

	// classes maps a class object's HeapId to its TypeDescriptor, so
	// dunder lookups can walk an MRO of HeapIds back to descriptors.
	classes map[models.HeapId]*models.TypeDescriptor

	// builtinExceptionClasses lazily registers a TypeDescriptor for each
	// built-in exception type name the first time it is actually raised,
	// so allocException always has a Class to attach.
	builtinExceptionClasses map[string]models.HeapId

	// buildClassID is the lazily-allocated heap slot for the
	// __build_class__ sentinel (§4.4.9), 0 until first referenced.
	buildClassID models.HeapId

	finished    bool
	completeVal models.Value
	fatalErr    error // set by deliverError when an error surfaces outside exec()'s own return path

	// printSink receives the driver-supplied print sink (§6 "run").
	printSink func(string)
}

// NewVM constructs a fresh sandbox instance for prog. sessionID labels
// the resource-tracker metrics (§4.5's "domain" grounding).
func NewVM(prog *CompiledProgram, limits Limits, sessionID string) *VM {
	externalNames := make(map[string]bool, len(prog.Externals))
	for _, n := range prog.Externals {
		externalNames[n] = true
	}
	vm := &VM{
		Heap:          models.NewHeap(),
		Frames:        NewFrameStack(),
		Tracker:       NewTracker(sessionID, limits),
		Program:       prog,
		Globals:       make(map[string]models.Value),
		externalNames: externalNames,
		osFunctions:   prog.OSFunctions,
		pendingCalls:  make(map[uint64]*PendingCall),
		classes:       make(map[models.HeapId]*models.TypeDescriptor),
	}
	return vm
}

// SetPrintSink wires an optional driver-supplied print sink (§6).
func (vm *VM) SetPrintSink(sink func(string)) { vm.printSink = sink }

// materializeConstant lazily allocates heap-backed constants the first
// time a function references them, using ConstPayloads recorded by the
// Builder.
func (vm *VM) materializeConstant(idx int) models.Value {
	v := vm.Program.Constants[idx]
	if v.Heap != 0 {
		return v
	}
	payload, ok := vm.Program.ConstPayloads[idx]
	if !ok {
		return v
	}
	var id models.HeapId
	switch v.Kind {
	case models.KindStr:
		s := payload.(string)
		id = vm.Heap.InternString(s)
	case models.KindInt:
		i := payload.(int64)
		if iid, small := vm.Heap.InternSmallInt(i); small {
			id = iid
		} else {
			id = vm.Heap.Alloc(models.KindInt, &models.BigInt{V: big.NewInt(i)})
		}
	default:
		id = vm.Heap.Alloc(v.Kind, payload)
	}
	vm.Heap.Incref(id)
	resolved := models.FromHeap(v.Kind, id)
	vm.Program.Constants[idx] = resolved // cache for next use
	return resolved
}

// Run starts execution with the given declared inputs (§6 "run").
func (vm *VM) Run(inputs map[string]models.Value) (*SuspensionState, error) {
	for name, v := range inputs {
		vm.Globals[name] = v
	}
	main := vm.Program.Functions[vm.Program.Main]
	if err := vm.pushFrame(main, nil, nil, nil); err != nil {
		return nil, err
	}
	vm.Tracker.Start()
	return vm.loop()
}

// Resume delivers an outcome for a single external call (§4.6 step 4, §6 "resume").
func (vm *VM) Resume(callID uint64, outcome Outcome) (*SuspensionState, error) {
	pc, ok := vm.pendingCalls[callID]
	if !ok {
		return nil, fmt.Errorf("resume: unknown call_id %d", callID)
	}
	if pc.Resumed {
		return nil, models.ErrAlreadyResumed
	}
	pc.Resumed = true
	delete(vm.pendingCalls, callID)

	switch outcome.Kind {
	case OutcomeValue:
		f := vm.Frames.At(pc.FrameDepth)
		f.Push(outcome.Value)
		if outcome.Value.Heap != 0 {
			vm.Heap.Incref(outcome.Value.Heap)
		}
	case OutcomeException:
		exc := models.NewException(outcome.ExcType, outcome.ExcMsg)
		if err := vm.raiseAt(pc.FrameDepth, exc); err != nil {
			return nil, err
		}
	case OutcomePending:
		// Re-register as still pending; FutureAwait resolves it later.
		pc.Resumed = false
		vm.pendingCalls[callID] = pc
		return &SuspensionState{Kind: SuspendFutureAwait, PendingCallIDs: []uint64{callID}}, nil
	}
	vm.Tracker.Start()
	return vm.loop()
}

// ResumeFutures delivers outcomes for possibly many pending futures at
// once (§4.6 step 6). Order of application does not matter to the VM
// (§5 "the VM must not depend on order"), so they are applied in
// map-iteration order.
func (vm *VM) ResumeFutures(outcomes map[uint64]Outcome) (*SuspensionState, error) {
	for callID, outcome := range outcomes {
		if outcome.Kind == OutcomePending {
			continue
		}
		pc, ok := vm.pendingCalls[callID]
		if !ok || pc.Resumed {
			continue
		}
		pc.Resumed = true
		delete(vm.pendingCalls, callID)
		switch outcome.Kind {
		case OutcomeValue:
			f := vm.Frames.At(pc.FrameDepth)
			f.Push(outcome.Value)
			if outcome.Value.Heap != 0 {
				vm.Heap.Incref(outcome.Value.Heap)
			}
		case OutcomeException:
			exc := models.NewException(outcome.ExcType, outcome.ExcMsg)
			if err := vm.raiseAt(pc.FrameDepth, exc); err != nil {
				return nil, err
			}
		}
	}
	if len(vm.pendingCalls) > 0 {
		ids := make([]uint64, 0, len(vm.pendingCalls))
		for id := range vm.pendingCalls {
			ids = append(ids, id)
		}
		return &SuspensionState{Kind: SuspendFutureAwait, PendingCallIDs: ids}, nil
	}
	vm.Tracker.Start()
	return vm.loop()
}

// loop is the flat opcode dispatch loop (C4). It runs until the frame
// stack empties (Complete), an external call suspends execution, or a
// resource breach/unhandled exception ends the run.
func (vm *VM) loop() (*SuspensionState, error) {
	for vm.Frames.Len() > 0 {
		if err := vm.Tracker.CheckTime(); err != nil {
			return nil, vm.escapeToHost(err)
		}
		f := vm.Frames.Top()
		if f.IP >= len(f.Fn.Code) {
			// Implicit "return None" for a function body that falls off the end.
			f.Push(models.None())
			vm.execReturn(f)
			continue
		}
		instr := f.Fn.Code[f.IP]
		f.IP++
		suspend, err := vm.exec(f, instr)
		if err != nil {
			if err2 := vm.handleError(err); err2 != nil {
				return nil, vm.escapeToHost(err2)
			}
			continue
		}
		if vm.fatalErr != nil {
			err2 := vm.fatalErr
			vm.fatalErr = nil
			vm.finished = false
			return nil, vm.escapeToHost(err2)
		}
		if vm.finished {
			return &SuspensionState{Kind: SuspendComplete, CompleteValue: vm.completeVal}, nil
		}
		if suspend != nil {
			return suspend, nil
		}
	}
	return &SuspensionState{Kind: SuspendComplete, CompleteValue: vm.completeVal}, nil
}

// escapeToHost converts an error that survived unwinding into the §7
// RuntimeError shape, unless it is already a host-side Go error (a
// resource breach raised before any frame existed, or a driver-misuse error).
func (vm *VM) escapeToHost(err error) error {
	if exc, ok := err.(*models.PyException); ok {
		return models.NewRuntimeError(exc)
	}
	return err
}
