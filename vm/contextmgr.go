// Context manager protocol for with-blocks (§4.4.9). The compiler is
// expected to lower "with cm as x: BODY" into the same try/finally shape
// execEndFinally already drives, with an OpWithCleanup call as the
// finally body, so no new unwinding machinery is needed here beyond the
// __enter__/__exit__ dunder calls themselves.
package vm

import "github.com/parcadei/ouros/models"

type withEntry struct {
	ExitFunc models.HeapId
	CM       models.Value
}

// execSetupWith implements setup_with: resolve __enter__/__exit__, call
// __enter__, and bind its result into localIdx (or discard it if the
// with-block has no "as" clause, localIdx == -1).
func (vm *VM) execSetupWith(f *Frame, localIdx int) error {
	cm := f.Pop()
	t := vm.classOf(cm)
	if t == nil {
		return models.NewException("TypeError", "'"+vm.kindNameOf(cm)+"' object does not support the context manager protocol")
	}
	enter := vm.lookupTypeDunder(t, "__enter__")
	exit := vm.lookupTypeDunder(t, "__exit__")
	if enter.State != models.DunderResolved || exit.State != models.DunderResolved {
		return models.NewException("TypeError", "'"+vm.kindNameOf(cm)+"' object does not support the context manager protocol")
	}
	f.WithStack = append(f.WithStack, withEntry{ExitFunc: exit.Func, CM: cm})
	vm.pendingBinaries = append(vm.pendingBinaries, PendingBinary{
		FrameDepth: vm.Frames.Len(),
		Category:   CategoryWithEnter,
		PlanIdx:    localIdx,
	})
	return vm.callDunder(enter.Func, []models.Value{cm})
}

func (vm *VM) resumeWithEnter(f *Frame, entry PendingBinary, ret models.Value) {
	if entry.PlanIdx < 0 {
		if ret.Heap != 0 {
			vm.Heap.Decref(ret.Heap)
		}
		return
	}
	if old := f.Locals[entry.PlanIdx]; old.Heap != 0 {
		vm.Heap.Decref(old.Heap)
	}
	f.Locals[entry.PlanIdx] = ret
}

// execWithCleanup implements with_cleanup, the finally-body instruction a
// with-block compiles to: call __exit__ with the in-flight exception (if
// any), and let a truthy return suppress it.
func (vm *VM) execWithCleanup(f *Frame) error {
	if len(f.WithStack) == 0 {
		return models.NewException("SystemError", "with_cleanup with no active with-block")
	}
	we := f.WithStack[len(f.WithStack)-1]
	f.WithStack = f.WithStack[:len(f.WithStack)-1]

	excType, excMsg := models.None(), models.None()
	if f.PendingReraise != nil {
		excType = vm.strValue(f.PendingReraise.TypeName)
		excMsg = vm.strValue(f.PendingReraise.Message)
	}
	vm.pendingBinaries = append(vm.pendingBinaries, PendingBinary{
		FrameDepth: vm.Frames.Len(),
		Category:   CategoryWithExit,
	})
	return vm.callDunder(we.ExitFunc, []models.Value{we.CM, excType, excMsg, models.None()})
}

func (vm *VM) resumeWithExit(f *Frame, entry PendingBinary, ret models.Value) {
	suppress, err := vm.truthy(ret)
	if err == nil && suppress {
		f.PendingReraise = nil
	}
}
