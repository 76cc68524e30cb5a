// Class creation (§4.4.9): a minimal but faithful __build_class__ protocol
// — compute the MRO via C3 linearization over the declared bases, run the
// class body to populate its namespace, then register the resulting
// TypeDescriptor.
package vm

import "github.com/parcadei/ouros/models"

// execMakeClass implements the class-construction primitive underlying
// __build_class__: given a class body already run as a function whose
// ClassNS became the class namespace, the declared base classes, and the
// class name, build and register a new TypeDescriptor and return the
// resulting ClassObject value.
func (vm *VM) execMakeClass(name string, bases []models.Value, namespace map[string]models.Value) (models.Value, error) {
	baseDescs := make([]*models.TypeDescriptor, 0, len(bases))
	baseIDs := make([]models.HeapId, 0, len(bases))
	for _, b := range bases {
		bt := vm.classOf(b)
		if bt == nil {
			return models.Value{}, models.NewException("TypeError", "bases must be classes")
		}
		baseDescs = append(baseDescs, bt)
		baseIDs = append(baseIDs, b.Heap)
	}

	mro, err := c3Linearize(name, baseIDs, baseDescs, vm.classes)
	if err != nil {
		return models.Value{}, err
	}

	td := models.NewTypeDescriptor(name)
	for k, v := range namespace {
		if v.Heap != 0 {
			td.Namespace[k] = v.Heap
			vm.Heap.Incref(v.Heap)
		}
	}
	for _, base := range baseDescs {
		for absName := range base.Abstract {
			if _, overridden := td.Namespace[absName]; !overridden {
				if td.Abstract == nil {
					td.Abstract = make(map[string]bool)
				}
				td.Abstract[absName] = true
			}
		}
	}
	if marker, ok := namespace["__abstractmethods__"]; ok {
		if e, ok := vm.Heap.Read(marker.Heap); ok {
			if fs, ok := e.Value.(*models.FrozenSet); ok {
				for _, item := range fs.Items {
					if ie, ok := vm.Heap.Read(item.Heap); ok {
						if s, ok := ie.Value.(*models.Str); ok {
							if _, overridden := td.Namespace[s.S]; !overridden {
								if td.Abstract == nil {
									td.Abstract = make(map[string]bool)
								}
								td.Abstract[s.S] = true
							}
						}
					}
				}
			}
		}
	}

	selfID := vm.Heap.Alloc(models.KindClass, &models.ClassObject{Type: td})
	td.MRO = append([]models.HeapId{selfID}, mro...)
	vm.classes[selfID] = td
	if len(baseDescs) > 0 {
		td.Metaclass = baseDescs[0].Metaclass
	}

	// __set_name__ (§4.4.9): every namespace member defining it is told
	// its own attribute name on this class. Driven synchronously to
	// completion (callSyncSimple, membership.go) rather than left as a
	// bare callDunder: execMakeClass itself already runs mid-resume (from
	// resumeClassBody), so nothing drives the exec loop to let a merely
	// pushed-but-not-run frame finish before the next member is visited.
	for attrName, memberID := range td.Namespace {
		if me, ok := vm.Heap.Read(memberID); ok && me.Type != nil {
			if d := vm.lookupTypeDunder(me.Type, "__set_name__"); d.State == models.DunderResolved {
				cls := models.FromHeap(models.KindClass, selfID)
				if _, err := vm.callSyncSimple(d.Func, []models.Value{models.FromHeap(me.Kind, memberID), cls, vm.strValue(attrName)}); err != nil {
					return models.Value{}, err
				}
			}
		}
	}

	if err := vm.runInitSubclass(selfID, td); err != nil {
		return models.Value{}, err
	}

	return models.FromHeap(models.KindClass, selfID), nil
}

// runInitSubclass invokes __init_subclass__ (§4.4.9) on the first ancestor
// (other than the class just created) that defines it, passing the new
// class as its implicit cls argument — CPython's implicit
// super().__init_subclass__(cls=new_class) called as part of class
// creation. Same synchronous-dunder idiom as the __set_name__ loop above.
func (vm *VM) runInitSubclass(selfID models.HeapId, td *models.TypeDescriptor) error {
	for i := 1; i < len(td.MRO); i++ {
		cls := vm.classes[td.MRO[i]]
		if cls == nil {
			continue
		}
		if fid, ok := cls.Namespace["__init_subclass__"]; ok {
			clsVal := models.FromHeap(models.KindClass, selfID)
			_, err := vm.callSyncSimple(fid, []models.Value{clsVal})
			return err
		}
	}
	return nil
}

// c3Linearize computes Python's C3 MRO for a new class given its direct
// bases' own (already-linearized) MROs, merging them plus the bases list
// itself, left to right, always taking the first candidate that does not
// appear in the tail of any other list (§9).
func c3Linearize(name string, baseIDs []models.HeapId, baseDescs []*models.TypeDescriptor, classes map[models.HeapId]*models.TypeDescriptor) ([]models.HeapId, error) {
	if len(baseIDs) == 0 {
		return nil, nil
	}
	sequences := make([][]models.HeapId, 0, len(baseIDs)+1)
	for _, b := range baseDescs {
		// b.MRO is already self-inclusive (every registered class's MRO
		// starts with its own id, see execMakeClass), exactly the L[Bi]
		// a base contributes to C3 merge — reuse it directly rather than
		// prepending baseIDs[i] again, which would duplicate the head
		// and make every single-base class unsatisfiable below.
		seq := append([]models.HeapId{}, b.MRO...)
		sequences = append(sequences, seq)
	}
	sequences = append(sequences, append([]models.HeapId{}, baseIDs...))

	var result []models.HeapId
	for {
		sequences = dropEmpty(sequences)
		if len(sequences) == 0 {
			return result, nil
		}
		var head models.HeapId
		found := false
		for _, seq := range sequences {
			candidate := seq[0]
			if !inTailOfAny(candidate, sequences) {
				head = candidate
				found = true
				break
			}
		}
		if !found {
			return nil, models.NewException("TypeError", "Cannot create a consistent method resolution order (MRO) for bases of class "+name)
		}
		result = append(result, head)
		for i := range sequences {
			sequences[i] = removeFirst(sequences[i], head)
		}
	}
}

func dropEmpty(seqs [][]models.HeapId) [][]models.HeapId {
	out := seqs[:0]
	for _, s := range seqs {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func inTailOfAny(id models.HeapId, seqs [][]models.HeapId) bool {
	for _, s := range seqs {
		for i := 1; i < len(s); i++ {
			if s[i] == id {
				return true
			}
		}
	}
	return false
}

func removeFirst(seq []models.HeapId, id models.HeapId) []models.HeapId {
	if len(seq) > 0 && seq[0] == id {
		return seq[1:]
	}
	return seq
}

// isinstance/issubclass (§4.4.9): consult clsID's own __instancecheck__/
// __subclasscheck__ first, the way a metaclass override would be asked in
// CPython's type(cls).__instancecheck__(cls, obj) — Ouros has no separate
// metaclass object, so (per the classOf §3 convention that a class's own
// TypeDescriptor doubles for its metaclass-dispatch role) the override is
// looked up directly in clsID's MRO rather than on a distinct metaclass.
// Falling back to the plain MRO-membership test when neither is defined.
func (vm *VM) isInstanceOf(obj models.Value, clsID models.HeapId) (bool, error) {
	t, ok := vm.classes[clsID]
	if !ok {
		return false, models.NewException("TypeError", "isinstance() arg 2 must be a class")
	}
	if d := vm.lookupTypeDunder(t, "__instancecheck__"); d.State == models.DunderResolved {
		clsVal := models.FromHeap(models.KindClass, clsID)
		ret, err := vm.callSyncSimple(d.Func, []models.Value{clsVal, obj})
		if err != nil {
			return false, err
		}
		return vm.truthy(ret)
	}
	ot := vm.classOf(obj)
	if ot == nil {
		return false, nil
	}
	for _, id := range ot.MRO {
		if id == clsID {
			return true, nil
		}
	}
	return false, nil
}

func (vm *VM) isSubclassOf(candidate *models.TypeDescriptor, ancestorID models.HeapId) (bool, error) {
	if t, ok := vm.classes[ancestorID]; ok {
		if d := vm.lookupTypeDunder(t, "__subclasscheck__"); d.State == models.DunderResolved {
			clsVal := models.FromHeap(models.KindClass, ancestorID)
			candVal := models.FromHeap(models.KindClass, findSelfID(vm, candidate))
			ret, err := vm.callSyncSimple(d.Func, []models.Value{clsVal, candVal})
			if err != nil {
				return false, err
			}
			return vm.truthy(ret)
		}
	}
	for _, id := range candidate.MRO {
		if id == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

// findSelfID recovers candidate's own class HeapId (its MRO's first
// entry) so isSubclassOf can pass it to a user __subclasscheck__ override
// without candidate needing to carry its own id as a field.
func findSelfID(vm *VM, candidate *models.TypeDescriptor) models.HeapId {
	if len(candidate.MRO) > 0 {
		return candidate.MRO[0]
	}
	return 0
}

// buildClassMarker is the payload behind the __build_class__ sentinel
// execLoadBuildClass pushes; dispatchCall recognizes it ahead of the
// ordinary *models.Function case (§4.4.9).
type buildClassMarker struct{}

// IsBuildClassMarker reports whether code is the __build_class__ sentinel
// payload, so the serializer (C7) can recognize and round-trip it without
// reaching into this package's unexported type.
func IsBuildClassMarker(code interface{}) bool {
	_, ok := code.(*buildClassMarker)
	return ok
}

// BuildClassMarkerValue returns a fresh sentinel payload, for the
// serializer to install on a restored Function whose Code was the
// __build_class__ marker.
func BuildClassMarkerValue() interface{} { return &buildClassMarker{} }

// execLoadBuildClass implements load_build_class: push the
// __build_class__ callable, lazily allocating its single frozen heap slot.
func (vm *VM) execLoadBuildClass(f *Frame) error {
	if vm.buildClassID == 0 {
		fn := &models.Function{Name: "__build_class__", Code: &buildClassMarker{}}
		vm.buildClassID = vm.Heap.AllocFrozen(models.KindFunction, fn)
	}
	vm.Heap.Incref(vm.buildClassID)
	f.Push(models.FromHeap(models.KindFunction, vm.buildClassID))
	return nil
}

// execBuildClass implements __build_class__(body, name, *bases): run body
// (a zero-arg function whose frame gets a fresh ClassNS instead of an
// ordinary Locals-backed scope) to populate the class namespace, then
// finish once it returns (resumeClassBody).
func (vm *VM) execBuildClass(f *Frame, args []models.Value) error {
	if len(args) < 2 {
		return models.NewException("TypeError", "__build_class__: not enough arguments")
	}
	bodyVal, nameVal, bases := args[0], args[1], args[2:]
	e, ok := vm.Heap.Read(bodyVal.Heap)
	if !ok {
		return models.NewException("TypeError", "__build_class__: func must be a function")
	}
	fn, ok := e.Value.(*models.Function)
	if !ok {
		return models.NewException("TypeError", "__build_class__: func must be a function")
	}
	code, ok := fn.Code.(*CompiledFunction)
	if !ok {
		return models.NewException("SystemError", "class body has no compiled code")
	}
	if err := vm.Tracker.CheckRecursion(vm.Frames.Len() + 1); err != nil {
		return err
	}
	nsFrame, err := vm.bindFrame(code, nil, nil, fn.Closure)
	if err != nil {
		return err
	}
	nsFrame.ClassNS = make(map[string]models.Value)

	basesID := vm.Heap.Alloc(models.KindTuple, &models.Tuple{Items: bases})
	vm.pendingBinaries = append(vm.pendingBinaries, PendingBinary{
		FrameDepth: vm.Frames.Len(),
		Category:   CategoryClassBody,
		R:          models.FromHeap(models.KindTuple, basesID),
		OpSymbol:   vm.goString(nameVal),
	})
	vm.Frames.Push(nsFrame)
	return nil
}

// resumeClassBody is invoked by execReturn once a class body frame
// returns: its ClassNS becomes the namespace execMakeClass registers.
func (vm *VM) resumeClassBody(f *Frame, entry PendingBinary, bodyFrame *Frame, ret models.Value) {
	if ret.Heap != 0 {
		vm.Heap.Decref(ret.Heap)
	}
	var bases []models.Value
	if be, ok := vm.Heap.Read(entry.R.Heap); ok {
		if t, ok := be.Value.(*models.Tuple); ok {
			bases = t.Items
		}
	}
	cls, err := vm.execMakeClass(entry.OpSymbol, bases, bodyFrame.ClassNS)
	vm.Heap.Decref(entry.R.Heap)
	if err != nil {
		vm.deliverError(f, err)
		return
	}
	f.Push(cls)
}
