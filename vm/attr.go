// Attribute access protocol (§4.4.6).
package vm

import "github.com/parcadei/ouros/models"

// execLoadAttr implements the default __getattribute__ order: data
// descriptor on the MRO, then instance __dict__/slot, then non-data
// descriptor or plain class attribute, then __getattr__ as a last resort.
func (vm *VM) execLoadAttr(f *Frame, name string) error {
	obj := f.Pop()
	t := vm.classOf(obj)
	if t != nil {
		if ga := vm.lookupTypeDunder(t, "__getattribute__"); ga.State == models.DunderResolved {
			return vm.callDunder(ga.Func, []models.Value{obj, vm.strValue(name)})
		}
	}

	var classAttr, definer models.HeapId
	if t != nil {
		classAttr, definer = vm.mroLookup(t, name)
	}
	if definer != 0 {
		if desc, ok := vm.asDescriptor(classAttr); ok && desc.isData {
			return vm.invokeGetDescriptor(f, classAttr, obj, definer)
		}
	}

	if v, ok := vm.instanceAttr(obj, name, false); ok {
		f.Push(v)
		return nil
	}

	if definer != 0 {
		if desc, ok := vm.asDescriptor(classAttr); ok && desc.isNonData {
			return vm.invokeGetDescriptor(f, classAttr, obj, definer)
		}
		vm.Heap.Incref(classAttr)
		f.Push(models.FromHeap(vm.kindOfHeap(classAttr), classAttr))
		return nil
	}

	if t != nil {
		d := vm.lookupTypeDunder(t, "__getattr__")
		if d.State == models.DunderResolved {
			return vm.callDunder(d.Func, []models.Value{obj, vm.strValue(name)})
		}
	}
	return models.NewException("AttributeError", "'"+vm.kindNameOf(obj)+"' object has no attribute '"+name+"'")
}

// instanceAttr looks directly at an instance's __dict__/slots (or a
// module's namespace) for name. dataOnly restricts the lookup to data
// descriptors held there (always false in practice for plain instances,
// since instances don't themselves hold descriptors — kept for symmetry
// with the class-attribute branch above).
func (vm *VM) instanceAttr(obj models.Value, name string, dataOnly bool) (models.Value, bool) {
	if dataOnly {
		return models.Value{}, false
	}
	e, ok := vm.Heap.Read(obj.Heap)
	if !ok {
		return models.Value{}, false
	}
	switch p := e.Value.(type) {
	case *models.Instance:
		if p.Dict != nil {
			if v, ok := p.Dict[name]; ok {
				return v, true
			}
		}
		if p.Class != nil {
			for i, s := range p.Class.Slots {
				if s == name && i < len(p.SlotVals) {
					return p.SlotVals[i], true
				}
			}
		}
	case *models.Module:
		if v, ok := p.Namespace[name]; ok {
			return v, true
		}
	}
	return models.Value{}, false
}

// mroLookup walks t's MRO (via vm.classes) for the first class defining
// name in its own Namespace, returning that member's HeapId and the
// defining class's HeapId (0, 0 if absent).
func (vm *VM) mroLookup(t *models.TypeDescriptor, name string) (models.HeapId, models.HeapId) {
	for _, clsID := range t.MRO {
		cls, ok := vm.classes[clsID]
		if !ok {
			continue
		}
		if id, ok := cls.Namespace[name]; ok {
			return id, clsID
		}
	}
	if id, ok := t.Namespace[name]; ok {
		return id, 0
	}
	return 0, 0
}

type descriptorInfo struct {
	isData    bool
	isNonData bool
}

// asDescriptor reports whether the heap object at id defines __get__
// (making it a descriptor at all) and whether it also defines __set__ or
// __delete__ (making it a *data* descriptor, which outranks instance dict).
func (vm *VM) asDescriptor(id models.HeapId) (descriptorInfo, bool) {
	e, ok := vm.Heap.Read(id)
	if !ok || e.Type == nil {
		return descriptorInfo{}, false
	}
	get := vm.lookupTypeDunder(e.Type, "__get__")
	if get.State != models.DunderResolved {
		return descriptorInfo{}, false
	}
	set := vm.lookupTypeDunder(e.Type, "__set__")
	del := vm.lookupTypeDunder(e.Type, "__delete__")
	isData := set.State == models.DunderResolved || del.State == models.DunderResolved
	return descriptorInfo{isData: isData, isNonData: !isData}, true
}

func (vm *VM) invokeGetDescriptor(f *Frame, descID models.HeapId, obj models.Value, owner models.HeapId) error {
	e, _ := vm.Heap.Read(descID)
	d := vm.lookupTypeDunder(e.Type, "__get__")
	ownerVal := models.FromHeap(models.KindClass, owner)
	return vm.callDunder(d.Func, []models.Value{models.FromHeap(vm.kindOfHeap(descID), descID), obj, ownerVal})
}

func (vm *VM) kindOfHeap(id models.HeapId) models.Kind {
	e, ok := vm.Heap.Read(id)
	if !ok {
		return models.KindNone
	}
	return e.Kind
}

// execStoreAttr implements store_attr: a data descriptor's __set__ wins
// over writing the instance dict directly; otherwise write through.
func (vm *VM) execStoreAttr(f *Frame, name string) error {
	obj := f.Pop()
	val := f.Pop()
	t := vm.classOf(obj)
	if t != nil {
		if classAttr, _ := vm.mroLookup(t, name); classAttr != 0 {
			if desc, ok := vm.asDescriptor(classAttr); ok && desc.isData {
				e, _ := vm.Heap.Read(classAttr)
				d := vm.lookupTypeDunder(e.Type, "__set__")
				return vm.callDunder(d.Func, []models.Value{models.FromHeap(vm.kindOfHeap(classAttr), classAttr), obj, val})
			}
		}
	}
	e, ok := vm.Heap.Read(obj.Heap)
	if !ok {
		return models.NewException("AttributeError", "cannot set attribute")
	}
	switch p := e.Value.(type) {
	case *models.Instance:
		if p.Class != nil && p.Class.Slots != nil {
			for i, s := range p.Class.Slots {
				if s == name {
					if i < len(p.SlotVals) && p.SlotVals[i].Heap != 0 {
						vm.Heap.Decref(p.SlotVals[i].Heap)
					}
					for len(p.SlotVals) <= i {
						p.SlotVals = append(p.SlotVals, models.Value{})
					}
					p.SlotVals[i] = val
					return nil
				}
			}
			return models.NewException("AttributeError", "'"+t.Name+"' object has no attribute '"+name+"'")
		}
		if p.Dict == nil {
			p.Dict = make(map[string]models.Value)
		}
		if old, ok := p.Dict[name]; ok && old.Heap != 0 {
			vm.Heap.Decref(old.Heap)
		}
		p.Dict[name] = val
	case *models.Module:
		p.Namespace[name] = val
	case *models.ClassObject:
		vm.storeClassAttr(p.Type, obj.Heap, name, val)
	default:
		return models.NewException("AttributeError", "'"+vm.kindNameOf(obj)+"' object has no attribute '"+name+"'")
	}
	return nil
}

// storeClassAttr writes name = val into td's own namespace (a class write,
// not an instance write) and invalidates the dunder cache of td and every
// class that has classID in its MRO — any of their cached lookups may have
// resolved through the binding just replaced (§4.4's "the dunder map is
// invalidated on any write to any class in the MRO"). Mirrors
// execMakeClass's own namespace-population tolerance: a value with no heap
// payload (e.g. a bare bool) is not representable in Namespace's
// map[string]HeapId and is dropped, same as a class body assigning one.
func (vm *VM) storeClassAttr(td *models.TypeDescriptor, classID models.HeapId, name string, val models.Value) {
	old, hadOld := td.Namespace[name]
	if val.Heap != 0 {
		vm.Heap.Incref(val.Heap)
		td.Namespace[name] = val.Heap
	} else {
		delete(td.Namespace, name)
	}
	if hadOld && old != 0 {
		vm.Heap.Decref(old)
	}
	vm.invalidateDunderCacheForClass(classID)
}

// invalidateDunderCacheForClass clears classID's own dunder cache plus the
// cache of every other known class with classID in its MRO (its
// descendants), since a namespace write on classID can change what any of
// them would resolve a dunder lookup to.
func (vm *VM) invalidateDunderCacheForClass(classID models.HeapId) {
	td, ok := vm.classes[classID]
	if !ok {
		return
	}
	td.InvalidateDunderCache()
	for _, other := range vm.classes {
		if other == td {
			continue
		}
		if models.IsProperSubclassMRO(other.MRO, classID) {
			other.InvalidateDunderCache()
		}
	}
}

// execDeleteAttr implements delete_attr analogously to execStoreAttr.
func (vm *VM) execDeleteAttr(f *Frame, name string) error {
	obj := f.Pop()
	t := vm.classOf(obj)
	if t != nil {
		if classAttr, _ := vm.mroLookup(t, name); classAttr != 0 {
			if desc, ok := vm.asDescriptor(classAttr); ok && desc.isData {
				e, _ := vm.Heap.Read(classAttr)
				d := vm.lookupTypeDunder(e.Type, "__delete__")
				if d.State == models.DunderResolved {
					return vm.callDunder(d.Func, []models.Value{models.FromHeap(vm.kindOfHeap(classAttr), classAttr), obj})
				}
			}
		}
	}
	e, ok := vm.Heap.Read(obj.Heap)
	if !ok {
		return models.NewException("AttributeError", "cannot delete attribute")
	}
	switch p := e.Value.(type) {
	case *models.Instance:
		if p.Dict == nil {
			return models.NewException("AttributeError", "'"+vm.kindNameOf(obj)+"' object has no attribute '"+name+"'")
		}
		old, ok := p.Dict[name]
		if !ok {
			return models.NewException("AttributeError", "'"+t.Name+"' object has no attribute '"+name+"'")
		}
		if old.Heap != 0 {
			vm.Heap.Decref(old.Heap)
		}
		delete(p.Dict, name)
	case *models.ClassObject:
		old, ok := p.Type.Namespace[name]
		if !ok {
			return models.NewException("AttributeError", "'"+p.Type.Name+"' object has no attribute '"+name+"'")
		}
		delete(p.Type.Namespace, name)
		if old != 0 {
			vm.Heap.Decref(old)
		}
		vm.invalidateDunderCacheForClass(obj.Heap)
	default:
		return models.NewException("AttributeError", "'"+vm.kindNameOf(obj)+"' object has no attribute '"+name+"'")
	}
	return nil
}
