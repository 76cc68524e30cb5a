package vm

import "github.com/parcadei/ouros/models"

// classOf returns the TypeDescriptor governing v's dunder lookups: the
// heap entry's Type for an Instance, or, for a ClassObject, that class's
// own TypeDescriptor (not its metaclass), so a lookup on a class object
// walks the class's own MRO.
func (vm *VM) classOf(v models.Value) *models.TypeDescriptor {
	if v.Kind == models.KindClass {
		return vm.classes[v.Heap]
	}
	e, ok := vm.Heap.Read(v.Heap)
	if !ok || e.Type == nil {
		return nil
	}
	return e.Type
}

// lookupTypeDunder walks instance's type MRO for name (§4.4.1), with the
// §4.1 unhashability rule run first when name == "__hash__".
func (vm *VM) lookupTypeDunder(t *models.TypeDescriptor, name string) models.Dunder {
	if t == nil {
		return models.Dunder{State: models.DunderAbsent}
	}
	if name == "__hash__" {
		if unhashable, _ := vm.isUnhashable(t); unhashable {
			return models.Dunder{State: models.DunderIsNone}
		}
	}
	if d, ok := t.CachedDunder(name); ok {
		return d
	}
	d := vm.walkMRODunder(t, name)
	t.SetCachedDunder(name, d)
	return d
}

func (vm *VM) walkMRODunder(t *models.TypeDescriptor, name string) models.Dunder {
	for i, classID := range t.MRO {
		cls := vm.classes[classID]
		if cls == nil {
			continue
		}
		if fid, ok := cls.Namespace[name]; ok {
			return models.Dunder{State: models.DunderResolved, Func: fid, DefiningIdx: i}
		}
	}
	return models.Dunder{State: models.DunderAbsent}
}

// isUnhashable implements §4.1's "unhashability rule": __hash__ bound
// explicitly to None anywhere in the MRO, or __eq__ defined by a class in
// the MRO with no __hash__ defined in that same class or an earlier one
// (a __hash__ inherited from a later base does not count).
func (vm *VM) isUnhashable(t *models.TypeDescriptor) (bool, string) {
	eqDefiningIdx := -1
	hashDefiningIdx := -1
	hashIsNone := false
	for i, classID := range t.MRO {
		cls := vm.classes[classID]
		if cls == nil {
			continue
		}
		if fid, ok := cls.Namespace["__eq__"]; ok && eqDefiningIdx == -1 {
			eqDefiningIdx = i
			_ = fid
		}
		if fid, ok := cls.Namespace["__hash__"]; ok && hashDefiningIdx == -1 {
			hashDefiningIdx = i
			if vm.isNoneLiteral(fid) {
				hashIsNone = true
			}
		}
	}
	if hashIsNone {
		return true, "unhashable type: '" + t.Name + "'"
	}
	if eqDefiningIdx != -1 && (hashDefiningIdx == -1 || hashDefiningIdx > eqDefiningIdx) {
		return true, "unhashable type: '" + t.Name + "'"
	}
	return false, ""
}

// isNoneLiteral reports whether a namespace entry was assigned the
// literal None (Python's "__hash__ = None" idiom for declaring a type
// explicitly unhashable).
func (vm *VM) isNoneLiteral(id models.HeapId) bool {
	e, ok := vm.Heap.Read(id)
	return ok && e.Kind == models.KindNone
}

// lookupMetaclassDunder walks the metaclass MRO, filtering root-class
// fallbacks so only user-defined metaclass overrides are observed (§4.4.1).
var rootFallbacks = map[string]bool{
	"__getattribute__": true,
	"__call__":         true,
	"__new__":          true,
	"__init__":         true,
}

func (vm *VM) lookupMetaclassDunder(meta *models.TypeDescriptor, name string) models.Dunder {
	d := vm.walkMRODunder(meta, name)
	if d.State == models.DunderResolved && d.DefiningIdx == len(meta.MRO)-1 && rootFallbacks[name] {
		return models.Dunder{State: models.DunderAbsent}
	}
	return d
}

// callDunder pushes a frame for a resolved dunder function and returns
// nil once the frame has been pushed (the caller's exec loop must then
// `continue` so the new frame runs next). The caller is responsible for
// recording whatever continuation register lets execReturn resume
// correctly once this frame returns.
func (vm *VM) callDunder(fid models.HeapId, args []models.Value) error {
	e, ok := vm.Heap.Read(fid)
	if !ok {
		return models.NewException("TypeError", "dunder method is not callable")
	}
	fn, ok := e.Value.(*models.Function)
	if !ok {
		return models.NewException("TypeError", "dunder method is not callable")
	}
	code, ok := fn.Code.(*CompiledFunction)
	if !ok {
		return models.NewException("SystemError", "dunder function has no compiled code")
	}
	for _, a := range args {
		if a.Heap != 0 {
			vm.Heap.Incref(a.Heap)
		}
	}
	return vm.pushFrame(code, args, nil, fn.Closure)
}
