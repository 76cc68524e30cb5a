// Subscripting protocol (§4.4.7), including the "non-int key that defines
// __index__" retry: the instruction pointer is rewound and the key is
// coerced to an int before the subscript op runs again.
package vm

import "github.com/parcadei/ouros/models"

func (vm *VM) execLoadSubscr(f *Frame) error {
	key := f.Pop()
	container := f.Pop()
	if pending, err := vm.coerceIndex(f, container, key); pending {
		return err
	}
	t := vm.classOf(container)
	if t != nil {
		d := vm.lookupTypeDunder(t, "__getitem__")
		if d.State == models.DunderResolved {
			vm.pendingSubscripts = append(vm.pendingSubscripts, PendingSubscript{
				FrameDepth: vm.Frames.Len(),
				Container:  container,
				KeyObj:     key,
			})
			return vm.callDunder(d.Func, []models.Value{container, key})
		}
	}
	v, err := vm.builtinGetItem(container, key)
	if err != nil {
		return err
	}
	f.Push(v)
	return nil
}

// coerceIndex implements the non-int-key retry rule: if key is not
// already an int/slice and the container expects one (built-in sequences
// need int indices), look up __index__ on key's type and call it,
// registering a PendingSubscript continuation that retries the op once
// the coerced int comes back. Returns pending=true when a frame was
// pushed, meaning the caller must stop and let the dispatch loop run it.
func (vm *VM) coerceIndex(f *Frame, container, key models.Value) (bool, error) {
	if key.Kind == models.KindInt || key.Kind == models.KindBool {
		return false, nil
	}
	e, ok := vm.Heap.Read(container.Heap)
	if !ok || !isBuiltinSequence(e.Value) {
		return false, nil
	}
	t := vm.classOf(key)
	if t == nil {
		return false, nil
	}
	d := vm.lookupTypeDunder(t, "__index__")
	if d.State != models.DunderResolved {
		return false, nil
	}
	f.IP--
	vm.pendingSubscripts = append(vm.pendingSubscripts, PendingSubscript{
		FrameDepth: vm.Frames.Len(),
		Container:  container,
		KeyObj:     key,
		Coercing:   true,
	})
	return true, vm.callDunder(d.Func, []models.Value{key})
}

func isBuiltinSequence(v interface{}) bool {
	switch v.(type) {
	case *models.List, *models.Tuple, *models.Str, *models.Bytes, *models.Bytearray:
		return true
	}
	return false
}

// resumeSubscript is invoked by execReturn once a __getitem__/__index__
// call this protocol pushed returns.
func (vm *VM) resumeSubscript(f *Frame, entry PendingSubscript, ret models.Value) {
	if entry.Coercing {
		// The bytecode IP was rewound; re-running the subscript op will
		// now see an int key where the original non-int object was.
		f.Push(entry.Container)
		f.Push(ret)
		return
	}
	f.Push(ret)
}

func (vm *VM) builtinGetItem(container, key models.Value) (models.Value, error) {
	e, ok := vm.Heap.Read(container.Heap)
	if !ok {
		return models.Value{}, models.NewException("TypeError", "'"+vm.kindNameOf(container)+"' object is not subscriptable")
	}
	idx, isInt := vm.asBigInt(key)
	switch p := e.Value.(type) {
	case *models.List:
		if !isInt {
			return models.Value{}, models.NewException("TypeError", "list indices must be integers")
		}
		i, err := normalizeIndex(idx.Int64(), len(p.Items))
		if err != nil {
			return models.Value{}, err
		}
		v := p.Items[i]
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		return v, nil
	case *models.Tuple:
		if !isInt {
			return models.Value{}, models.NewException("TypeError", "tuple indices must be integers")
		}
		i, err := normalizeIndex(idx.Int64(), len(p.Items))
		if err != nil {
			return models.Value{}, err
		}
		v := p.Items[i]
		if v.Heap != 0 {
			vm.Heap.Incref(v.Heap)
		}
		return v, nil
	case *models.Str:
		if !isInt {
			return models.Value{}, models.NewException("TypeError", "string indices must be integers")
		}
		runes := []rune(p.S)
		i, err := normalizeIndex(idx.Int64(), len(runes))
		if err != nil {
			return models.Value{}, err
		}
		id := vm.Heap.InternString(string(runes[i]))
		vm.Heap.Incref(id)
		return models.FromHeap(models.KindStr, id), nil
	case *models.Dict:
		for i, k := range p.Keys {
			eq, err := vm.valuesEqual(k, key)
			if err != nil {
				return models.Value{}, err
			}
			if eq {
				v := p.Values[i]
				if v.Heap != 0 {
					vm.Heap.Incref(v.Heap)
				}
				return v, nil
			}
		}
		return models.Value{}, models.NewException("KeyError", vm.kindNameOf(key))
	}
	return models.Value{}, models.NewException("TypeError", "'"+vm.kindNameOf(container)+"' object is not subscriptable")
}

func normalizeIndex(i int64, n int) (int, error) {
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, models.NewException("IndexError", "index out of range")
	}
	return int(i), nil
}

// valuesEqual is a synchronous identity/primitive equality check used by
// builtin dict lookup; it does not consult user __eq__ overrides, since
// builtin containers only ever hold hashable builtin keys in the fast
// path (a user-object key falls back to the __getitem__ dunder route).
func (vm *VM) valuesEqual(a, b models.Value) (bool, error) {
	if a.Kind != b.Kind {
		if a.IsNumber() && b.IsNumber() {
			af, _ := vm.asFloat(a)
			bf, _ := vm.asFloat(b)
			return af == bf, nil
		}
		return false, nil
	}
	switch a.Kind {
	case models.KindNone, models.KindEllipsis, models.KindNotImplemented:
		return true, nil
	case models.KindBool:
		return a.BoolV == b.BoolV, nil
	case models.KindInt:
		ai, _ := vm.asBigInt(a)
		bi, _ := vm.asBigInt(b)
		return ai.Cmp(bi) == 0, nil
	case models.KindFloat:
		af, _ := vm.asFloat(a)
		bf, _ := vm.asFloat(b)
		return af == bf, nil
	case models.KindStr:
		ae, _ := vm.Heap.Read(a.Heap)
		be, _ := vm.Heap.Read(b.Heap)
		as, _ := ae.Value.(*models.Str)
		bs, _ := be.Value.(*models.Str)
		return as.S == bs.S, nil
	}
	return a.Heap == b.Heap, nil
}

// execStoreSubscr implements store_subscr. Unlike load_subscr this does
// not run the __index__ coercion retry: by the time a key is used to
// store rather than load, the compiler's own lowering has already forced
// int keys for the builtin-sequence fast path (§4.4.7 applies the retry
// to loads, where a bare expression can produce any object).
func (vm *VM) execStoreSubscr(f *Frame) error {
	key := f.Pop()
	container := f.Pop()
	val := f.Pop()
	t := vm.classOf(container)
	if t != nil {
		d := vm.lookupTypeDunder(t, "__setitem__")
		if d.State == models.DunderResolved {
			return vm.callDunder(d.Func, []models.Value{container, key, val})
		}
	}
	e, ok := vm.Heap.Read(container.Heap)
	if !ok {
		return models.NewException("TypeError", "'"+vm.kindNameOf(container)+"' object does not support item assignment")
	}
	switch p := e.Value.(type) {
	case *models.List:
		idx, isInt := vm.asBigInt(key)
		if !isInt {
			return models.NewException("TypeError", "list indices must be integers")
		}
		i, err := normalizeIndex(idx.Int64(), len(p.Items))
		if err != nil {
			return err
		}
		if p.Items[i].Heap != 0 {
			vm.Heap.Decref(p.Items[i].Heap)
		}
		p.Items[i] = val
	case *models.Dict:
		for i, k := range p.Keys {
			eq, err := vm.valuesEqual(k, key)
			if err != nil {
				return err
			}
			if eq {
				if p.Values[i].Heap != 0 {
					vm.Heap.Decref(p.Values[i].Heap)
				}
				p.Values[i] = val
				return nil
			}
		}
		p.Keys = append(p.Keys, key)
		p.Values = append(p.Values, val)
	default:
		return models.NewException("TypeError", "'"+vm.kindNameOf(container)+"' object does not support item assignment")
	}
	return nil
}

func (vm *VM) execDeleteSubscr(f *Frame) error {
	key := f.Pop()
	container := f.Pop()
	t := vm.classOf(container)
	if t != nil {
		d := vm.lookupTypeDunder(t, "__delitem__")
		if d.State == models.DunderResolved {
			return vm.callDunder(d.Func, []models.Value{container, key})
		}
	}
	e, ok := vm.Heap.Read(container.Heap)
	if !ok {
		return models.NewException("TypeError", "'"+vm.kindNameOf(container)+"' object doesn't support item deletion")
	}
	switch p := e.Value.(type) {
	case *models.List:
		idx, isInt := vm.asBigInt(key)
		if !isInt {
			return models.NewException("TypeError", "list indices must be integers")
		}
		i, err := normalizeIndex(idx.Int64(), len(p.Items))
		if err != nil {
			return err
		}
		if p.Items[i].Heap != 0 {
			vm.Heap.Decref(p.Items[i].Heap)
		}
		p.Items = append(p.Items[:i], p.Items[i+1:]...)
	case *models.Dict:
		for i, k := range p.Keys {
			eq, err := vm.valuesEqual(k, key)
			if err != nil {
				return err
			}
			if eq {
				if p.Values[i].Heap != 0 {
					vm.Heap.Decref(p.Values[i].Heap)
				}
				p.Keys = append(p.Keys[:i], p.Keys[i+1:]...)
				p.Values = append(p.Values[:i], p.Values[i+1:]...)
				return nil
			}
		}
		return models.NewException("KeyError", vm.kindNameOf(key))
	default:
		return models.NewException("TypeError", "'"+vm.kindNameOf(container)+"' object doesn't support item deletion")
	}
	return nil
}
