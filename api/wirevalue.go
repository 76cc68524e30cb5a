package api

import (
	"fmt"
	"math/big"

	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/vm"
)

// WireValue is the JSON-friendly projection of a models.Value used at the
// HTTP boundary (§6 "Remote-tool boundary" — a driver talking to Ouros over
// a request-response transport has no way to address a HeapId in some
// session's private heap, so inputs/outputs cross the wire as plain JSON
// instead). Only the scalar and plain-container kinds a caller could
// reasonably hand-author are supported; a session-resident Function,
// Instance, Module, etc. has no wire form, and FromValue reports an error
// for it.
type WireValue struct {
	None  bool                  `json:"none,omitempty"`
	Bool  *bool                 `json:"bool,omitempty"`
	Int   *string               `json:"int,omitempty"` // decimal, arbitrary precision
	Float *float64              `json:"float,omitempty"`
	Str   *string               `json:"str,omitempty"`
	List  []WireValue           `json:"list,omitempty"`
	Dict  []WireValuePair       `json:"dict,omitempty"`
}

// WireValuePair is one key/value entry of a WireValue dict, since JSON
// object keys can't themselves be arbitrary WireValues (§3 dict keys needn't
// be strings, e.g. tuple or int keys).
type WireValuePair struct {
	Key   WireValue `json:"key"`
	Value WireValue `json:"value"`
}

// ToValue materializes w onto vmi's heap (§4.8 inputs to execute/set_variable
// arrive this way).
func ToValue(vmi *vm.VM, w WireValue) (models.Value, error) {
	switch {
	case w.None:
		return models.None(), nil
	case w.Bool != nil:
		return models.Bool(*w.Bool), nil
	case w.Int != nil:
		bi, ok := new(big.Int).SetString(*w.Int, 10)
		if !ok {
			return models.Value{}, fmt.Errorf("invalid integer literal %q", *w.Int)
		}
		return models.Value{Kind: models.KindInt, Heap: vmi.Heap.Alloc(models.KindInt, &models.BigInt{V: bi})}, nil
	case w.Float != nil:
		return models.Value{Kind: models.KindFloat, Heap: vmi.Heap.Alloc(models.KindFloat, *w.Float)}, nil
	case w.Str != nil:
		return models.Value{Kind: models.KindStr, Heap: vmi.Heap.Alloc(models.KindStr, &models.Str{S: *w.Str})}, nil
	case w.List != nil:
		items := make([]models.Value, len(w.List))
		for i, elem := range w.List {
			v, err := ToValue(vmi, elem)
			if err != nil {
				return models.Value{}, err
			}
			items[i] = v
		}
		return models.Value{Kind: models.KindList, Heap: vmi.Heap.Alloc(models.KindList, &models.List{Items: items})}, nil
	case w.Dict != nil:
		keys := make([]models.Value, len(w.Dict))
		vals := make([]models.Value, len(w.Dict))
		for i, pair := range w.Dict {
			k, err := ToValue(vmi, pair.Key)
			if err != nil {
				return models.Value{}, err
			}
			v, err := ToValue(vmi, pair.Value)
			if err != nil {
				return models.Value{}, err
			}
			keys[i], vals[i] = k, v
		}
		return models.Value{Kind: models.KindDict, Heap: vmi.Heap.Alloc(models.KindDict, &models.Dict{Keys: keys, Values: vals})}, nil
	default:
		return models.None(), nil
	}
}

// FromValue renders v as a WireValue for an HTTP response, recursing into
// List/Tuple/Dict (a tuple comes back as a wire list); anything else (a
// callable, class, instance, module, iterator, generator) has no wire form
// and FromValue returns an error for it.
func FromValue(vmi *vm.VM, v models.Value) (WireValue, error) {
	switch v.Kind {
	case models.KindNone:
		return WireValue{None: true}, nil
	case models.KindBool:
		b := v.BoolV
		return WireValue{Bool: &b}, nil
	}
	if v.Heap == 0 {
		return WireValue{}, fmt.Errorf("cannot render value of kind %s over the wire", models.KindName(v.Kind))
	}
	e, ok := vmi.Heap.Read(v.Heap)
	if !ok {
		return WireValue{}, models.ErrDanglingHeapID
	}
	switch val := e.Value.(type) {
	case *models.BigInt:
		s := val.V.String()
		return WireValue{Int: &s}, nil
	case float64:
		f := val
		return WireValue{Float: &f}, nil
	case *models.Str:
		s := val.S
		return WireValue{Str: &s}, nil
	case *models.List:
		out := make([]WireValue, len(val.Items))
		for i, item := range val.Items {
			wv, err := FromValue(vmi, item)
			if err != nil {
				return WireValue{}, err
			}
			out[i] = wv
		}
		return WireValue{List: out}, nil
	case *models.Tuple:
		out := make([]WireValue, len(val.Items))
		for i, item := range val.Items {
			wv, err := FromValue(vmi, item)
			if err != nil {
				return WireValue{}, err
			}
			out[i] = wv
		}
		return WireValue{List: out}, nil
	case *models.Dict:
		out := make([]WireValuePair, len(val.Keys))
		for i := range val.Keys {
			k, err := FromValue(vmi, val.Keys[i])
			if err != nil {
				return WireValue{}, err
			}
			vv, err := FromValue(vmi, val.Values[i])
			if err != nil {
				return WireValue{}, err
			}
			out[i] = WireValuePair{Key: k, Value: vv}
		}
		return WireValue{Dict: out}, nil
	default:
		return WireValue{}, fmt.Errorf("cannot render value of kind %s over the wire", models.KindName(v.Kind))
	}
}
