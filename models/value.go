package models

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// HeapId is an opaque handle into a Heap's slot table (§3 "HeapId").
// Zero is never a valid, allocated id; it is reserved as "no id".
type HeapId uint64

// Kind discriminates the variants of Value (§3 "Value").
type Kind uint8

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindFloat
	KindComplex
	KindStr
	KindBytes
	KindBytearray
	KindTuple
	KindList
	KindDict
	KindSet
	KindFrozenSet
	KindEllipsis
	KindNotImplemented
	KindSlice
	KindRange
	KindFunction
	KindBoundMethod
	KindClass
	KindInstance
	KindModule
	KindCell
	KindIterator
	KindGenerator
	KindCoroutine
	KindExitStack
	KindException
)

// Value is the tagged variant covering every Python value Ouros can
// represent (§3). Scalars cheap enough to inline (None, small Bool,
// Ellipsis, NotImplemented) carry their payload directly; everything
// else — including interned small ints and strings — is a HeapId into
// the owning Heap, so identity comparisons and refcounting always go
// through one path.
type Value struct {
	Kind   Kind
	Heap   HeapId // valid when Kind's payload lives on the heap
	BoolV  bool   // valid only for KindBool
}

func None() Value             { return Value{Kind: KindNone} }
func Bool(b bool) Value       { return Value{Kind: KindBool, BoolV: b} }
func Ellipsis() Value         { return Value{Kind: KindEllipsis} }
func NotImplementedV() Value  { return Value{Kind: KindNotImplemented} }
func FromHeap(k Kind, h HeapId) Value { return Value{Kind: k, Heap: h} }

func (v Value) IsNone() bool { return v.Kind == KindNone }

// IsNumber classifies int/float/complex/bool (bool is a numeric subtype
// in Python: True == 1).
func (v Value) IsNumber() bool {
	switch v.Kind {
	case KindBool, KindInt, KindFloat, KindComplex:
		return true
	}
	return false
}

func (v Value) IsCallable() bool {
	switch v.Kind {
	case KindFunction, KindBoundMethod, KindClass:
		return true
	}
	return false
}

func (v Value) IsIterable() bool {
	switch v.Kind {
	case KindTuple, KindList, KindDict, KindSet, KindFrozenSet, KindRange,
		KindIterator, KindGenerator, KindStr, KindBytes, KindBytearray:
		return true
	}
	return false
}

func (v Value) IsContainer() bool {
	switch v.Kind {
	case KindTuple, KindList, KindDict, KindSet, KindFrozenSet:
		return true
	}
	return false
}

func (v Value) IsInstance() bool { return v.Kind == KindInstance }

// --- Payload types stored behind a HeapId ---

// BigInt wraps math/big.Int: §8 requires arbitrary precision, no silent overflow.
type BigInt struct{ V *big.Int }

type Complex struct{ Re, Im float64 }

type Str struct{ S string }

type Bytes struct{ B []byte }

type Bytearray struct{ B []byte }

type Tuple struct{ Items []Value }

type List struct{ Items []Value }

// Dict preserves insertion order (§8), so keys is the order-of-insertion
// index and entries is keyed by a pre-hashed bucket key computed by the Heap.
type Dict struct {
	Keys   []Value
	Values []Value
	// index maps a structural key string (produced by the heap's
	// equality-aware key function) to a position in Keys/Values, enabling
	// O(1)-ish lookups while Keys/Values stay in insertion order.
	index map[string]int
}

func NewDict() *Dict { return &Dict{index: make(map[string]int)} }

type Set struct {
	Items []Value
	index map[string]int
}

func NewSet() *Set { return &Set{index: make(map[string]int)} }

type FrozenSet struct {
	Items []Value
}

type Slice struct{ Start, Stop, Step Value }

type Range struct{ Start, Stop, Step int64 }

type Cell struct{ V Value }

// Function is a compiled code object plus its defaults and closure cells.
type Function struct {
	Name         string
	Code         interface{} // *vm.CompiledFunction, kept as interface{} to avoid an import cycle
	Defaults     []Value
	KwDefaults   map[string]Value
	Closure      []HeapId // Cell ids
	Module       string
}

type BoundMethod struct {
	Self HeapId
	Func HeapId
}

// ClassObject is the runtime object for a user-defined class; the bulk of
// its behavior (MRO, dunder map) lives in the TypeDescriptor it points to.
type ClassObject struct {
	Type *TypeDescriptor
}

// Instance is a plain user object: a back-pointer to its class plus its
// own namespace (or, if __slots__ is set, a dense slot array aligned with
// the class's Slots order).
type Instance struct {
	Class     *TypeDescriptor
	Dict      map[string]Value // nil if __slots__ in effect
	SlotVals  []Value          // parallel to Class.Slots, if any
}

type Module struct {
	Name      string
	Namespace map[string]Value
}

// --- repr / str (§4.2: CPython-exact output) ---

// ReprFloat implements CPython's float repr rules: -0.0, inf, nan, and
// the shortest round-trip decimal (Go's strconv with -1 precision already
// produces the shortest round-trip digits; CPython's choice between
// positional and exponent form is applied below).
func ReprFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}
	// CPython uses exponent form when the decimal exponent is below -4 or
	// at least 16, and positional digits otherwise (1e+16, 1000000.0).
	s := strconv.FormatFloat(f, 'e', -1, 64)
	if exp, _ := strconv.Atoi(s[strings.IndexByte(s, 'e')+1:]); exp < -4 || exp >= 16 {
		return normalizeExponent(s)
	}
	s = strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// normalizeExponent rewrites Go's exponent form ("1e+100", "1e-05") into
// CPython's ("1e+100", "1e-05" too, but Go sometimes drops the leading
// zero on two-digit exponents and always emits a sign) — CPython always
// emits the sign and at least two exponent digits.
func normalizeExponent(s string) string {
	idx := strings.IndexAny(s, "eE")
	mantissa, exp := s[:idx], s[idx+1:]
	sign := "+"
	if len(exp) > 0 && (exp[0] == '+' || exp[0] == '-') {
		if exp[0] == '-' {
			sign = "-"
		}
		exp = exp[1:]
	}
	for len(exp) < 2 {
		exp = "0" + exp
	}
	if !strings.Contains(mantissa, ".") {
		// CPython keeps bare mantissas bare in exponent form, e.g. "1e+100".
	}
	return mantissa + "e" + sign + exp
}

// ReprComplex renders a+bj the way CPython does.
func ReprComplex(c Complex) string {
	// CPython drops the ".0" of integral parts inside a complex repr: (1+2j).
	part := func(x float64) string { return strings.TrimSuffix(ReprFloat(x), ".0") }
	reZero := c.Re == 0 && !math.Signbit(c.Re)
	if reZero {
		return part(c.Im) + "j"
	}
	im := part(c.Im)
	if !strings.HasPrefix(im, "-") {
		im = "+" + im
	}
	return fmt.Sprintf("(%s%sj)", part(c.Re), im)
}

// ReprStr renders a string literal the way CPython's repr() does: prefers
// single quotes, switches to double quotes only if the string contains a
// single quote and no double quote.
func ReprStr(s string) string {
	quote := byte('\'')
	if strings.Contains(s, "'") && !strings.Contains(s, "\"") {
		quote = '"'
	}
	var b strings.Builder
	b.WriteByte(quote)
	for _, r := range s {
		switch r {
		case rune(quote):
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}

// ReprTupleFromStrings implements the trailing-comma-on-singleton rule
// (§8): (x,) for one element, (x, y) for more, () for none.
func ReprTupleFromStrings(items []string) string {
	if len(items) == 0 {
		return "()"
	}
	if len(items) == 1 {
		return "(" + items[0] + ",)"
	}
	return "(" + strings.Join(items, ", ") + ")"
}

// ReprSetFromStrings distinguishes the empty-set literal from the empty
// dict literal (§8): Python has no "{}" for an empty set — it renders as
// "set()" — while "{}" is reserved for the empty dict.
func ReprSetFromStrings(items []string) string {
	if len(items) == 0 {
		return "set()"
	}
	return "{" + strings.Join(items, ", ") + "}"
}

func ReprDictFromPairs(pairs [][2]string) string {
	if len(pairs) == 0 {
		return "{}"
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p[0] + ": " + p[1]
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func KindName(k Kind) string {
	switch k {
	case KindNone:
		return "NoneType"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindComplex:
		return "complex"
	case KindStr:
		return "str"
	case KindBytes:
		return "bytes"
	case KindBytearray:
		return "bytearray"
	case KindTuple:
		return "tuple"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	case KindSet:
		return "set"
	case KindFrozenSet:
		return "frozenset"
	case KindEllipsis:
		return "ellipsis"
	case KindNotImplemented:
		return "NotImplementedType"
	case KindSlice:
		return "slice"
	case KindRange:
		return "range"
	case KindFunction:
		return "function"
	case KindBoundMethod:
		return "method"
	case KindClass:
		return "type"
	case KindInstance:
		return "instance"
	case KindModule:
		return "module"
	case KindCell:
		return "cell"
	case KindIterator:
		return "iterator"
	case KindGenerator:
		return "generator"
	case KindCoroutine:
		return "coroutine"
	case KindExitStack:
		return "contextlib.ExitStack"
	case KindException:
		return "BaseException"
	default:
		return "object"
	}
}
