package vm

import "github.com/parcadei/ouros/models"

// CompiledFunction is one function's worth of bytecode (§3 "Frame":
// "Bytecode pointer ... owning-function HeapId"). A CompiledProgram's
// top-level module body is itself represented as a CompiledFunction with
// no parameters.
type CompiledFunction struct {
	Name       string
	Params     []string // positional-or-keyword parameter names, in order
	VarArg     string   // "" if no *args
	KwArg      string   // "" if no **kwargs
	NumLocals  int      // locals array size (§3 "dense, compile-time indexed")
	MaxStack   int      // operand stack max depth, known at compile time (§3)
	Code       []Instr
	Handlers   []HandlerEntry
	CellNames  []string // names captured as cells for inner closures
	FreeVars   []string // names this function expects in its own closure
	IsGenerator bool    // contains a yield; calling it builds a Generator instead of running (§9)
}

// HandlerEntry is one entry of a frame's try-handler table (§4.4.10).
type HandlerEntry struct {
	StartPC, EndPC int    // instruction-pointer range this entry covers
	HandlerPC      int    // entry point on a matching exception
	StackDepth     int    // operand stack depth to restore to before running the handler
	ExceptionTypes []string // "" entries mean "bare except" (catches everything)
	IsFinally      bool
}

// CompiledProgram is the opaque bytecode + constant pool produced by the
// (external, unimplemented) compiler (§1).
type CompiledProgram struct {
	ScriptName string
	Constants  []models.Value
	// ConstPayloads holds the non-inline payload for constants whose Kind
	// is not trivially inlined (tuples, strings longer than the interning
	// threshold, etc); index-aligned with Constants for entries that need it.
	ConstPayloads map[int]interface{}
	Functions     []*CompiledFunction
	// Main is the index into Functions of the top-level module body.
	Main int

	Externals    []string // declared external-function names (§1, §6)
	OSFunctions  map[string]bool // subset of Externals considered OS-sink calls (§6 "is_os_function")
	InputNames   []string // declared input names (§6 "compile")
}

// Builder is a minimal hand-written assembler used by tests and by the
// S1-S8 scenarios to construct a CompiledProgram without a real parser,
// standing in for the external compiler per §1's non-goal.
type Builder struct {
	prog *CompiledProgram
	fn   *CompiledFunction
}

func NewBuilder(scriptName string) *Builder {
	return &Builder{
		prog: &CompiledProgram{
			ScriptName:    scriptName,
			ConstPayloads: make(map[int]interface{}),
			OSFunctions:   make(map[string]bool),
		},
	}
}

// Func appends fn to the program's Functions and makes it the current
// emission target; passing the same fn again appends it a second time.
func (b *Builder) Func(fn *CompiledFunction) *Builder {
	b.prog.Functions = append(b.prog.Functions, fn)
	b.fn = fn
	return b
}

// SetMain marks the most recently added function as the module entry point.
func (b *Builder) SetMain() *Builder {
	b.prog.Main = len(b.prog.Functions) - 1
	return b
}

func (b *Builder) Emit(i Instr) int {
	b.fn.Code = append(b.fn.Code, i)
	return len(b.fn.Code) - 1
}

// Const registers a trivially-inlined constant (None/bool/small int/etc)
// and returns its pool index.
func (b *Builder) Const(v models.Value) int {
	b.prog.Constants = append(b.prog.Constants, v)
	return len(b.prog.Constants) - 1
}

// ConstPayload registers a constant whose Kind needs heap materialization
// at load time (e.g. a string or tuple literal), storing its Go-side
// payload alongside a placeholder Value.
func (b *Builder) ConstPayload(kind models.Kind, payload interface{}) int {
	idx := len(b.prog.Constants)
	b.prog.Constants = append(b.prog.Constants, models.Value{Kind: kind})
	b.prog.ConstPayloads[idx] = payload
	return idx
}

func (b *Builder) Declare(inputs, externals []string) *Builder {
	b.prog.InputNames = inputs
	b.prog.Externals = externals
	return b
}

func (b *Builder) Build() *CompiledProgram { return b.prog }
