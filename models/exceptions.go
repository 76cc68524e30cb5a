package models

import "fmt"

// PyException is a Python-level exception object. It is always heap
// allocated like any other Instance, but the VM needs to walk its type
// chain cheaply on every `except` clause, so the chain is kept as a plain
// Go slice of type names rather than requiring a full MRO walk through
// the heap for the builtin hierarchy.
type PyException struct {
	// TypeName is the most-derived exception type, e.g. "ZeroDivisionError".
	TypeName string

	// Message is the exception's str() rendering.
	Message string

	// Chain lists TypeName's ancestors, most-derived first, ending in
	// "BaseException". Populated from exceptionMRO at construction time.
	Chain []string

	// Traceback accumulates frames as the exception unwinds (§7).
	Traceback []TracebackFrame

	// Cause holds an explicitly chained exception ("raise X from Y"), or nil.
	Cause *PyException
}

// TracebackFrame is one entry of §7's RuntimeError traceback list.
type TracebackFrame struct {
	ScriptName string
	Line       int // 1-based
	Column     int // 1-based
	EndLine    int
	EndColumn  int
	Function   string // "" for module-level frames
	SourceLine string
}

func (e *PyException) Error() string {
	if e.Message == "" {
		return e.TypeName
	}
	return fmt.Sprintf("%s: %s", e.TypeName, e.Message)
}

// Is reports whether name appears anywhere in e's ancestor chain,
// implementing Python's "except ArithmeticError" catching ZeroDivisionError.
func (e *PyException) Is(name string) bool {
	if e.TypeName == name {
		return true
	}
	for _, a := range e.Chain {
		if a == name {
			return true
		}
	}
	return false
}

// exceptionMRO is the builtin exception hierarchy, parent keyed by child.
// Resolved Open Question (spec.md §9): TimeoutError is a subclass of
// Exception, not OSError — Ouros's hierarchy has no OSError branch since
// sandboxed code never observes OS-level exceptions (§1 non-goals).
var exceptionMRO = map[string]string{
	"Exception":            "BaseException",
	"ArithmeticError":       "Exception",
	"ZeroDivisionError":     "ArithmeticError",
	"OverflowError":         "ArithmeticError",
	"FloatingPointError":    "ArithmeticError",
	"AssertionError":        "Exception",
	"AttributeError":        "Exception",
	"BufferError":           "Exception",
	"EOFError":              "Exception",
	"ImportError":           "Exception",
	"ModuleNotFoundError":   "ImportError",
	"LookupError":           "Exception",
	"IndexError":            "LookupError",
	"KeyError":              "LookupError",
	"MemoryError":           "Exception",
	"NameError":             "Exception",
	"UnboundLocalError":     "NameError",
	"OSError":               "Exception",
	"ReferenceError":        "Exception",
	"RuntimeError":          "Exception",
	"NotImplementedError":   "RuntimeError",
	"RecursionError":        "RuntimeError",
	"StopIteration":         "Exception",
	"StopAsyncIteration":    "Exception",
	"SyntaxError":           "Exception",
	"IndentationError":      "SyntaxError",
	"SystemError":           "Exception",
	"TypeError":             "Exception",
	"ValueError":            "Exception",
	"UnicodeError":          "ValueError",
	"TimeoutError":          "Exception",
	"GeneratorExit":         "BaseException",
	"KeyboardInterrupt":     "BaseException",
	"SystemExit":            "BaseException",
}

// NewException constructs a PyException with its ancestor chain resolved
// from exceptionMRO, so Chain is always consistent with the builtin
// hierarchy without callers having to know it.
func NewException(typeName, message string) *PyException {
	return &PyException{
		TypeName: typeName,
		Message:  message,
		Chain:    ancestorsOf(typeName),
	}
}

func ancestorsOf(typeName string) []string {
	var chain []string
	cur := typeName
	for {
		parent, ok := exceptionMRO[cur]
		if !ok {
			if cur != "BaseException" {
				chain = append(chain, "BaseException")
			}
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain
}

// RuntimeError is the §7 driver-facing shape of an exception that escaped
// the top frame. It is immutable and does not expose the inner
// PyException by reference, per §7 ("inner exception graph is not exposed
// by reference").
type RuntimeError struct {
	ExceptionType string
	Message       string
	Traceback     []TracebackFrame
}

func (r *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", r.ExceptionType, r.Message)
}

// NewRuntimeError copies out of a PyException into the immutable
// driver-facing shape.
func NewRuntimeError(exc *PyException) *RuntimeError {
	tb := make([]TracebackFrame, len(exc.Traceback))
	copy(tb, exc.Traceback)
	return &RuntimeError{
		ExceptionType: exc.TypeName,
		Message:       exc.Message,
		Traceback:     tb,
	}
}

// SyntaxError is produced by the parser before any execution (§7.1).
// Ouros's vm package does not implement a parser (§1 non-goal: the
// compiler is an opaque external producer); this type exists so the
// driver API's error taxonomy is complete and the minimal hand-written
// assembler in vm/compiledprogram.go can surface malformed input the
// same way a real compiler would.
type SyntaxError struct {
	Message string
	Line    int
	Column  int
}

func (s *SyntaxError) Error() string {
	return fmt.Sprintf("SyntaxError: %s (line %d, col %d)", s.Message, s.Line, s.Column)
}

// FormatError is returned by the serializer (C7) when decoding fails: a
// corrupt byte stream, an unsupported version tag, or a checksum mismatch.
// Decoding is total per §4.7 ("never partial") — any of these failures
// returns FormatError instead of a half-restored VM.
type FormatError struct {
	Reason string
}

func (f *FormatError) Error() string {
	return fmt.Sprintf("FormatError: %s", f.Reason)
}

// FormatErr is the constructor convenience matching NewException's style.
func FormatErr(reason string) *FormatError {
	return &FormatError{Reason: reason}
}

// TypeCheckError is produced by the optional pre-execution type checker
// (§7.2, §1 non-goal: the checker itself is external). Carries a
// diagnostic with multiple render formats.
type TypeCheckError struct {
	Diagnostics []TypeDiagnostic
}

type TypeDiagnostic struct {
	Message string
	Line    int
	Column  int
}

func (t *TypeCheckError) Error() string {
	return t.Render("concise")
}

// Render implements the "multiple render formats" requirement: "full",
// "concise", or "machine" (machine-parseable, one diagnostic per line as
// "line:col: message").
func (t *TypeCheckError) Render(format string) string {
	switch format {
	case "full":
		out := ""
		for _, d := range t.Diagnostics {
			out += fmt.Sprintf("type error at line %d, column %d: %s\n", d.Line, d.Column, d.Message)
		}
		return out
	case "machine":
		out := ""
		for _, d := range t.Diagnostics {
			out += fmt.Sprintf("%d:%d: %s\n", d.Line, d.Column, d.Message)
		}
		return out
	default: // "concise"
		if len(t.Diagnostics) == 0 {
			return "type check failed"
		}
		return fmt.Sprintf("%d type error(s), first: %s", len(t.Diagnostics), t.Diagnostics[0].Message)
	}
}
