package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCompile     Phase = "compile"     // untrusted source compilation
	PhaseMarshal     Phase = "marshal"     // value leaving a side
	PhaseDemarshal   Phase = "demarshal"   // value entering a side
	PhaseInvoke      Phase = "invoke"      // realm call
	PhaseRealm       Phase = "realm"       // realm lifecycle
	PhaseSession     Phase = "session"     // transport and message channel
	PhaseWorker      Phase = "worker"      // realm-side run loop
	PhaseStep        Phase = "step"        // orchestrator-side stepping
	PhaseOrchestrate Phase = "orchestrate" // job bookkeeping
	PhaseStore       Phase = "store"       // disqualification records
	PhaseConfig      Phase = "config"      // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindCompileError      Kind = "compile_error"
	KindRuntimeThrow      Kind = "runtime_throw"
	KindTimeout           Kind = "timeout"
	KindResourceExhausted Kind = "resource_exhausted"
	KindDisconnected      Kind = "disconnected"
	KindDisqualified      Kind = "disqualified"
	KindUnsupportedValue  Kind = "unsupported_value"
	KindDisposed          Kind = "disposed"
	KindInvalidHandle     Kind = "invalid_handle"
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindProtocol          Kind = "protocol"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the value path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinel targets for errors.Is checks that only care about the kind.
var (
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrDisposed          = &Error{Kind: KindDisposed}
	ErrDisconnected      = &Error{Kind: KindDisconnected}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
	ErrRuntimeThrow      = &Error{Kind: KindRuntimeThrow}
	ErrUnsupportedValue  = &Error{Kind: KindUnsupportedValue}
	ErrInvalidHandle     = &Error{Kind: KindInvalidHandle}
	ErrDisqualified      = &Error{Kind: KindDisqualified}
)

// Is forwards to the standard library so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As forwards to the standard library.
func As(err error, target any) bool { return errors.As(err, target) }

// KindOf returns the Kind of the first *Error in err's chain.
// CompileError reports KindCompileError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CompileError
	if errors.As(err, &ce) {
		return KindCompileError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Convenience constructors for common error patterns

// Timeout creates a budget-exceeded error
func Timeout(phase Phase, budget time.Duration) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTimeout,
		Detail: fmt.Sprintf("call exceeded %s budget", budget),
		Value:  budget,
	}
}

// Disposed creates an error for use of a released realm or channel
func Disposed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDisposed,
		Detail: fmt.Sprintf("%s disposed", what),
	}
}

// Throw wraps a fault raised by untrusted code
func Throw(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRuntimeThrow,
		Detail: "untrusted code threw",
		Cause:  cause,
	}
}

// Panicked converts a recovered panic value into a runtime throw
func Panicked(phase Phase, recovered any) *Error {
	if err, ok := recovered.(error); ok {
		return Throw(phase, err)
	}
	return &Error{
		Phase:  phase,
		Kind:   KindRuntimeThrow,
		Detail: fmt.Sprintf("untrusted code panicked: %v", recovered),
		Value:  recovered,
	}
}

// ResourceExhausted creates a realm limit error
func ResourceExhausted(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindResourceExhausted,
		Detail: detail,
		Cause:  cause,
	}
}

// Disconnected creates a transport loss error
func Disconnected(cause error) *Error {
	return &Error{
		Phase:  PhaseSession,
		Kind:   KindDisconnected,
		Detail: "lost contact with realm",
		Cause:  cause,
	}
}

// Unsupported creates an error for a value that cannot cross a boundary
func Unsupported(phase Phase, path []string, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupportedValue,
		Path:   path,
		Detail: what,
	}
}

// InvalidHandle creates an error for an unknown or released handle
func InvalidHandle(phase Phase, h uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidHandle,
		Detail: fmt.Sprintf("handle %#x is not live", h),
		Value:  h,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Protocol creates an error for a malformed or unexpected message
func Protocol(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseSession,
		Kind:   KindProtocol,
		Detail: detail,
		Cause:  cause,
	}
}

// Disqualified creates a policy disqualification error
func Disqualified(entryID, reason string) *Error {
	return &Error{
		Phase:  PhaseWorker,
		Kind:   KindDisqualified,
		Detail: fmt.Sprintf("entry %q disqualified: %s", entryID, reason),
		Value:  entryID,
	}
}

// Wrap wraps an error with phase/kind context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// CompileError reports bad untrusted source. Line and Column are 1-based and
// relative to Section ("prelude" or "body"); zero means unknown.
type CompileError struct {
	Message string `json:"message"`
	Section string `json:"section,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (e *CompileError) Error() string {
	var b strings.Builder
	b.WriteString("[compile] compile_error")
	if e.Line > 0 {
		b.WriteString(" at ")
		if e.Section != "" {
			b.WriteString(e.Section)
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%d:%d", e.Line, e.Column)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Is reports whether target is a CompileError or a KindCompileError *Error
func (e *CompileError) Is(target error) bool {
	switch t := target.(type) {
	case *CompileError:
		return true
	case *Error:
		return t.Kind == KindCompileError
	}
	return false
}
