// Package errors provides structured error types for realms, sessions and
// orchestration.
//
// Every error carries a Phase (where it happened) and a Kind (what
// happened). The Kind set mirrors the failure taxonomy of the engine:
//
//	compile_error      bad untrusted source; the entry is disqualified
//	runtime_throw      untrusted code panicked, trapped or returned an error
//	timeout            an untrusted call exceeded its budget
//	resource_exhausted a realm hit its memory ceiling
//	disconnected       the session transport lost contact with the realm
//	disqualified       business-rule violation reported by a simulation
//
// Build errors with the fluent builder:
//
//	err := errors.New(errors.PhaseMarshal, errors.KindUnsupportedValue).
//	    Path("state", "socket").
//	    Detail("cannot proxy %T", v).
//	    Build()
//
// Match on kind alone with the sentinels:
//
//	if errors.Is(err, rrerrors.ErrTimeout) { ... }
package errors
