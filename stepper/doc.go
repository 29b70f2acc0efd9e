// Package stepper drives one run forward in bounded slices.
//
// A Stepper sends BEGIN, then STEP messages of PlayConfig.Speed ticks. The
// worker yields STEP_INCOMPLETE whenever an advance runs longer than the
// checkback interval; the stepper immediately asks for the remaining ticks,
// so an advance is a chain of short slices that never loses its place.
// After STEP_COMPLETE the next advance is scheduled Delay after the start
// of the previous one, or right away if that already passed.
//
// All timing goes through a Scheduler; steppertest.Manual replaces the
// wall clock in tests.
package stepper
