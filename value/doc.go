// Package value defines the closed set of values that cross realm
// boundaries: undefined, null, bool, number, string, object, array and
// function.
//
// Primitives are plain Go types and copy freely. Objects, arrays and
// functions are pointers; two of them are the same value only when the
// pointers are equal, which is what the marshalling layer relies on to
// reproduce sharing and cycles.
//
// Host resources that must stay out of untrusted code can be wrapped in
// Foreign; every attempt to marshal one fails.
package value
