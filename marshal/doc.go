// Package marshal moves values across a realm boundary.
//
// Primitives are copied. Objects, arrays and functions are allocated a
// handle in the sending endpoint's heap and rebuilt on the receiving side,
// so every crossing preserves the sender's object graph: shared
// sub-objects stay shared and cycles stay cycles.
//
// Functions arrive as proxies. Calling a proxy marshals the receiver and
// arguments back to the owner, runs the function under the owner's
// Executor with the channel's call timeout and marshals the result over.
// A proxy invoked without a receiver is bound to the object it was read
// from.
//
// A value that returns to the endpoint that created it is unwrapped to the
// original, so identity survives a round trip:
//
//	ch := marshal.NewChannel(host, guest, marshal.Options{})
//	mirror, _ := ch.Cross(host, obj)
//	back, _ := ch.Cross(guest, mirror) // back == obj
//
// Foreign values never cross; encoding one fails with KindUnsupportedValue
// and the path of the offending property.
package marshal
