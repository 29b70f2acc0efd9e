// Package session wraps a connection to one worker in a uniform message
// channel.
//
// A Session moves from Connecting to Ready when the worker announces itself,
// and to Terminated when Terminate is called or the transport is lost. Sends
// made while connecting are queued and flushed in order on Ready; inbound
// messages that arrive before a handler is registered are held and replayed
// to it. Losing the transport produces a synthetic DISCONNECTED message so
// the owner never waits on a dead worker.
//
// Three transports are provided: Inproc runs the worker in this process,
// Process runs `arena worker` as a child over stdio and Websocket dials
// `arena serve`.
package session
