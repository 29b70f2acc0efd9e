// Package protocol defines the messages exchanged between an orchestrator
// and a realm worker, and their JSON-lines encoding.
//
// The orchestrator sends begin, step and stop. The worker answers a step
// with step_complete or, when its checkback interval ran out first,
// step_incomplete carrying the ticks still owed. Stop is never answered.
// Transports add disconnected when contact is lost.
package protocol
