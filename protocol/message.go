package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/realm"
)

// Kind names a message. The set is closed.
type Kind string

const (
	// Orchestrator -> realm.
	KindBegin Kind = "begin"
	KindStep  Kind = "step"
	KindStop  Kind = "stop"

	// Realm -> orchestrator.
	KindStepComplete   Kind = "step_complete"
	KindStepIncomplete Kind = "step_incomplete"
	KindDisqualified   Kind = "disqualified"
	KindReady          Kind = "ready"
	KindError          Kind = "error"

	// Emitted by a transport, never by a realm.
	KindDisconnected Kind = "disconnected"
)

var kinds = map[Kind]bool{
	KindBegin: true, KindStep: true, KindStop: true,
	KindStepComplete: true, KindStepIncomplete: true, KindDisqualified: true,
	KindReady: true, KindError: true, KindDisconnected: true,
}

// Message is one unit on a session. Token addresses the run the message
// belongs to; receivers drop messages for tokens they no longer track.
type Message struct {
	Begin       *BeginPayload `json:"begin,omitempty"`
	Snapshot    *Snapshot     `json:"snapshot,omitempty"`
	Kind        Kind          `json:"kind"`
	EntryID     string        `json:"entry_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	CodeHash    string        `json:"code_hash,omitempty"`
	Token       uint64        `json:"token"`
	Seed        uint64        `json:"seed,omitempty"`
	Ticks       int           `json:"ticks,omitempty"`
	CheckbackMs int64         `json:"checkback_ms,omitempty"`
	// Resume commits the first tick of a step even if a pause-on-error
	// entry faults in it, so a paused run can move past the fault.
	Resume bool `json:"resume,omitempty"`
}

// Checkback returns the message's checkback interval.
func (m Message) Checkback() time.Duration {
	return time.Duration(m.CheckbackMs) * time.Millisecond
}

// Validate checks that the fields a kind requires are present.
func (m Message) Validate() error {
	if !kinds[m.Kind] {
		return errors.Protocol(fmt.Sprintf("unknown message kind %q", m.Kind), nil)
	}
	switch m.Kind {
	case KindBegin:
		if m.Begin == nil {
			return errors.Protocol("begin without payload", nil)
		}
		return m.Begin.Validate()
	case KindStep:
		if m.Ticks < 0 {
			return errors.Protocol(fmt.Sprintf("step with %d ticks", m.Ticks), nil)
		}
	case KindStepComplete, KindStepIncomplete:
		if m.Snapshot == nil {
			return errors.Protocol(fmt.Sprintf("%s without snapshot", m.Kind), nil)
		}
	case KindDisqualified:
		if m.EntryID == "" {
			return errors.Protocol("disqualified without entry id", nil)
		}
	}
	return nil
}

// BeginPayload describes a run: which simulation, its options and the
// entries taking part.
type BeginPayload struct {
	Simulation string          `json:"simulation"`
	Options    json.RawMessage `json:"options,omitempty"`
	Entries    []EntrySource   `json:"entries"`
}

// Validate rejects entries whose code would not survive a JSON string:
// bodies must be UTF-8 text and wasm bodies travel base64 encoded.
func (p *BeginPayload) Validate() error {
	for _, e := range p.Entries {
		if !utf8.ValidString(e.Code) || !utf8.ValidString(e.Prelude) {
			return errors.Protocol(fmt.Sprintf("entry %q: code is not valid UTF-8", e.ID), nil)
		}
		if e.Engine == realm.EngineWasm && bytes.HasPrefix([]byte(e.Code), wasmMagic) {
			return errors.Protocol(fmt.Sprintf("entry %q: raw wasm binary, encode it with WasmCode", e.ID), nil)
		}
	}
	return nil
}

var wasmMagic = []byte("\x00asm")

// WasmCode encodes a wasm binary for EntrySource.Code.
func WasmCode(bin []byte) string {
	return base64.StdEncoding.EncodeToString(bin)
}

// EntrySource is one entry's code as shipped to a realm.
type EntrySource struct {
	ID      string       `json:"id"`
	Engine  realm.Engine `json:"engine"`
	Prelude string       `json:"prelude,omitempty"`
	// Code is source text, or the base64 of a wasm binary.
	Code   string   `json:"code"`
	Params []string `json:"params"`
	// PauseOnError rolls back and pauses the run when this entry faults.
	PauseOnError bool `json:"pause_on_error,omitempty"`
	// Excluded entries are known bad; the realm skips compiling them.
	Excluded bool `json:"excluded,omitempty"`
}

// Source converts to the realm's compile input.
func (e EntrySource) Source() realm.Source {
	return realm.Source{Engine: e.Engine, Prelude: e.Prelude, Body: e.Code, Params: e.Params}
}

// Hash is the content address used for disqualification records.
func (e EntrySource) Hash() string { return e.Source().Hash() }

// Snapshot is the simulation's externally visible progress.
type Snapshot struct {
	State     json.RawMessage `json:"state,omitempty"`
	Errors    []EntryError    `json:"errors,omitempty"`
	Tick      int             `json:"tick"`
	Remaining int             `json:"remaining,omitempty"`
	Progress  float64         `json:"progress"`
	Over      bool            `json:"over,omitempty"`
	Paused    bool            `json:"paused,omitempty"`
}

// Terminal is the best-effort final snapshot used when a run cannot report
// its own: empty state, over, full progress.
func Terminal(last *Snapshot) *Snapshot {
	s := &Snapshot{Over: true, Progress: 1}
	if last != nil {
		s.Tick = last.Tick
		s.Errors = last.Errors
	}
	return s
}

// EntryError is a fault attributed to one entry during a tick.
type EntryError struct {
	EntryID string `json:"entry_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Tick    int    `json:"tick"`
}

// Constructors for the common messages.

func Begin(token, seed uint64, payload *BeginPayload, checkback time.Duration) Message {
	return Message{Kind: KindBegin, Token: token, Seed: seed, Begin: payload, CheckbackMs: checkback.Milliseconds()}
}

func Step(token uint64, ticks int, checkback time.Duration) Message {
	return Message{Kind: KindStep, Token: token, Ticks: ticks, CheckbackMs: checkback.Milliseconds()}
}

// Resume is a step that moves a paused run past the tick it paused on.
func Resume(token uint64, ticks int, checkback time.Duration) Message {
	m := Step(token, ticks, checkback)
	m.Resume = true
	return m
}

func Stop(token uint64) Message {
	return Message{Kind: KindStop, Token: token}
}

func StepComplete(token uint64, s *Snapshot) Message {
	return Message{Kind: KindStepComplete, Token: token, Snapshot: s}
}

func StepIncomplete(token uint64, s *Snapshot) Message {
	return Message{Kind: KindStepIncomplete, Token: token, Snapshot: s}
}

func Disqualified(token uint64, entryID, reason, codeHash string) Message {
	return Message{Kind: KindDisqualified, Token: token, EntryID: entryID, Reason: reason, CodeHash: codeHash}
}

func Disconnected(token uint64, cause error) Message {
	m := Message{Kind: KindDisconnected, Token: token}
	if cause != nil {
		m.Reason = cause.Error()
	}
	return m
}

func Failure(token uint64, err error) Message {
	return Message{Kind: KindError, Token: token, Reason: err.Error()}
}

func Ready() Message {
	return Message{Kind: KindReady}
}
