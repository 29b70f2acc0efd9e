package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/wippyai/realm-runner/errors"
)

// maxLine bounds one encoded message.
const maxLine = 16 << 20

// Encoder writes one JSON message per line. Safe for concurrent use.
type Encoder struct {
	w  *bufio.Writer
	mu sync.Mutex
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes m and flushes.
func (e *Encoder) Encode(m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads messages written by Encoder.
type Decoder struct {
	s *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Decoder{s: s}
}

// Decode returns the next message. It returns io.EOF at a clean end of
// stream. Blank lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for d.s.Scan() {
		line := d.s.Bytes()
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}
	if err := d.s.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Unmarshal decodes and validates a single message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Protocol("decode message", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Marshal validates and encodes a single message without a trailing
// newline.
func Marshal(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Protocol("encode message", err)
	}
	return data, nil
}
