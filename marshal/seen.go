package marshal

import (
	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/value"
)

// SeenTable maps crossing-local refs to values reconstructed on the
// receiving side. It lives for exactly one crossing.
type SeenTable struct {
	vals    map[uint32]value.Value
	pending map[uint32]bool
}

// NewSeenTable returns an empty table.
func NewSeenTable() *SeenTable {
	return &SeenTable{
		vals:    make(map[uint32]value.Value),
		pending: make(map[uint32]bool),
	}
}

// open registers the shell for ref before its children are decoded, so
// self references resolve to it.
func (s *SeenTable) open(ref uint32, v value.Value) error {
	if ref == 0 {
		return errors.New(errors.PhaseDemarshal, errors.KindProtocol).Detail("reference id 0").Build()
	}
	if _, dup := s.vals[ref]; dup {
		return errors.New(errors.PhaseDemarshal, errors.KindProtocol).Detail("reference %d defined twice", ref).Build()
	}
	s.vals[ref] = v
	s.pending[ref] = true
	return nil
}

func (s *SeenTable) resolve(ref uint32) {
	delete(s.pending, ref)
}

// Lookup returns the value for ref.
func (s *SeenTable) Lookup(ref uint32) (value.Value, bool) {
	v, ok := s.vals[ref]
	return v, ok
}

// Len returns the number of refs seen.
func (s *SeenTable) Len() int { return len(s.vals) }

// Verify fails if any ref was opened but never fully decoded.
func (s *SeenTable) Verify() error {
	if len(s.pending) == 0 {
		return nil
	}
	return errors.New(errors.PhaseDemarshal, errors.KindProtocol).
		Detail("%d references left unresolved", len(s.pending)).
		Build()
}
