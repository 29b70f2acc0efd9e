package handle

// Scope records handles created through it so they can be released together.
// Handles that already existed when a value was inserted are not owned by the
// scope and survive Release.
type Scope struct {
	table *Table
	owned []Handle
}

// NewScope opens a scope over t.
func (t *Table) NewScope() *Scope {
	return &Scope{table: t}
}

// Insert behaves like Table.Insert and takes ownership of new handles.
func (s *Scope) Insert(value any) (Handle, error) {
	if h, ok := s.table.Lookup(value); ok {
		return h, nil
	}
	h, err := s.table.Insert(value)
	if err != nil {
		return 0, err
	}
	s.owned = append(s.owned, h)
	return h, nil
}

// Table returns the underlying table.
func (s *Scope) Table() *Table { return s.table }

// Release drops every handle the scope created. Safe to call twice.
func (s *Scope) Release() {
	for _, h := range s.owned {
		s.table.Release(h)
	}
	s.owned = nil
}
