// Package idgen abstracts identifier generation so application code never
// calls uuid.New directly, keeping it substitutable in tests.
package idgen

import "github.com/google/uuid"

// Generator produces new random identifiers.
type Generator interface {
	NewUUID() string
}

// UUIDGenerator is the production Generator, backed by google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) NewUUID() string { return uuid.NewString() }

// Sequence is a deterministic test double that cycles through a fixed list
// of ids, falling back to a counter-derived id once exhausted.
type Sequence struct {
	IDs   []string
	next  int
	extra int
}

func (s *Sequence) NewUUID() string {
	if s.next < len(s.IDs) {
		id := s.IDs[s.next]
		s.next++
		return id
	}
	s.extra++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(s.extra)}).String()
}
