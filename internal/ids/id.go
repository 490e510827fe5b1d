package ids

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSequenceExhausted is returned once a Sequence has handed out every value.
var ErrSequenceExhausted = errors.New("ids: sequence exhausted")

// Provider issues identifiers for persisted records.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
// UUIDv7 values sort by creation time.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence hands out a fixed list of identifiers in order.
type Sequence struct {
	mu     sync.Mutex
	values []string
	index  int
}

// NewSequence constructs a Sequence over values.
func NewSequence(values ...string) *Sequence {
	return &Sequence{values: append([]string(nil), values...)}
}

func (s *Sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.values) {
		return "", ErrSequenceExhausted
	}
	value := s.values[s.index]
	s.index++
	return value, nil
}
