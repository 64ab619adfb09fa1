// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ShortIDLen is the length of ids handed out for local browser sessions.
const ShortIDLen = 12

// Generator creates UUID-based identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. Used for run and ledger ids, which sort by time.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ShortGenerator adapts Generator.NewShortID to the NewID shape.
type ShortGenerator struct{ Generator }

// NewID returns a short random id.
func (g ShortGenerator) NewID() (string, error) {
	return g.NewShortID()
}

// NewShortID returns the first 12 hex digits of a random UUIDv4.
func (Generator) NewShortID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", "")[:ShortIDLen], nil
}
