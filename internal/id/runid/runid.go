// Package runid generates run identifiers.
package runid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates run IDs from UUIDv7, which encodes a millisecond
// timestamp followed by random bits, so IDs sort by start time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewRunID returns a "run_" prefixed UUIDv7 string.
func (Generator) NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return "run_" + id.String(), nil
}
