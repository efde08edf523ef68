package model

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/seantiz/anvil/internal/status"
)

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// ValidateID checks that id is a well-formed job identifier.
func ValidateID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("job id %q: %w", id, status.ErrBadParam)
	}
	return nil
}
