package kurrentdb

import (
	"github.com/google/uuid"
)

// toUUID converts an event ID to uuid.UUID.
func toUUID(id string) uuid.UUID {
	parsed, err := uuid.Parse(id)
	if err != nil {
		// Generate a new UUID if parsing fails
		return uuid.New()
	}
	return parsed
}
