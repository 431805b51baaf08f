package sluice

import (
	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Request IDs and context IDs both come from here.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
