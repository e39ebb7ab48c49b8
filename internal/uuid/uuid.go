// Package uuid generates and validates the local identifiers of queued records.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/solarcrm/fieldsync/internal/models"
)

// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx, y in [89ab]
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// NewLocalID returns a fresh local identifier for a queued record.
// Random v4 ids are never reused, even across restarts of the same device.
func NewLocalID() models.UUID {
	return models.UUID(New())
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ParseLocalID normalizes and validates a local identifier supplied by a caller.
func ParseLocalID(s string) (models.UUID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !IsValid(s) {
		return "", fmt.Errorf("invalid local id %q", s)
	}
	return models.UUID(s), nil
}
