// Package uuid validates the client ids that cross the app-shell
// boundary. Queue entries are keyed by UUID v4 client ids; anything
// else is rejected before it reaches the store.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4 client id.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4 client id.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid client id.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid client id: %q", s)
	}
	return nil
}
