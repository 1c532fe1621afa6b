// Package uid generates identifiers for queue entries and workers.
package uid

import "github.com/google/uuid"

// Generate returns a time-ordered UUIDv7 string, falling back to v4.
func Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
