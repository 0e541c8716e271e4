package batch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// maxBoundaryAttempts bounds boundary regeneration on collision.
const maxBoundaryAttempts = 8

// BoundaryFunc returns a new boundary for the given prefix.
type BoundaryFunc func(prefix string) string

// NewBoundary returns prefix followed by a random UUID.
func NewBoundary(prefix string) string {
	return prefix + uuid.NewString()
}

// generateBoundary returns a boundary that occurs in none of the contents and
// neither contains nor is contained in any boundary already taken.
func generateBoundary(gen BoundaryFunc, prefix string, contents [][]byte, taken []string) (string, int, error) {
	for attempt := 1; attempt <= maxBoundaryAttempts; attempt++ {
		b := gen(prefix)
		if b != "" && !collides(b, contents, taken) {
			return b, attempt - 1, nil
		}
	}
	return "", maxBoundaryAttempts, fmt.Errorf("%w: no usable %q boundary after %d attempts",
		ErrBoundaryCollision, prefix, maxBoundaryAttempts)
}

func collides(b string, contents [][]byte, taken []string) bool {
	for _, t := range taken {
		if strings.Contains(t, b) || strings.Contains(b, t) {
			return true
		}
	}
	needle := []byte(b)
	for _, c := range contents {
		if bytes.Contains(c, needle) {
			return true
		}
	}
	return false
}
