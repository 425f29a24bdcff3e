// Package platform holds small node-identity helpers shared across
// components that need to mint a fresh unique id.
package platform

import (
	"github.com/google/uuid"
)

// NewID mints a fresh random id, used by internal/challenge to mint
// challenge/solution pairs.
func NewID() string {
	return uuid.New().String()
}
