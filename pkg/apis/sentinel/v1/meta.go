// Package v1 holds the entity and wire types shared by the control plane
// services and both store implementations. All enums are typed strings whose
// values match the JSON wire protocol.
package v1

import (
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// NewID returns a fresh 128-bit opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// Now returns the clock's current time normalized for persistence: UTC,
// truncated to whole seconds. Every stored and wire timestamp goes through
// this so round-trips through JSON and SQL compare equal.
func Now(c clock.PassiveClock) time.Time {
	return c.Now().UTC().Truncate(time.Second)
}

// TimePtr is a convenience for optional timestamp fields.
func TimePtr(t time.Time) *time.Time {
	return &t
}
