package model

import "time"

// Lease marks an in-flight recalibration of one (entity, source). A lease is
// held until released or until ExpiresAt passes.
type Lease struct {
	EntityID  string    `json:"entity_id"`
	SourceID  string    `json:"source_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
