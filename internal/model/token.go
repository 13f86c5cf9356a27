package model

import (
	"time"
)

// An AccessToken is a single-use credential binding a subject to a protected
// resource. The raw token value is the only secret shared with the user; the
// resource reference never leaves the server until a successful redemption.
type AccessToken struct {
	Base `msgpack:",inline" storm:"inline"`

	Token       string     `json:"-"           msgpack:"token"        storm:"unique"`
	SubjectID   string     `json:"subject_id"  msgpack:"subject_id"   storm:"index"`
	ResourceRef string     `json:"-"           msgpack:"resource_ref"`
	IssuedAt    time.Time  `json:"issued_at"   msgpack:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"  msgpack:"expires_at"   storm:"index"`
	RedeemedAt  *time.Time `json:"redeemed_at" msgpack:"redeemed_at"`
}

// Redeemed returns true once the token has been used.
func (t *AccessToken) Redeemed() bool {
	return t.RedeemedAt != nil
}

// ExpiredAt returns true if the token is unusable at the given instant,
// regardless of its redemption state.
func (t *AccessToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
