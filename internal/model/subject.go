package model

// A Subject is a user allowed to receive access tokens. It is a local
// registry entry fed by the collaborator owning the real identity store;
// issuance refuses subjects that are unknown or deactivated.
type Subject struct {
	Base `msgpack:",inline" storm:"inline"`

	Email  string `json:"email"  msgpack:"email" storm:"unique"`
	Active bool   `json:"active" msgpack:"active"`
}
