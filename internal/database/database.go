package database

import (
	"time"

	"github.com/oncelink/oncelink/internal/model"
	"github.com/pkg/errors"
)

// ErrAlreadyRedeemed is returned by RedeemToken when the conditional update
// fails because the token has already been used.
var ErrAlreadyRedeemed = errors.New("token already redeemed")

// ErrAlreadyExists is returned by backends without a native unique constraint
// error when an insert collides with an existing record.
var ErrAlreadyExists = errors.New("already exists")

type (
	// A Client can interacts with the database.
	Client interface {
		// Save inserts or updates the entry in database with the given model.
		Save(m model.Model) error
		// Delete deletes the entry in database with the given model.
		Delete(m model.Model) error
		// Close the database.
		Close() error
		// IsNotFound returns true if err is a not found error.
		IsNotFound(err error) bool
		// IsAlreadyExists returns true if err is a unique constraint violation.
		IsAlreadyExists(err error) bool

		TokenInteraction
		SubjectInteraction
	}

	// A TokenInteraction defines all the methods used to interact with access token records.
	TokenInteraction interface {
		// FindToken returns the access token record for the given token value.
		FindToken(token string) (*model.AccessToken, error)
		// FindTokensBySubject returns all token records issued to the given subject.
		FindTokensBySubject(subjectID string) ([]*model.AccessToken, error)
		// RedeemToken marks the token as redeemed at the given instant.
		// The update is a single atomic conditional operation: it succeeds only
		// if the token is still unredeemed, so two concurrent calls cannot both
		// succeed. The loser receives ErrAlreadyRedeemed.
		RedeemToken(token string, now time.Time) (*model.AccessToken, error)
		// RevokeStaleTokens removes all token records whose expiry is older
		// than the given instant. It returns the number of removed records.
		RevokeStaleTokens(olderThan time.Time) (int, error)
	}

	// A SubjectInteraction defines all the methods used to interact with subject records.
	SubjectInteraction interface {
		// FindSubject returns the subject for the given id (UUID).
		FindSubject(id string) (*model.Subject, error)
		// FindSubjectByEmail returns the subject for the given email.
		FindSubjectByEmail(email string) (*model.Subject, error)
	}
)
