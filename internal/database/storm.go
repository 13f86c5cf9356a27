package database

import (
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/codec/msgpack"
	"github.com/asdine/storm/v3/q"
	"github.com/gofrs/uuid"
	"github.com/oncelink/oncelink/internal/model"
	"github.com/oncelink/oncelink/pkg/stormbinc"
	"github.com/oncelink/oncelink/pkg/stormcbor"
	"github.com/pkg/errors"
)

type strm struct {
	db *storm.DB
}

// StormCodec is the default format used to store data in the database.
var StormCodec = storm.Codec(msgpack.Codec)

// StormCodecNamed returns the storage format for the given configuration
// name. A database must be reopened with the codec it was created with.
func StormCodecNamed(name string) (func(*storm.Options) error, error) {
	switch name {
	case "", "msgpack":
		return StormCodec, nil
	case "binc":
		return storm.Codec(stormbinc.Codec), nil
	case "cbor":
		return storm.Codec(stormcbor.Codec), nil
	default:
		return nil, errors.Errorf("unknown storage codec: %s", name)
	}
}

func stormOptions(options []func(*storm.Options) error) []func(*storm.Options) error {
	if len(options) == 0 {
		return []func(*storm.Options) error{StormCodec}
	}
	return options
}

// StormInit initializes Storm database.
func StormInit(database string, options ...func(*storm.Options) error) error {
	db, err := storm.Open(database, stormOptions(options)...)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	if err := db.Init(&model.Subject{}); err != nil {
		return errors.Wrap(err, "could not init subject index")
	}

	err = db.Init(&model.AccessToken{})
	return errors.Wrap(err, "could not init access token index")
}

// StormReIndex rebuilds the indexes of all buckets.
func StormReIndex(database string, options ...func(*storm.Options) error) error {
	db, err := storm.Open(database, stormOptions(options)...)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	if err := db.ReIndex(&model.Subject{}); err != nil {
		return errors.Wrap(err, "could not reindex subjects")
	}

	err = db.ReIndex(&model.AccessToken{})
	return errors.Wrap(err, "could not reindex access tokens")
}

// StormOpen returns a new Storm database connection.
func StormOpen(database string, options ...func(*storm.Options) error) (Client, error) {
	db, err := storm.Open(database, stormOptions(options)...)
	if err != nil {
		return nil, errors.Wrap(err, "could not get database connection")
	}

	return &strm{
		db: db,
	}, nil
}

// Save inserts or updates the entry in database with the given model.
func (c *strm) Save(m model.Model) error {
	t := time.Now().UTC()
	m.SetUpdatedAt(t)

	if m.GetID() == "" {
		m.SetID(uuid.Must(uuid.NewV4()).String())
		m.SetCreatedAt(t)
	}

	return errors.Wrap(c.db.Save(m), "could not save the model")
}

// Delete deletes the entry in database with the given model.
func (c *strm) Delete(m model.Model) error {
	return errors.Wrap(c.db.DeleteStruct(m), "could not delete the model")
}

// Close the database.
func (c *strm) Close() error {
	return c.db.Close()
}

// IsNotFound returns true if err is a not found error.
func (c *strm) IsNotFound(err error) bool {
	return errors.Cause(err) == storm.ErrNotFound
}

// IsAlreadyExists returns true if err is a unique constraint violation.
func (c *strm) IsAlreadyExists(err error) bool {
	return errors.Cause(err) == storm.ErrAlreadyExists
}

// FindToken returns the access token record for the given token value.
func (c *strm) FindToken(token string) (*model.AccessToken, error) {
	var at model.AccessToken
	if err := c.db.One("Token", token, &at); err != nil {
		return nil, errors.Wrap(err, "find access token")
	}
	return &at, nil
}

// FindTokensBySubject returns all token records issued to the given subject.
func (c *strm) FindTokensBySubject(subjectID string) ([]*model.AccessToken, error) {
	tokens := make([]*model.AccessToken, 0)
	err := c.db.Select(q.Eq("SubjectID", subjectID)).OrderBy("IssuedAt").Reverse().Find(&tokens)
	if err != nil && !c.IsNotFound(err) {
		return nil, errors.Wrap(err, "could not find access tokens by subject")
	}
	return tokens, nil
}

// RedeemToken marks the token as redeemed at the given instant.
// Lookup and update run in a single write transaction. bbolt serializes
// writers, so concurrent redemptions of the same token are linearized and
// only the first one observes a nil RedeemedAt.
func (c *strm) RedeemToken(token string, now time.Time) (*model.AccessToken, error) {
	tx, err := c.db.Begin(true)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin redeem transaction")
	}
	defer tx.Rollback()

	var at model.AccessToken
	if err = tx.One("Token", token, &at); err != nil {
		return nil, errors.Wrap(err, "find access token")
	}

	if at.RedeemedAt != nil {
		return nil, ErrAlreadyRedeemed
	}

	now = now.UTC()
	at.RedeemedAt = &now
	at.UpdatedAt = &now
	if err = tx.Save(&at); err != nil {
		return nil, errors.Wrap(err, "could not save redeemed token")
	}

	return &at, errors.Wrap(tx.Commit(), "could not commit redemption")
}

// RevokeStaleTokens removes all token records whose expiry is older than the
// given instant.
func (c *strm) RevokeStaleTokens(olderThan time.Time) (int, error) {
	stale := make([]*model.AccessToken, 0)
	err := c.db.Select(q.Lt("ExpiresAt", olderThan)).Find(&stale)
	if err != nil {
		if c.IsNotFound(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "could not find stale tokens")
	}

	for _, at := range stale {
		if err = c.db.DeleteStruct(at); err != nil {
			return 0, errors.Wrap(err, "could not delete stale token")
		}
	}
	return len(stale), nil
}

// FindSubject returns the subject for the given id (UUID).
func (c *strm) FindSubject(id string) (*model.Subject, error) {
	var subject model.Subject
	if err := c.db.One("ID", id, &subject); err != nil {
		return nil, errors.Wrap(err, "find subject by id")
	}
	return &subject, nil
}

// FindSubjectByEmail returns the subject for the given email.
func (c *strm) FindSubjectByEmail(email string) (*model.Subject, error) {
	var subject model.Subject
	if err := c.db.One("Email", email, &subject); err != nil {
		return nil, errors.Wrap(err, "find subject by email")
	}
	return &subject, nil
}
