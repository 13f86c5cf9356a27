package database_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (db database.Client, cleanup func()) {
	tmpfile, err := os.CreateTemp("", "oncelink.*.db")
	require.NoError(t, err)
	filename := tmpfile.Name()
	tmpfile.Close()

	require.NoError(t, database.StormInit(filename))

	db, err = database.StormOpen(filename)
	require.NoError(t, err)

	return db, func() {
		db.Close()
		os.RemoveAll(filename)
	}
}

func token(value, subjectID string, ttl time.Duration) *model.AccessToken {
	now := time.Now().UTC()
	return &model.AccessToken{
		Token:       value,
		SubjectID:   subjectID,
		ResourceRef: "https://meet.example.lan/j/42",
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestStormSaveAndFindToken(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	at := token("tok1", "u1", time.Hour)
	assert.NoError(t, db.Save(at))
	assert.NotEmpty(t, at.ID)

	found, err := db.FindToken("tok1")
	assert.NoError(t, err)
	assert.Equal(t, at.ID, found.ID)
	assert.Equal(t, "u1", found.SubjectID)
	assert.Equal(t, at.ResourceRef, found.ResourceRef)
	assert.Nil(t, found.RedeemedAt)

	_, err = db.FindToken("nope")
	assert.Error(t, err)
	assert.True(t, db.IsNotFound(err))
}

func TestStormTokenUniqueness(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	assert.NoError(t, db.Save(token("tok1", "u1", time.Hour)))

	err := db.Save(token("tok1", "u2", time.Hour))
	assert.Error(t, err)
	assert.True(t, db.IsAlreadyExists(err))
}

func TestStormFindTokensBySubject(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	assert.NoError(t, db.Save(token("tok1", "u1", time.Hour)))
	assert.NoError(t, db.Save(token("tok2", "u1", time.Hour)))
	assert.NoError(t, db.Save(token("tok3", "u2", time.Hour)))

	tokens, err := db.FindTokensBySubject("u1")
	assert.NoError(t, err)
	assert.Len(t, tokens, 2)

	tokens, err = db.FindTokensBySubject("unknown")
	assert.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestStormRedeemToken(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	assert.NoError(t, db.Save(token("tok1", "u1", time.Hour)))

	now := time.Now().UTC()
	at, err := db.RedeemToken("tok1", now)
	assert.NoError(t, err)
	assert.NotNil(t, at.RedeemedAt)
	assert.True(t, at.RedeemedAt.Equal(now))

	// Replay loses.
	_, err = db.RedeemToken("tok1", now.Add(time.Second))
	assert.Equal(t, database.ErrAlreadyRedeemed, errors.Cause(err))

	// The stored record keeps the first redemption date.
	at, err = db.FindToken("tok1")
	assert.NoError(t, err)
	assert.True(t, at.RedeemedAt.Equal(now))
}

func TestStormRedeemTokenNotFound(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	_, err := db.RedeemToken("nope", time.Now())
	assert.Error(t, err)
	assert.True(t, db.IsNotFound(err))
}

func TestStormRedeemTokenConcurrency(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	assert.NoError(t, db.Save(token("tok1", "u1", time.Hour)))

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.RedeemToken("tok1", time.Now().UTC())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, losses int
	for err := range results {
		switch errors.Cause(err) {
		case nil:
			successes++
		case database.ErrAlreadyRedeemed:
			losses++
		default:
			t.Fatalf("unexpected redemption error: %v", err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, losses)
}

func TestStormRevokeStaleTokens(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	assert.NoError(t, db.Save(token("stale", "u1", -48*time.Hour)))
	assert.NoError(t, db.Save(token("fresh", "u1", time.Hour)))

	count, err := db.RevokeStaleTokens(time.Now().Add(-24 * time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = db.FindToken("stale")
	assert.True(t, db.IsNotFound(err))

	_, err = db.FindToken("fresh")
	assert.NoError(t, err)

	// Nothing left to sweep.
	count, err = db.RevokeStaleTokens(time.Now().Add(-24 * time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStormSubjects(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	subject := &model.Subject{Email: "george.abitbol@nowhere.lan", Active: true}
	assert.NoError(t, db.Save(subject))
	assert.NotEmpty(t, subject.ID)

	found, err := db.FindSubject(subject.ID)
	assert.NoError(t, err)
	assert.Equal(t, subject.Email, found.Email)
	assert.True(t, found.Active)

	found, err = db.FindSubjectByEmail(subject.Email)
	assert.NoError(t, err)
	assert.Equal(t, subject.ID, found.ID)

	_, err = db.FindSubject("unknown")
	assert.True(t, db.IsNotFound(err))
}
