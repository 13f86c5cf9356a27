package token

import (
	"net/url"
	"time"

	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/model"
	"github.com/oncelink/oncelink/internal/olerror"
	"github.com/pkg/errors"
)

// TokenLength is the length of generated token values.
// 24 base58 characters match the entropy floor documented in SecureToken.
const TokenLength = 24

type (
	// A Manager issues and redeems single-use access tokens.
	Manager interface {
		// Issue mints a token binding the subject to the resource reference
		// and persists it unredeemed. The subject must exist and be active.
		Issue(subjectID, resourceRef string, ttl time.Duration) (*model.AccessToken, error)
		// Redeem validates the token for the subject and atomically marks it
		// used. On success it returns the protected resource reference; any
		// rejection is an olerror with its taxonomy tag.
		Redeem(tokenValue, subjectID string) (string, error)
		// RedemptionURL returns the URL delivered to the user. It embeds only
		// the token value and the subject id, never the resource reference.
		RedemptionURL(at *model.AccessToken) string
	}

	manager struct {
		db        database.Client
		publicURL string
		// Token params
		defaultTTL time.Duration
		maxTTL     time.Duration
	}
)

// NewManager returns a new manager.
func NewManager(db database.Client, publicURL string, defaultTTL, maxTTL time.Duration) Manager {
	return &manager{
		db:         db,
		publicURL:  publicURL,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

func (m *manager) Issue(subjectID, resourceRef string, ttl time.Duration) (*model.AccessToken, error) {
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if ttl < 0 || ttl > m.maxTTL {
		return nil, olerror.InvalidParams("The requested ttl is out of bounds.")
	}

	subject, err := m.db.FindSubject(subjectID)
	if err != nil {
		if m.db.IsNotFound(err) {
			return nil, olerror.Forbidden("No such subject.")
		}
		return nil, olerror.StoreUnavailable("Could not reach the token store.")
	}
	if !subject.Active {
		return nil, olerror.Forbidden("Subject is deactivated.")
	}

	now := time.Now().UTC()
	at := &model.AccessToken{
		SubjectID:   subjectID,
		ResourceRef: resourceRef,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	// Retry on the vanishingly rare token collision against the store's
	// uniqueness constraint.
	for attempt := 0; attempt < 3; attempt++ {
		at.Token = SecureToken(TokenLength)

		err = m.db.Save(at)
		if err == nil {
			return at, nil
		}
		if !m.db.IsAlreadyExists(err) {
			return nil, olerror.StoreUnavailable("Could not persist the token.")
		}
	}
	return nil, errors.Wrap(err, "could not generate a unique token")
}

func (m *manager) Redeem(tokenValue, subjectID string) (string, error) {
	at, err := m.db.FindToken(tokenValue)
	if err != nil {
		if m.db.IsNotFound(err) {
			return "", olerror.NotFound("Unknown access link.")
		}
		return "", olerror.StoreUnavailable("Could not reach the token store.")
	}

	// Read-only rejections: neither marks the token as redeemed.
	if !SecureCompare(at.SubjectID, subjectID) {
		return "", olerror.Forbidden("This access link belongs to another user.")
	}
	if at.ExpiredAt(time.Now()) {
		return "", olerror.Expired("This access link has expired.")
	}
	if at.Redeemed() {
		return "", olerror.AlreadyUsed("This access link has already been used.")
	}

	// The single write: a conditional update that only one concurrent
	// attempt can win.
	at, err = m.db.RedeemToken(tokenValue, time.Now())
	if err != nil {
		switch {
		case errors.Cause(err) == database.ErrAlreadyRedeemed:
			return "", olerror.AlreadyUsed("This access link has already been used.")
		case m.db.IsNotFound(err):
			return "", olerror.NotFound("Unknown access link.")
		default:
			return "", olerror.StoreUnavailable("Could not reach the token store.")
		}
	}

	return at.ResourceRef, nil
}

func (m *manager) RedemptionURL(at *model.AccessToken) string {
	query := url.Values{}
	query.Set("token", at.Token)
	query.Set("userId", at.SubjectID)

	return m.publicURL + "/access?" + query.Encode()
}
