package onceclient_test

import (
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/mailer"
	"github.com/oncelink/oncelink/internal/server"
	"github.com/oncelink/oncelink/pkg/onceclient"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (onceclient.Client, func()) {
	path := filepath.Join(t.TempDir(), "onceclient_test.db")

	db, err := database.StormOpen(path)
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(os.Stderr)

	ctrl := server.Controller{
		Version:         "test",
		Database:        db,
		Mailer:          mailer.NewNop(),
		Logger:          log,
		SigningKey:      []byte("secret"),
		PublicURL:       "http://localhost",
		DefaultTokenTTL: 10 * time.Minute,
		MaxTokenTTL:     24 * time.Hour,
	}

	ts := httptest.NewServer(server.EchoEngine(ctrl))

	client, err := onceclient.NewDefaultClient(ts.URL)
	require.NoError(t, err)

	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "onceclient_test",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	client.SetBearerToken(bearer)

	return client, func() {
		ts.Close()
		db.Close()
	}
}

func TestClient_RoundTrip(t *testing.T) {
	client, teardown := setup(t)
	defer teardown()

	subject, err := client.UpsertSubject("george.abitbol@nowhere.lan", true)
	require.NoError(t, err)
	assert.NotEmpty(t, subject.ID)
	assert.True(t, subject.Active)

	grant, err := client.CreateGrant(onceclient.CreateGrant{
		SubjectID:   subject.ID,
		ResourceRef: "https://meet.example.lan/room/42",
		TTL:         "30m",
	})
	require.NoError(t, err)
	assert.Equal(t, subject.ID, grant.Grant.SubjectID)
	assert.Nil(t, grant.Grant.RedeemedAt)

	u, err := url.Parse(grant.RedemptionURL)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)

	grants, err := client.ListGrants(subject.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, grant.Grant.ID, grants[0].ID)

	resource, err := client.Redeem(token, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://meet.example.lan/room/42", resource)

	// Second redemption is rejected.
	_, err = client.Redeem(token, subject.ID)
	require.Error(t, err)
	apierr, ok := err.(*onceclient.APIError)
	require.True(t, ok)
	assert.Equal(t, 410, apierr.StatusCode)
	assert.Equal(t, "already-used", apierr.Tag())
}

func TestClient_Unauthorized(t *testing.T) {
	client, teardown := setup(t)
	defer teardown()

	client.SetBearerToken("")

	_, err := client.UpsertSubject("george.abitbol@nowhere.lan", true)
	require.Error(t, err)
	apierr, ok := err.(*onceclient.APIError)
	require.True(t, ok)
	assert.Equal(t, 401, apierr.StatusCode)
}

func TestClient_RedeemUnknownToken(t *testing.T) {
	client, teardown := setup(t)
	defer teardown()

	_, err := client.Redeem("nosuchtoken", "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	apierr, ok := err.(*onceclient.APIError)
	require.True(t, ok)
	assert.Equal(t, 404, apierr.StatusCode)
	assert.Equal(t, "not-found", apierr.Tag())
}
