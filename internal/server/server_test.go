package server_test

import (
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/appleboy/gofight"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/mailer"
	"github.com/oncelink/oncelink/internal/model"
	"github.com/oncelink/oncelink/internal/server"
	"github.com/oncelink/oncelink/internal/token"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRequestVersion(t *testing.T) {
	engine, _, r, cleanup := setup()
	defer cleanup()

	r.GET("/version").Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
		assert.Equal(t, http.StatusOK, r.Code)
		assert.JSONEq(t, `{"version":"test"}`, r.Body.String())
	})
}

func setup() (engine *echo.Echo, ctrl server.Controller, r *gofight.RequestConfig, cleanup func()) {
	tmpfile, err := os.CreateTemp("", "oncelink.*.db")
	if err != nil {
		panic(err)
	}
	filename := tmpfile.Name()
	tmpfile.Close()

	if err = database.StormInit(filename); err != nil {
		panic(err)
	}
	db, err := database.StormOpen(filename)
	if err != nil {
		panic(err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	ctrl = server.Controller{
		Version:         "test",
		Database:        db,
		Mailer:          mailer.NewNop(),
		Logger:          logger,
		PublicURL:       "https://onetime.example.lan",
		SigningKey:      []byte("secret"),
		DefaultTokenTTL: 10 * time.Minute,
		MaxTokenTTL:     24 * time.Hour,
	}
	engine = server.EchoEngine(ctrl)

	return engine, ctrl, gofight.New(), func() {
		db.Close()
		os.RemoveAll(filename)
	}
}

func createSubject(ctrl server.Controller) *model.Subject {
	subject := &model.Subject{
		Email:  "george.abitbol@nowhere.lan",
		Active: true,
	}
	if err := ctrl.Database.Save(subject); err != nil {
		panic(err)
	}
	return subject
}

func issueToken(ctrl server.Controller, subjectID string, ttl time.Duration) *model.AccessToken {
	tokens := token.NewManager(ctrl.Database, ctrl.PublicURL, ctrl.DefaultTokenTTL, ctrl.MaxTokenTTL)
	at, err := tokens.Issue(subjectID, "https://meet.example.lan/j/42", ttl)
	if err != nil {
		panic(err)
	}
	return at
}

func internalBearer(ctrl server.Controller) gofight.H {
	claims := jwt.MapClaims{
		"iss": "storefront",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ctrl.SigningKey)
	if err != nil {
		panic(err)
	}
	return gofight.H{"Authorization": "Bearer " + signed}
}
