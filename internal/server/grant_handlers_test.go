package server_test

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/appleboy/gofight"
	"github.com/stretchr/testify/assert"
)

type grantResponse struct {
	Grant struct {
		ID        string    `json:"id"`
		SubjectID string    `json:"subject_id"`
		IssuedAt  time.Time `json:"issued_at"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"grant"`
	RedemptionURL string `json:"redemption_url"`
	Notified      bool   `json:"notified"`
}

func TestRequestCreateGrant(t *testing.T) {
	engine, ctrl, r, cleanup := setup()
	defer cleanup()

	subject := createSubject(ctrl)
	payload := gofight.D{
		"subject_id":   subject.ID,
		"resource_ref": "https://meet.example.lan/j/42",
		"ttl":          "30m",
		"notify":       true,
	}

	// The internal API requires a bearer token.
	r.POST("/internal/grants").SetJSON(payload).Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
		assert.Equal(t, http.StatusUnauthorized, r.Code)
	})

	r.POST("/internal/grants").SetHeader(internalBearer(ctrl)).SetJSON(payload).
		Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
			assert.Equal(t, http.StatusCreated, r.Code)

			var response grantResponse
			assert.NoError(t, json.Unmarshal(r.Body.Bytes(), &response))
			assert.Equal(t, subject.ID, response.Grant.SubjectID)
			assert.True(t, response.Grant.ExpiresAt.Equal(response.Grant.IssuedAt.Add(30*time.Minute)))
			assert.True(t, response.Notified)

			// The redemption URL embeds the token, never the resource.
			u, err := url.Parse(response.RedemptionURL)
			assert.NoError(t, err)
			assert.Equal(t, "/access", u.Path)
			assert.NotEmpty(t, u.Query().Get("token"))
			assert.Equal(t, subject.ID, u.Query().Get("userId"))
			assert.NotContains(t, response.RedemptionURL, "meet.example.lan")

			// And it redeems.
			r2 := gofight.New()
			r2.GET("/access").SetQuery(gofight.H{"token": u.Query().Get("token"), "userId": subject.ID}).
				Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
					assert.Equal(t, http.StatusSeeOther, r.Code)
					assert.Equal(t, "https://meet.example.lan/j/42", r.HeaderMap.Get("Location"))
				})
		})
}

func TestRequestCreateGrantInvalidParams(t *testing.T) {
	engine, ctrl, r, cleanup := setup()
	defer cleanup()

	subject := createSubject(ctrl)
	header := internalBearer(ctrl)

	cases := []gofight.D{
		{"resource_ref": "https://meet.example.lan/j/42"},                                       // no subject
		{"subject_id": "not-a-uuid", "resource_ref": "https://meet.example.lan/j/42"},           // malformed subject id
		{"subject_id": subject.ID, "ttl": "30m"},                                                // no resource
		{"subject_id": subject.ID, "resource_ref": "https://meet.example.lan/j/42", "ttl": "soon"}, // bad ttl
	}

	for _, payload := range cases {
		r.POST("/internal/grants").SetHeader(header).SetJSON(payload).
			Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
				assert.Equal(t, http.StatusBadRequest, r.Code)
			})
	}
}

func TestRequestCreateGrantTTLOutOfBounds(t *testing.T) {
	engine, ctrl, r, cleanup := setup()
	defer cleanup()

	subject := createSubject(ctrl)

	r.POST("/internal/grants").SetHeader(internalBearer(ctrl)).
		SetJSON(gofight.D{"subject_id": subject.ID, "resource_ref": "https://meet.example.lan/j/42", "ttl": "48h"}).
		Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
			assert.Equal(t, http.StatusBadRequest, r.Code)
			assert.JSONEq(t, `{"error":{"tag":"invalid-parameters","message":"The requested ttl is out of bounds."}}`, r.Body.String())
		})
}

func TestRequestListGrants(t *testing.T) {
	engine, ctrl, r, cleanup := setup()
	defer cleanup()

	subject := createSubject(ctrl)
	issueToken(ctrl, subject.ID, time.Hour)
	issueToken(ctrl, subject.ID, time.Hour)

	r.GET("/internal/grants/"+subject.ID).SetHeader(internalBearer(ctrl)).
		Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, r.Code)

			var response struct {
				Grants []map[string]any `json:"grants"`
			}
			assert.NoError(t, json.Unmarshal(r.Body.Bytes(), &response))
			assert.Len(t, response.Grants, 2)

			// Audit metadata only: no raw token values, no resource refs.
			for _, grant := range response.Grants {
				assert.NotContains(t, grant, "token")
				assert.NotContains(t, grant, "resource_ref")
			}
		})

	r.GET("/internal/grants/unknown-subject").SetHeader(internalBearer(ctrl)).
		Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
			assert.Equal(t, http.StatusNotFound, r.Code)
		})
}

func TestRequestUpsertSubject(t *testing.T) {
	engine, ctrl, r, cleanup := setup()
	defer cleanup()

	header := internalBearer(ctrl)

	var id string
	r.POST("/internal/subjects").SetHeader(header).
		SetJSON(gofight.D{"email": "hugues@nowhere.lan"}).
		Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, r.Code)

			var response struct {
				Subject struct {
					ID     string `json:"id"`
					Email  string `json:"email"`
					Active bool   `json:"active"`
				} `json:"subject"`
			}
			assert.NoError(t, json.Unmarshal(r.Body.Bytes(), &response))
			assert.Equal(t, "hugues@nowhere.lan", response.Subject.Email)
			assert.True(t, response.Subject.Active)
			id = response.Subject.ID
		})

	// Upserting the same email deactivates the existing record.
	r.POST("/internal/subjects").SetHeader(header).
		SetJSON(gofight.D{"email": "hugues@nowhere.lan", "active": false}).
		Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, r.Code)

			var response struct {
				Subject struct {
					ID     string `json:"id"`
					Active bool   `json:"active"`
				} `json:"subject"`
			}
			assert.NoError(t, json.Unmarshal(r.Body.Bytes(), &response))
			assert.Equal(t, id, response.Subject.ID)
			assert.False(t, response.Subject.Active)
		})

	r.POST("/internal/subjects").SetHeader(header).
		SetJSON(gofight.D{"email": "not-an-email"}).
		Run(engine, func(r gofight.HTTPResponse, rq gofight.HTTPRequest) {
			assert.Equal(t, http.StatusBadRequest, r.Code)
		})
}
