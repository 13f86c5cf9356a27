// Package onceclient provides a Go client for the oncelink internal API and
// redemption endpoint.
package onceclient

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"
)

type (
	// A Client defines all interactions that can be performed on an oncelink server.
	Client interface {
		// CreateGrant issues a new single-use access token.
		CreateGrant(grant CreateGrant) (*Grant, error)
		// ListGrants returns the audit metadata of a subject's tokens.
		ListGrants(subjectID string) ([]GrantRecord, error)
		// UpsertSubject registers or updates a subject.
		UpsertSubject(email string, active bool) (*Subject, error)
		// Redeem exchanges a token for the protected resource location.
		// The redirect is not followed; the resource URL is returned.
		Redeem(token, subjectID string) (string, error)
		// SetBearerToken sets the JWT used for internal API requests.
		SetBearerToken(token string)
	}

	// CreateGrant are the issuance parameters.
	CreateGrant struct {
		SubjectID   string `json:"subject_id"`
		ResourceRef string `json:"resource_ref"`
		TTL         string `json:"ttl,omitempty"`
		Notify      bool   `json:"notify,omitempty"`
	}

	// A GrantRecord is the audit metadata of an issued token.
	GrantRecord struct {
		ID         string     `json:"id"`
		SubjectID  string     `json:"subject_id"`
		IssuedAt   time.Time  `json:"issued_at"`
		ExpiresAt  time.Time  `json:"expires_at"`
		RedeemedAt *time.Time `json:"redeemed_at"`
	}

	// A Grant is the issuance response.
	Grant struct {
		Grant         GrantRecord `json:"grant"`
		RedemptionURL string      `json:"redemption_url"`
		Notified      bool        `json:"notified"`
	}

	// A Subject is a registry entry.
	Subject struct {
		ID     string `json:"id"`
		Email  string `json:"email"`
		Active bool   `json:"active"`
	}

	client struct {
		http     *http.Client
		redeemer *http.Client
		endpoint string
		bearer   string
	}
)

// NewDefaultClient returns a new Client with default HTTP client.
func NewDefaultClient(endpoint string) (Client, error) {
	return NewClient(http.DefaultClient, endpoint)
}

// NewClient returns a new Client.
func NewClient(c *http.Client, endpoint string) (Client, error) {
	_, err := url.Parse(endpoint)

	// Redemption must observe the redirect instead of following it to the
	// resource.
	redeemer := *c
	redeemer.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &client{http: c, redeemer: &redeemer, endpoint: endpoint}, errors.Wrap(err, "could not parse endpoint")
}

func (c *client) SetBearerToken(token string) {
	c.bearer = token
}

func (c *client) CreateGrant(grant CreateGrant) (*Grant, error) {
	var response Grant
	if err := c.request(http.MethodPost, "/internal/grants", grant, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (c *client) ListGrants(subjectID string) ([]GrantRecord, error) {
	var response struct {
		Grants []GrantRecord `json:"grants"`
	}
	if err := c.request(http.MethodGet, "/internal/grants/"+subjectID, nil, &response); err != nil {
		return nil, err
	}
	return response.Grants, nil
}

func (c *client) UpsertSubject(email string, active bool) (*Subject, error) {
	params := map[string]any{"email": email, "active": active}

	var response struct {
		Subject Subject `json:"subject"`
	}
	if err := c.request(http.MethodPost, "/internal/subjects", params, &response); err != nil {
		return nil, err
	}
	return &response.Subject, nil
}

func (c *client) Redeem(token, subjectID string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", errors.Wrap(err, "could not parse endpoint")
	}
	u.Path = path.Join(u.Path, "/access")

	query := url.Values{}
	query.Set("token", token)
	query.Set("userId", subjectID)
	u.RawQuery = query.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "could not build request")
	}
	req.Close = true

	res, err := c.redeemer.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "could not perform request")
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return "", parseError(res.Body, res.StatusCode)
	}

	return res.Header.Get("Location"), nil
}

func (c *client) request(method, endpoint string, params, response any) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return errors.Wrap(err, "could not parse endpoint")
	}
	u.Path = path.Join(u.Path, endpoint)

	//
	// Build request
	var body *bytes.Reader
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "could not serialize params")
		}
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	req.Close = true
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	if c.bearer != "" {
		req.Header.Add("Authorization", "Bearer "+c.bearer)
	}

	//
	// Perform request
	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not perform request")
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return parseError(res.Body, res.StatusCode)
	}

	//
	// Process response
	dec := json.NewDecoder(res.Body)
	return errors.Wrap(dec.Decode(response), "could not parse response")
}
