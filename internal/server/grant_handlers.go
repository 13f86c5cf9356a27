package server

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/mailer"
	"github.com/oncelink/oncelink/internal/model"
	"github.com/oncelink/oncelink/internal/olerror"
	"github.com/oncelink/oncelink/internal/token"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type (
	// grant contains the internal issuance handlers.
	grant struct {
		db       database.Client
		tokens   token.Manager
		mailer   mailer.Mailer
		log      *logrus.Logger
		validate *validator.Validate
	}

	createGrantParams struct {
		SubjectID   string `json:"subject_id"   validate:"required,uuid4"`
		ResourceRef string `json:"resource_ref" validate:"required"`
		TTL         string `json:"ttl"          validate:"omitempty"`
		Notify      bool   `json:"notify"`
	}

	upsertSubjectParams struct {
		Email  string `json:"email" validate:"required,email"`
		Active *bool  `json:"active"`
	}
)

func newGrant(db database.Client, tokens token.Manager, m mailer.Mailer, log *logrus.Logger) *grant {
	return &grant{
		db:       db,
		tokens:   tokens,
		mailer:   m,
		log:      log,
		validate: validator.New(),
	}
}

// Create issues a new single-use token for a subject and, on demand, mails
// the redemption URL to the subject's registered address.
func (h *grant) Create(c echo.Context) error {
	var params createGrantParams
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Invalid request body."))
	}
	if err := h.validate.Struct(params); err != nil {
		return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Please provide all required parameters."))
	}

	var ttl time.Duration
	if params.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(params.TTL); err != nil {
			return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Invalid ttl format."))
		}
	}

	at, err := h.tokens.Issue(params.SubjectID, params.ResourceRef, ttl)
	if err != nil {
		return err
	}

	notified := false
	if params.Notify {
		notified = h.notify(c, at)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"grant":          at,
		"redemption_url": h.tokens.RedemptionURL(at),
		"notified":       notified,
	})
}

// List returns the token records issued to a subject. Raw token values and
// resource references are not serialized; the listing is audit metadata only.
func (h *grant) List(c echo.Context) error {
	subjectID := c.Param("subject_id")

	if _, err := h.db.FindSubject(subjectID); err != nil {
		if h.db.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, olerror.NotFound("No such subject."))
		}
		return errors.Wrap(err, "could not get subject")
	}

	tokens, err := h.db.FindTokensBySubject(subjectID)
	if err != nil {
		return errors.Wrap(err, "could not get subject grants")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"grants": tokens,
	})
}

// UpsertSubject registers or updates a subject in the local registry.
// The identity system feeding this registry stays an external collaborator.
func (h *grant) UpsertSubject(c echo.Context) error {
	var params upsertSubjectParams
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Invalid request body."))
	}
	if err := h.validate.Struct(params); err != nil {
		return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Please provide a valid email."))
	}

	active := true
	if params.Active != nil {
		active = *params.Active
	}

	subject, err := h.db.FindSubjectByEmail(params.Email)
	switch {
	case err == nil:
		subject.Active = active
	case h.db.IsNotFound(err):
		subject = &model.Subject{Email: params.Email, Active: active}
	default:
		return errors.Wrap(err, "could not get subject")
	}

	if err = h.db.Save(subject); err != nil {
		return errors.Wrap(err, "could not save subject")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"subject": subject,
	})
}

// notify mails the redemption URL. A delivery failure does not void the
// grant; it is reported through the response's notified flag.
func (h *grant) notify(c echo.Context, at *model.AccessToken) bool {
	subject, err := h.db.FindSubject(at.SubjectID)
	if err != nil {
		h.log.WithError(err).Error("could not load subject for notification")
		return false
	}

	err = h.mailer.SendAccessLink(c.Request().Context(), subject.Email, h.tokens.RedemptionURL(at), at.ExpiresAt)
	if err != nil {
		h.log.WithError(err).Error("could not send access link")
		return false
	}
	return true
}
