package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/mailer"
	"github.com/oncelink/oncelink/internal/olerror"
	"github.com/oncelink/oncelink/internal/token"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// stripeHook turns confirmed checkouts into access grants.
// The checkout session metadata must carry subject_id and resource_ref
// (set by the storefront when creating the session); ttl is optional.
type stripeHook struct {
	secret string
	db     database.Client
	tokens token.Manager
	mailer mailer.Mailer
	log    *logrus.Logger
}

// Handle processes Stripe webhook events.
func (h *stripeHook) Handle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Could not read event payload."))
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		c.Request().Header.Get("Stripe-Signature"),
		h.secret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		h.log.WithError(err).Warn("stripe signature verification failed")
		return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Invalid event signature."))
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return c.NoContent(http.StatusOK)
	}

	var session stripe.CheckoutSession
	if err = json.Unmarshal(event.Data.Raw, &session); err != nil {
		return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Could not parse checkout session."))
	}

	subjectID := session.Metadata["subject_id"]
	resourceRef := session.Metadata["resource_ref"]
	if subjectID == "" || resourceRef == "" {
		// Misconfigured storefront; retrying would not help.
		h.log.WithField("session", session.ID).Warn("checkout session without grant metadata")
		return c.NoContent(http.StatusOK)
	}

	var ttl time.Duration
	if raw := session.Metadata["ttl"]; raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil {
			h.log.WithField("session", session.ID).Warn("checkout session with invalid ttl metadata")
			ttl = 0
		}
	}

	at, err := h.tokens.Issue(subjectID, resourceRef, ttl)
	if err != nil {
		if olerror.Tag(err) == olerror.TagStoreUnavailable {
			return err // 503, Stripe retries the delivery
		}
		h.log.WithError(err).WithField("session", session.ID).Error("could not issue grant from checkout")
		return c.NoContent(http.StatusOK)
	}

	subject, err := h.db.FindSubject(subjectID)
	if err != nil {
		h.log.WithError(err).Error("could not load subject for notification")
		return c.NoContent(http.StatusOK)
	}

	err = h.mailer.SendAccessLink(c.Request().Context(), subject.Email, h.tokens.RedemptionURL(at), at.ExpiresAt)
	if err != nil {
		h.log.WithError(err).Error("could not send access link")
	}

	return c.NoContent(http.StatusOK)
}
