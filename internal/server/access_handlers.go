package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oncelink/oncelink/internal/metrics"
	"github.com/oncelink/oncelink/internal/olerror"
	"github.com/oncelink/oncelink/internal/token"
)

// access contains the public redemption handler.
type access struct {
	tokens token.Manager
}

// Redeem exchanges a single-use token for its protected resource.
// On success the caller is redirected to the resource; every rejection is
// rendered with its taxonomy tag so the client can display an accurate
// message.
func (h *access) Redeem(c echo.Context) error {
	tokenValue := c.QueryParam("token")
	subjectID := c.QueryParam("userId")

	if tokenValue == "" || subjectID == "" {
		return c.JSON(http.StatusBadRequest, olerror.InvalidParams("Please provide the token and userId parameters."))
	}

	resource, err := h.tokens.Redeem(tokenValue, subjectID)
	if err != nil {
		if tag := olerror.Tag(err); tag != "" {
			metrics.RedemptionsTotal.WithLabelValues(tag).Inc()
		}
		return err
	}

	metrics.RedemptionsTotal.WithLabelValues("ok").Inc()
	return c.Redirect(http.StatusSeeOther, resource)
}
