package middlewares

import (
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// InternalAuth guards the internal API. The collaborator confirming purchase
// eligibility authenticates with an HS256 JWT signed with the shared key.
func InternalAuth(signingKey []byte) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey: signingKey,
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusUnauthorized, echo.Map{
				"error": echo.Map{
					"tag":     "invalid-auth",
					"message": "Invalid credentials.",
				},
			})
		},
	})
}
