package server

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/mailer"
	"github.com/oncelink/oncelink/internal/server/middlewares"
	"github.com/oncelink/oncelink/internal/token"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// A Controller is an Inversion Of Control pattern used to init the server package.
type Controller struct {
	Version  string
	Database database.Client
	Mailer   mailer.Mailer
	Logger   *logrus.Logger
	// Redemption URL params
	PublicURL string
	// Internal API params
	SigningKey []byte
	// Token params
	DefaultTokenTTL time.Duration
	MaxTokenTTL     time.Duration
	// Collaborator params
	StripeWebhookSecret string
}

// EchoEngine instantiates the wep server.
func EchoEngine(ctrl Controller) *echo.Echo {
	engine := echo.New()
	engine.Use(middleware.Recover())
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig))
	engine.Use(middleware.Gzip())
	engine.Use(middlewares.Metrics)

	// ${path} and not ${uri} so token values never reach the access log.
	engine.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${status}] ${method} ${path} (${bytes_in}) ${latency_human}\n",
	}))
	engine.Binder = middlewares.NewBinder()
	// Error handler
	engine.HTTPErrorHandler = middlewares.HTTPErrorHandler(ctrl.Logger)

	////////////
	// Router //
	////////////

	tokens := token.NewManager(
		ctrl.Database,
		ctrl.PublicURL,
		ctrl.DefaultTokenTTL,
		ctrl.MaxTokenTTL,
	)

	router := engine.Group("")
	internal := router.Group("/internal")
	internal.Use(middlewares.InternalAuth(ctrl.SigningKey))

	// generic handlers
	//
	router.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"version": ctrl.Version,
		})
	})
	router.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	//
	// redemption handler
	//
	access := &access{
		tokens: tokens,
	}
	router.GET("/access", access.Redeem)

	//
	// grant handlers (issuance, invoked by the purchase collaborator)
	//
	grant := newGrant(ctrl.Database, tokens, ctrl.Mailer, ctrl.Logger)
	internal.POST("/grants", grant.Create)
	internal.GET("/grants/:subject_id", grant.List)
	internal.POST("/subjects", grant.UpsertSubject)

	//
	// purchase-confirmation webhook
	//
	if ctrl.StripeWebhookSecret != "" {
		hook := &stripeHook{
			secret: ctrl.StripeWebhookSecret,
			db:     ctrl.Database,
			tokens: tokens,
			mailer: ctrl.Mailer,
			log:    ctrl.Logger,
		}
		router.POST("/webhooks/stripe", hook.Handle)
	}

	return engine
}

// PrintRoutes prints the Echo engin exposed routes.
func PrintRoutes(e *echo.Echo) {
	ignored := map[string]bool{
		"":   true,
		".":  true,
		"/*": true,
	}

	routes := e.Routes()
	sort.Slice(routes, func(i int, j int) bool {
		return routes[i].Path < routes[j].Path
	})

	fmt.Println("Routes:")
	for _, route := range routes {
		if ignored[route.Path] {
			continue
		}
		fmt.Printf("%6s %s\n", route.Method, route.Path)
	}
}
