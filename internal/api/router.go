// Package api assembles the HTTP surface: the authenticated /api routes and
// the slicer-compatible routes at the root.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orrn/printmux/internal/api/handlers"
	"github.com/orrn/printmux/internal/api/middleware"
	"github.com/orrn/printmux/internal/config"
	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/orrn/printmux/internal/retention"
	"github.com/orrn/printmux/internal/storage"
	"github.com/rs/zerolog"
)

type Deps struct {
	Config     *config.Config
	Store      *db.Store
	Files      *storage.Store
	Auth       *middleware.Auth
	Dispatcher handlers.Dispatcher
	Fleet      *core.Fleet
	Poller     *core.Poller
	Pool       *core.ClientPool
	Pruner     *retention.Pruner
	Webhooks   handlers.WebhookTester
	Logger     zerolog.Logger
}

func NewRouter(d Deps) (*gin.Engine, error) {
	if err := handlers.RegisterValidators(); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	r := gin.New()
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		d.Logger.Error().
			Str("panic", fmt.Sprint(recovered)).
			Str("path", c.Request.URL.Path).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error:   "internal_error",
			Message: "Internal server error",
		})
	}))
	r.Use(middleware.CORS(d.Config.Server.CORSOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/api/auth/token", d.Auth.TokenHandler)

	compat := handlers.NewCompatHandler(d.Store, d.Files, d.Logger)

	api := r.Group("/api", d.Auth.RequireAuth())
	handlers.NewPrinterHandler(d.Store, d.Fleet, d.Poller, d.Pool, d.Logger).RegisterRoutes(api)
	handlers.NewJobHandler(d.Store, d.Files, d.Dispatcher, d.Logger).RegisterRoutes(api)
	handlers.NewWebhookHandler(d.Store, d.Webhooks).RegisterRoutes(api)
	handlers.NewSettingsHandler(d.Config, d.Files, d.Pruner, d.Auth, d.Logger).RegisterRoutes(api)
	handlers.NewDashboardHandler(d.Store, d.Fleet, d.Poller).RegisterRoutes(api)
	compat.RegisterOctoPrintRoutes(api)

	compat.RegisterMoonrakerRoutes(r.Group("/", d.Auth.OptionalAPIKey()))

	return r, nil
}
