package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orrn/printmux/internal/config"
	"github.com/orrn/printmux/internal/retention"
	"github.com/orrn/printmux/internal/storage"
	"github.com/rs/zerolog"
)

// KeyRotator replaces the API key and returns the new one.
type KeyRotator interface {
	Rotate(ctx context.Context) (string, error)
}

type SettingsHandler struct {
	config  *config.Config
	files   *storage.Store
	pruner  *retention.Pruner
	rotator KeyRotator
	log     zerolog.Logger
}

type ServerConfigResponse struct {
	Port              int     `json:"port"`
	DatabasePath      string  `json:"database_path"`
	StorageDir        string  `json:"storage_dir"`
	StatusTimeout     string  `json:"status_timeout"`
	UploadTimeout     string  `json:"upload_timeout"`
	PrintTimeout      string  `json:"print_timeout"`
	PollInterval      string  `json:"poll_interval"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	WebhookRetryCount int     `json:"webhook_retry_count"`
	WebhookWorkers    int     `json:"webhook_workers"`
	LogLevel          string  `json:"log_level"`
	LogFormat         string  `json:"log_format"`
}

type SettingsResponse struct {
	Server       ServerConfigResponse `json:"server"`
	Retention    retention.Policy     `json:"retention"`
	StoredFiles  int                  `json:"stored_files"`
	StorageBytes int64                `json:"storage_bytes"`
}

type UpdateRetentionRequest struct {
	RetentionDays    int  `json:"retention_days" binding:"min=0"`
	RetentionEnabled bool `json:"retention_enabled"`
}

func NewSettingsHandler(cfg *config.Config, files *storage.Store, pruner *retention.Pruner, rotator KeyRotator, logger zerolog.Logger) *SettingsHandler {
	return &SettingsHandler{
		config:  cfg,
		files:   files,
		pruner:  pruner,
		rotator: rotator,
		log:     logger.With().Str("component", "settings").Logger(),
	}
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
	r.PUT("/settings/retention", h.UpdateRetention)
	r.POST("/settings/retention/run", h.RunRetention)
	r.POST("/settings/api-key/rotate", h.RotateAPIKey)
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	policy, err := h.pruner.Policy(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve settings",
		})
		return
	}

	count, size, err := h.files.Usage()
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to measure storage")
	}

	c.JSON(http.StatusOK, SettingsResponse{
		Server:       h.serverConfig(),
		Retention:    policy,
		StoredFiles:  count,
		StorageBytes: size,
	})
}

func (h *SettingsHandler) serverConfig() ServerConfigResponse {
	cfg := h.config
	return ServerConfigResponse{
		Port:              cfg.Server.Port,
		DatabasePath:      cfg.Database.Path,
		StorageDir:        h.files.Dir(),
		StatusTimeout:     cfg.Printers.StatusTimeout.String(),
		UploadTimeout:     cfg.Printers.UploadTimeout.String(),
		PrintTimeout:      cfg.Printers.PrintTimeout.String(),
		PollInterval:      cfg.Printers.PollInterval.String(),
		RequestsPerSecond: cfg.Printers.RequestsPerSecond,
		WebhookRetryCount: cfg.Webhooks.RetryCount,
		WebhookWorkers:    cfg.Webhooks.WorkerCount,
		LogLevel:          cfg.Logging.Level,
		LogFormat:         cfg.Logging.Format,
	}
}

func (h *SettingsHandler) UpdateRetention(c *gin.Context) {
	var req UpdateRetentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	days := req.RetentionDays
	if days <= 0 {
		days = h.config.Database.RetentionDays
	}
	policy := retention.Policy{Days: days, Enabled: req.RetentionEnabled}
	if err := h.pruner.SetPolicy(c.Request.Context(), policy); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to update retention settings",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Retention settings updated",
		"retention": policy,
	})
}

func (h *SettingsHandler) RunRetention(c *gin.Context) {
	result, err := h.pruner.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "retention_error",
			Message: "Failed to prune jobs",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RotateAPIKey returns the new key once. It is not retrievable afterwards.
func (h *SettingsHandler) RotateAPIKey(c *gin.Context) {
	key, err := h.rotator.Rotate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "rotation_error",
			Message: "Failed to rotate API key",
		})
		return
	}
	h.log.Info().Msg("api key rotated")
	c.JSON(http.StatusOK, gin.H{
		"api_key": key,
		"message": "Store this key now; it will not be shown again",
	})
}
