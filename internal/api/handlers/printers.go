package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/orrn/printmux/internal/moonraker"
	"github.com/rs/zerolog"
)

const deviceCallTimeout = 15 * time.Second

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type CreatePrinterRequest struct {
	Name    string   `json:"name" binding:"required"`
	BaseURL string   `json:"base_url" binding:"required,http_url"`
	APIKey  string   `json:"api_key"`
	Enabled *bool    `json:"enabled"`
	Tags    []string `json:"tags"`
}

type UpdatePrinterRequest struct {
	Name    *string  `json:"name"`
	BaseURL *string  `json:"base_url" binding:"omitempty,http_url"`
	APIKey  *string  `json:"api_key"`
	Enabled *bool    `json:"enabled"`
	Tags    []string `json:"tags"`
}

type PrinterResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	HasAPIKey bool      `json:"has_api_key"`
	Enabled   bool      `json:"enabled"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RawStatusResponse struct {
	Info         json.RawMessage `json:"info,omitempty"`
	InfoError    string          `json:"info_error,omitempty"`
	Objects      json.RawMessage `json:"objects,omitempty"`
	ObjectsError string          `json:"objects_error,omitempty"`
	List         json.RawMessage `json:"objects_list,omitempty"`
	ListError    string          `json:"objects_list_error,omitempty"`
	Server       json.RawMessage `json:"server_info,omitempty"`
	ServerError  string          `json:"server_info_error,omitempty"`
}

type TestConnectionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	State   string `json:"state,omitempty"`
}

type DeletePathRequest struct {
	Path       string `json:"path" binding:"required"`
	TargetType string `json:"target_type" binding:"omitempty,oneof=file directory"`
	Force      bool   `json:"force"`
}

type MovePathRequest struct {
	Source string `json:"source" binding:"required"`
	Dest   string `json:"dest" binding:"required"`
}

type PrintFileRequest struct {
	Filename string `json:"filename" binding:"required"`
}

type PrinterHandler struct {
	store  *db.Store
	fleet  *core.Fleet
	poller *core.Poller
	pool   *core.ClientPool
	log    zerolog.Logger
}

func NewPrinterHandler(store *db.Store, fleet *core.Fleet, poller *core.Poller, pool *core.ClientPool, logger zerolog.Logger) *PrinterHandler {
	return &PrinterHandler{
		store:  store,
		fleet:  fleet,
		poller: poller,
		pool:   pool,
		log:    logger.With().Str("component", "printers").Logger(),
	}
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.POST("/printers", h.CreatePrinter)
	r.GET("/printers/status", h.FleetStatus)
	r.GET("/printers/status/stream", h.StreamStatus)
	r.GET("/printers/:id", h.GetPrinter)
	r.PUT("/printers/:id", h.UpdatePrinter)
	r.DELETE("/printers/:id", h.DeletePrinter)
	r.GET("/printers/:id/status", h.PrinterStatus)
	r.GET("/printers/:id/status/raw", h.RawStatus)
	r.POST("/printers/:id/test", h.TestConnection)
	r.GET("/printers/:id/files", h.ListFiles)
	r.POST("/printers/:id/files/print", h.PrintFile)
	r.GET("/printers/:id/fs", h.ListDirectory)
	r.GET("/printers/:id/fs/raw", h.RawDirectory)
	r.DELETE("/printers/:id/fs", h.DeletePath)
	r.POST("/printers/:id/fs/move", h.MovePath)
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	printers, err := h.store.Printers.ListPrinters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve printers",
		})
		return
	}

	responses := make([]PrinterResponse, 0, len(printers))
	for _, p := range printers {
		responses = append(responses, printerToResponse(p))
	}
	c.JSON(http.StatusOK, responses)
}

func (h *PrinterHandler) CreatePrinter(c *gin.Context) {
	var req CreatePrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	p := &db.Printer{
		Name:    strings.TrimSpace(req.Name),
		BaseURL: strings.TrimRight(strings.TrimSpace(req.BaseURL), "/"),
		APIKey:  req.APIKey,
		Enabled: req.Enabled == nil || *req.Enabled,
		Tags:    joinTags(req.Tags),
	}
	if err := h.store.Printers.CreatePrinter(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to create printer",
		})
		return
	}

	created, err := h.store.Printers.GetPrinterByID(c.Request.Context(), p.ID)
	if err != nil {
		created = p
	}
	h.log.Info().Int64("printer_id", p.ID).Str("name", p.Name).Msg("printer created")
	c.JSON(http.StatusCreated, printerToResponse(created))
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	p, ok := h.loadPrinter(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, printerToResponse(p))
}

func (h *PrinterHandler) UpdatePrinter(c *gin.Context) {
	p, ok := h.loadPrinter(c)
	if !ok {
		return
	}

	var req UpdatePrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.BaseURL != nil && *req.BaseURL != "" {
		p.BaseURL = strings.TrimRight(strings.TrimSpace(*req.BaseURL), "/")
	}
	if req.APIKey != nil {
		p.APIKey = *req.APIKey
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.Tags != nil {
		p.Tags = joinTags(req.Tags)
	}

	if err := h.store.Printers.UpdatePrinter(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to update printer",
		})
		return
	}

	updated, err := h.store.Printers.GetPrinterByID(c.Request.Context(), p.ID)
	if err != nil {
		updated = p
	}
	c.JSON(http.StatusOK, printerToResponse(updated))
}

func (h *PrinterHandler) DeletePrinter(c *gin.Context) {
	p, ok := h.loadPrinter(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	used, err := h.store.Printers.HasTargets(ctx, p.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to check printer history",
		})
		return
	}
	if used {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "printer_in_use",
			Message: "Printer has job history; disable it instead",
		})
		return
	}

	if err := h.store.Printers.DeletePrinter(ctx, p.ID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to delete printer",
		})
		return
	}
	h.pool.Forget(p.ID)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Printer deleted",
	})
}

// FleetStatus returns the poller's snapshot, or queries every printer live
// when asked to or when no poll has completed yet.
func (h *PrinterHandler) FleetStatus(c *gin.Context) {
	if h.poller != nil && c.Query("live") != "true" {
		if snapshot := h.poller.Snapshot(); len(snapshot) > 0 {
			c.JSON(http.StatusOK, snapshot)
			return
		}
	}

	statuses, err := h.fleet.QueryAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve printers",
		})
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (h *PrinterHandler) PrinterStatus(c *gin.Context) {
	p, ok := h.loadPrinter(c)
	if !ok {
		return
	}
	printer := corePrinter(p)
	if !printer.Enabled {
		c.JSON(http.StatusOK, core.OfflineStatus(printer, "no status"))
		return
	}
	c.JSON(http.StatusOK, h.fleet.Query(c.Request.Context(), printer))
}

func (h *PrinterHandler) RawStatus(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceCallTimeout)
	defer cancel()

	var resp RawStatusResponse
	resp.Info, resp.InfoError = rawOrError(client.PrinterInfo(ctx))
	resp.Objects, resp.ObjectsError = rawOrError(client.QueryObjects(ctx, moonraker.StatusObjects...))
	resp.List, resp.ListError = rawOrError(client.ListObjects(ctx))
	resp.Server, resp.ServerError = rawOrError(client.ServerInfo(ctx))
	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) TestConnection(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceCallTimeout)
	defer cancel()

	info, err := client.PrinterInfo(ctx)
	if err != nil {
		c.JSON(http.StatusOK, TestConnectionResponse{Success: false, Message: err.Error()})
		return
	}
	status := core.Normalize(info, nil)
	c.JSON(http.StatusOK, TestConnectionResponse{
		Success: true,
		Message: "Connection successful",
		State:   string(status.State),
	})
}

func (h *PrinterHandler) ListFiles(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceCallTimeout)
	defer cancel()

	files, err := client.ListFiles(ctx, c.DefaultQuery("root", moonraker.DefaultRoot))
	if err != nil {
		deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

func (h *PrinterHandler) PrintFile(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	var req PrintFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceCallTimeout)
	defer cancel()
	if err := client.StartPrint(ctx, req.Filename); err != nil {
		deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "filename": req.Filename})
}

func (h *PrinterHandler) ListDirectory(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	path := c.DefaultQuery("path", moonraker.DefaultRoot)
	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceCallTimeout)
	defer cancel()

	result, err := client.GetDirectory(ctx, path, true)
	if err != nil {
		deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":    path,
		"entries": moonraker.NormalizeDirectory(path, result),
	})
}

func (h *PrinterHandler) RawDirectory(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceCallTimeout)
	defer cancel()

	result, err := client.GetDirectory(ctx, c.DefaultQuery("path", moonraker.DefaultRoot), true)
	if err != nil {
		deviceError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

func (h *PrinterHandler) DeletePath(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	var req DeletePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceCallTimeout)
	defer cancel()

	var err error
	if req.TargetType == "directory" {
		err = client.DeleteDirectory(ctx, req.Path, req.Force)
	} else {
		root, name := moonraker.SplitRootPath(req.Path)
		err = client.DeleteFile(ctx, root, name)
	}
	if err != nil {
		deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": req.Path})
}

func (h *PrinterHandler) MovePath(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	var req MovePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceCallTimeout)
	defer cancel()
	if err := client.MovePath(ctx, req.Source, req.Dest); err != nil {
		deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "source": req.Source, "dest": req.Dest})
}

func (h *PrinterHandler) loadPrinter(c *gin.Context) (*db.Printer, bool) {
	id, ok := parseID(c, "Invalid printer ID")
	if !ok {
		return nil, false
	}

	p, err := h.store.Printers.GetPrinterByID(c.Request.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Printer not found",
		})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve printer",
		})
		return nil, false
	}
	return p, true
}

func (h *PrinterHandler) client(c *gin.Context) (*moonraker.Client, bool) {
	p, ok := h.loadPrinter(c)
	if !ok {
		return nil, false
	}
	if !p.Enabled {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "printer_disabled",
			Message: "Printer is disabled",
		})
		return nil, false
	}
	return h.pool.Client(corePrinter(p)), true
}

// deviceError maps a failed device call to a gateway status carrying the
// device's own reason.
func deviceError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	code := "device_error"
	switch moonraker.KindOf(err) {
	case moonraker.KindTimeout:
		status = http.StatusGatewayTimeout
		code = "device_timeout"
	case moonraker.KindUnreachable:
		code = "device_unreachable"
	case moonraker.KindRejected:
		code = "device_rejected"
	case moonraker.KindMalformed:
		code = "device_malformed_response"
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func rawOrError(body []byte, err error) (json.RawMessage, string) {
	if err != nil {
		return nil, err.Error()
	}
	if len(body) == 0 {
		return nil, ""
	}
	return json.RawMessage(body), ""
}

func corePrinter(p *db.Printer) *core.Printer {
	return &core.Printer{
		ID:      p.ID,
		Name:    p.Name,
		BaseURL: p.BaseURL,
		APIKey:  p.APIKey,
		Enabled: p.Enabled,
		Tags:    core.SplitTags(p.Tags),
	}
}

func printerToResponse(p *db.Printer) PrinterResponse {
	tags := core.SplitTags(p.Tags)
	if tags == nil {
		tags = []string{}
	}
	return PrinterResponse{
		ID:        p.ID,
		Name:      p.Name,
		BaseURL:   p.BaseURL,
		HasAPIKey: p.APIKey != "",
		Enabled:   p.Enabled,
		Tags:      tags,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func joinTags(tags []string) string {
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	return strings.Join(clean, ",")
}
