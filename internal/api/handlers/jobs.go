package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/orrn/printmux/internal/storage"
	"github.com/rs/zerolog"
)

// Dispatcher accepts a dispatch request and carries it out in the background.
type Dispatcher interface {
	DispatchAsync(ctx context.Context, jobID int64, printerIDs []int64, action core.Action) error
}

type DispatchRequest struct {
	PrinterIDs []int64 `json:"printer_ids" binding:"required,min=1"`
	Action     string  `json:"action" binding:"required,dispatch_action"`
}

type RenameJobRequest struct {
	Filename string `json:"filename" binding:"required"`
}

type DeleteJobsRequest struct {
	JobIDs []int64 `json:"job_ids" binding:"required,min=1"`
}

type TargetResponse struct {
	PrinterID    int64     `json:"printer_id"`
	PrinterName  string    `json:"printer_name,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type JobResponse struct {
	ID              int64            `json:"id"`
	FileID          int64            `json:"file_id"`
	Filename        string           `json:"filename"`
	Size            int64            `json:"size"`
	FileHash        string           `json:"file_hash"`
	Status          string           `json:"status"`
	RequestedAction string           `json:"requested_action"`
	Targets         []TargetResponse `json:"targets"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ingester turns an uploaded stream into a stored file and a pending job.
// The jobs API and the slicer-compatible endpoints share it.
type ingester struct {
	store *db.Store
	files *storage.Store
}

func (in *ingester) ingest(ctx context.Context, r io.Reader, filename string, action core.Action) (*db.Job, *db.File, error) {
	name := storage.SafeName(filename)
	saved, err := in.files.Save(r, name)
	if err != nil {
		return nil, nil, err
	}

	f := &db.File{
		OriginalFilename: name,
		StoragePath:      saved.Path,
		FileHash:         saved.Hash,
		Size:             saved.Size,
	}
	j := &db.Job{
		Status:          string(core.JobPending),
		RequestedAction: string(action),
	}
	if err := in.store.Jobs.CreateJobWithFile(ctx, f, j); err != nil {
		in.files.Remove(saved.Path)
		return nil, nil, err
	}
	return j, f, nil
}

type JobHandler struct {
	*ingester
	dispatcher Dispatcher
	log        zerolog.Logger
}

func NewJobHandler(store *db.Store, files *storage.Store, dispatcher Dispatcher, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		ingester:   &ingester{store: store, files: files},
		dispatcher: dispatcher,
		log:        logger.With().Str("component", "jobs").Logger(),
	}
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/latest", h.LatestJob)
	r.POST("/jobs/delete", h.DeleteJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.PATCH("/jobs/:id", h.RenameJob)
	r.POST("/jobs/:id/dispatch", h.DispatchJob)
}

// CreateJob stores a multipart "file" upload as a new pending job. An
// optional "action" form field records the intended action.
func (h *JobHandler) CreateJob(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "A file is required",
		})
		return
	}

	action := core.ActionUpload
	if raw := c.PostForm("action"); raw != "" {
		if action, err = core.ParseAction(raw); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: err.Error(),
			})
			return
		}
	}

	src, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "upload_error",
			Message: "Failed to read uploaded file",
		})
		return
	}
	defer src.Close()

	job, _, err := h.ingest(c.Request.Context(), src, fh.Filename, action)
	if err != nil {
		h.log.Error().Err(err).Str("filename", fh.Filename).Msg("failed to store upload")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to store uploaded file",
		})
		return
	}
	h.log.Info().Int64("job_id", job.ID).Str("filename", fh.Filename).Msg("job created")

	resp, err := h.jobResponse(c.Request.Context(), job, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to load job",
		})
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	ctx := c.Request.Context()
	jobs, err := h.store.Jobs.ListJobs(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve jobs",
		})
		return
	}

	names, err := h.printerNames(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve printers",
		})
		return
	}

	responses := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp, err := h.jobResponse(ctx, j, names)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "database_error",
				Message: "Failed to load job",
			})
			return
		}
		responses = append(responses, resp)
	}
	c.JSON(http.StatusOK, responses)
}

func (h *JobHandler) LatestJob(c *gin.Context) {
	jobs, err := h.store.Jobs.ListJobs(c.Request.Context(), 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve jobs",
		})
		return
	}
	if len(jobs) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No jobs yet",
		})
		return
	}
	h.respondJob(c, jobs[0])
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	h.respondJob(c, job)
}

// DispatchJob accepts the request and answers before any device is contacted.
// Clients follow the outcome through the job's targets.
func (h *JobHandler) DispatchJob(c *gin.Context) {
	id, ok := parseID(c, "Invalid job ID")
	if !ok {
		return
	}

	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}
	action, err := core.ParseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	err = h.dispatcher.DispatchAsync(c.Request.Context(), id, req.PrinterIDs, action)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrJobNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Job not found"})
		return
	case errors.Is(err, core.ErrNoPrinters), errors.Is(err, core.ErrInvalidAction):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	case errors.Is(err, core.ErrAlreadyInFlight):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "already_in_flight", Message: err.Error()})
		return
	default:
		h.log.Error().Err(err).Int64("job_id", id).Msg("dispatch rejected")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "dispatch_error",
			Message: "Failed to start dispatch",
		})
		return
	}

	// Acceptance may already have settled the job, for example when every
	// printer is disabled.
	job, err := h.store.Jobs.GetJobByID(c.Request.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Int64("job_id", id).Msg("failed to reload dispatched job")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve job",
		})
		return
	}

	h.log.Info().
		Int64("job_id", id).
		Ints64("printer_ids", req.PrinterIDs).
		Str("action", string(action)).
		Str("status", job.Status).
		Msg("dispatch accepted")
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":      id,
		"printer_ids": req.PrinterIDs,
		"action":      action,
		"status":      job.Status,
	})
}

// RenameJob changes the display filename. The original extension is kept so
// the device still recognises the file type.
func (h *JobHandler) RenameJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	var req RenameJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	f, err := h.store.Files.GetFileByID(ctx, job.FileID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to load job file",
		})
		return
	}

	name, err := renamedFilename(f.OriginalFilename, req.Filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}
	if err := h.store.Files.RenameFile(ctx, f.ID, name); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to rename file",
		})
		return
	}
	h.respondJob(c, job)
}

// DeleteJobs removes jobs with their targets and deletes stored files no
// remaining job refers to. Jobs that are mid-dispatch are refused.
func (h *JobHandler) DeleteJobs(c *gin.Context) {
	var req DeleteJobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	for _, id := range req.JobIDs {
		j, err := h.store.Jobs.GetJobByID(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "database_error",
				Message: "Failed to load job",
			})
			return
		}
		if j.Status == string(core.JobDispatching) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "job_in_flight",
				Message: fmt.Sprintf("Job %d is still dispatching", id),
			})
			return
		}
	}

	deleted, orphaned, err := h.store.Jobs.DeleteJobs(ctx, req.JobIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to delete jobs",
		})
		return
	}

	removed := 0
	for _, f := range orphaned {
		if err := h.files.Remove(f.StoragePath); err != nil {
			h.log.Warn().Err(err).Int64("file_id", f.ID).Msg("failed to remove stored file")
			continue
		}
		removed++
	}

	c.JSON(http.StatusOK, gin.H{
		"deleted":       deleted,
		"files_removed": removed,
	})
}

func (h *JobHandler) loadJob(c *gin.Context) (*db.Job, bool) {
	id, ok := parseID(c, "Invalid job ID")
	if !ok {
		return nil, false
	}
	j, err := h.store.Jobs.GetJobByID(c.Request.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Job not found",
		})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve job",
		})
		return nil, false
	}
	return j, true
}

func (h *JobHandler) respondJob(c *gin.Context, j *db.Job) {
	ctx := c.Request.Context()
	names, err := h.printerNames(ctx)
	if err == nil {
		var resp JobResponse
		if resp, err = h.jobResponse(ctx, j, names); err == nil {
			c.JSON(http.StatusOK, resp)
			return
		}
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "database_error",
		Message: "Failed to load job",
	})
}

// jobResponse reloads the job so status and targets reflect the latest write.
func (h *JobHandler) jobResponse(ctx context.Context, j *db.Job, printerNames map[int64]string) (JobResponse, error) {
	fresh, err := h.store.Jobs.GetJobByID(ctx, j.ID)
	if err != nil {
		return JobResponse{}, err
	}
	f, err := h.store.Files.GetFileByID(ctx, fresh.FileID)
	if err != nil {
		return JobResponse{}, err
	}
	targets, err := h.store.Targets.ListTargets(ctx, fresh.ID)
	if err != nil {
		return JobResponse{}, err
	}

	resp := JobResponse{
		ID:              fresh.ID,
		FileID:          f.ID,
		Filename:        f.OriginalFilename,
		Size:            f.Size,
		FileHash:        f.FileHash,
		Status:          fresh.Status,
		RequestedAction: fresh.RequestedAction,
		Targets:         make([]TargetResponse, 0, len(targets)),
		CreatedAt:       fresh.CreatedAt,
		UpdatedAt:       fresh.UpdatedAt,
	}
	for _, t := range targets {
		resp.Targets = append(resp.Targets, TargetResponse{
			PrinterID:    t.PrinterID,
			PrinterName:  printerNames[t.PrinterID],
			Status:       t.Status,
			ErrorMessage: t.ErrorMessage,
			UpdatedAt:    t.UpdatedAt,
		})
	}
	return resp, nil
}

func (h *JobHandler) printerNames(ctx context.Context) (map[int64]string, error) {
	printers, err := h.store.Printers.ListPrinters(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(printers))
	for _, p := range printers {
		names[p.ID] = p.Name
	}
	return names, nil
}

// renamedFilename applies a new display name while keeping the extension of
// the current one.
func renamedFilename(current, requested string) (string, error) {
	base := strings.TrimSpace(storage.SafeName(requested))
	if strings.TrimSpace(requested) == "" {
		return "", errors.New("filename must not be empty")
	}
	ext := filepath.Ext(current)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		return "", errors.New("filename must not be empty")
	}
	return stem + ext, nil
}

func parseID(c *gin.Context, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: message,
		})
		return 0, false
	}
	return id, true
}
