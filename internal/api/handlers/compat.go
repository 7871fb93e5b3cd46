package handlers

import (
	"database/sql"
	"errors"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/orrn/printmux/internal/moonraker"
	"github.com/orrn/printmux/internal/storage"
	"github.com/rs/zerolog"
)

const compatVersion = "v0.8.0-virtual"

var truthy = map[string]bool{"true": true, "True": true, "1": true, "yes": true, "Yes": true}

// CompatHandler lets slicers that only know how to talk to a single Moonraker
// or OctoPrint host upload into printmux. Uploads become pending jobs; nothing
// is sent to a printer until a dispatch is requested.
type CompatHandler struct {
	*ingester
	log zerolog.Logger
}

type compatFileItem struct {
	Path        string  `json:"path"`
	Root        string  `json:"root"`
	Size        int64   `json:"size"`
	Modified    float64 `json:"modified"`
	Permissions string  `json:"permissions"`
}

func NewCompatHandler(store *db.Store, files *storage.Store, logger zerolog.Logger) *CompatHandler {
	return &CompatHandler{
		ingester: &ingester{store: store, files: files},
		log:      logger.With().Str("component", "compat").Logger(),
	}
}

// RegisterMoonrakerRoutes mounts the Moonraker subset at the group's root.
func (h *CompatHandler) RegisterMoonrakerRoutes(r *gin.RouterGroup) {
	r.GET("/server/info", h.ServerInfo)
	r.GET("/printer/info", h.PrinterInfo)
	r.GET("/printer/objects/list", h.ObjectsList)
	r.GET("/printer/objects/query", h.ObjectsQuery)
	r.GET("/server/files/roots", h.FileRoots)
	r.GET("/server/files/list", h.FileList)
	r.POST("/server/files/upload", h.Upload)
	r.POST("/printer/print/start", h.PrintStart)
}

// RegisterOctoPrintRoutes mounts the OctoPrint subset on an /api group.
func (h *CompatHandler) RegisterOctoPrintRoutes(r *gin.RouterGroup) {
	r.GET("/version", h.OctoVersion)
	r.GET("/server", h.OctoServer)
	r.GET("/connection", h.OctoConnection)
	r.GET("/job", h.OctoJob)
	r.GET("/files", h.OctoFiles)
	r.POST("/files/local", h.OctoUpload)
}

func moonrakerError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": status, "message": message}})
}

func (h *CompatHandler) ServerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"result": gin.H{
		"klippy_connected":       true,
		"klippy_state":           "ready",
		"components":             []string{"file_manager"},
		"failed_components":      []string{},
		"registered_directories": []string{moonraker.DefaultRoot},
		"warnings":               []string{},
		"websocket_count":        0,
		"moonraker_version":      compatVersion,
		"api_version":            []int{1, 0, 0},
		"api_version_string":     "1.0.0",
	}})
}

func (h *CompatHandler) PrinterInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"result": gin.H{
		"state":         "ready",
		"state_message": "Printer is ready",
	}})
}

func (h *CompatHandler) ObjectsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"result": gin.H{
		"objects": []string{"webhooks", "print_stats", "virtual_sdcard"},
	}})
}

func (h *CompatHandler) ObjectsQuery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"result": gin.H{
		"status": gin.H{
			"webhooks":       gin.H{"state": "ready", "message": "Printer is ready"},
			"print_stats":    gin.H{"state": "standby", "message": ""},
			"virtual_sdcard": gin.H{"progress": 0.0, "file_path": nil},
		},
	}})
}

func (h *CompatHandler) FileRoots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"result": gin.H{
		moonraker.DefaultRoot: gin.H{
			"name":        moonraker.DefaultRoot,
			"path":        "",
			"permissions": "rw",
		},
	}})
}

// FileList reports stored files, newest first, as if they sat in gcodes.
func (h *CompatHandler) FileList(c *gin.Context) {
	if c.DefaultQuery("root", moonraker.DefaultRoot) != moonraker.DefaultRoot {
		c.JSON(http.StatusOK, gin.H{"result": []compatFileItem{}})
		return
	}

	files, err := h.store.Files.ListFiles(c.Request.Context())
	if err != nil {
		moonrakerError(c, http.StatusInternalServerError, "Failed to list files")
		return
	}
	items := make([]compatFileItem, 0, len(files))
	for _, f := range files {
		items = append(items, fileItem(f))
	}
	c.JSON(http.StatusOK, gin.H{"result": items})
}

func (h *CompatHandler) Upload(c *gin.Context) {
	if c.DefaultPostForm("root", moonraker.DefaultRoot) != moonraker.DefaultRoot {
		moonrakerError(c, http.StatusBadRequest, "Invalid root")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		moonrakerError(c, http.StatusBadRequest, "No file in request")
		return
	}

	name := c.PostForm("path")
	if name == "" {
		name = fh.Filename
	}
	action := core.ActionUpload
	if truthy[c.PostForm("print_start")] || truthy[c.PostForm("print")] {
		action = core.ActionPrint
	}

	f, ok := h.saveUpload(c, fh, name, action)
	if !ok {
		moonrakerError(c, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"result": gin.H{
		"item":          fileItem(f),
		"action":        "create_file",
		"print_started": action == core.ActionPrint,
		"print_queued":  false,
	}})
}

// PrintStart records a new print job for the newest stored file of that name.
func (h *CompatHandler) PrintStart(c *gin.Context) {
	name := c.PostForm("filename")
	if name == "" {
		name = c.Query("filename")
	}
	if name == "" {
		moonrakerError(c, http.StatusBadRequest, "Missing filename")
		return
	}

	ctx := c.Request.Context()
	f, err := h.store.Files.GetLatestFileByName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		moonrakerError(c, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		moonrakerError(c, http.StatusInternalServerError, "Failed to look up file")
		return
	}

	j := &db.Job{FileID: f.ID, Status: string(core.JobPending), RequestedAction: string(core.ActionPrint)}
	if err := h.store.Jobs.CreateJob(ctx, j); err != nil {
		moonrakerError(c, http.StatusInternalServerError, "Failed to create job")
		return
	}
	h.log.Info().Int64("job_id", j.ID).Str("filename", name).Msg("print requested by slicer")
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

func (h *CompatHandler) OctoVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"api": "0.1", "server": "1.10.0", "text": "OctoPrint"})
}

func (h *CompatHandler) OctoServer(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"server": "OctoPrint", "safe_mode": false, "state": "operational"})
}

func (h *CompatHandler) OctoConnection(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current": gin.H{"state": "Operational", "port": "virtual", "baudrate": 115200},
		"options": gin.H{"ports": []string{"virtual"}, "baudrates": []int{115200}},
	})
}

func (h *CompatHandler) OctoJob(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": "Operational", "job": nil, "progress": nil})
}

func (h *CompatHandler) OctoFiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"files": []any{}, "free": 0, "total": 0})
}

func (h *CompatHandler) OctoUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "A file is required",
		})
		return
	}
	action := core.ActionUpload
	if truthy[c.PostForm("print")] {
		action = core.ActionPrint
	}

	f, ok := h.saveUpload(c, fh, fh.Filename, action)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to store uploaded file",
		})
		return
	}

	name := f.OriginalFilename
	c.JSON(http.StatusOK, gin.H{
		"done": true,
		"files": gin.H{"local": gin.H{
			"name":   name,
			"origin": "local",
			"path":   name,
			"refs": gin.H{
				"resource": "/api/files/local/" + name,
				"download": "/downloads/files/local/" + name,
			},
			"size": f.Size,
		}},
	})
}

// saveUpload ingests a multipart file and returns the persisted file record.
func (h *CompatHandler) saveUpload(c *gin.Context, fh *multipart.FileHeader, name string, action core.Action) (*db.File, bool) {
	src, err := fh.Open()
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to open upload")
		return nil, false
	}
	defer src.Close()

	ctx := c.Request.Context()
	job, f, err := h.ingest(ctx, src, name, action)
	if err != nil {
		h.log.Error().Err(err).Str("filename", name).Msg("failed to store upload")
		return nil, false
	}
	if stored, err := h.store.Files.GetFileByID(ctx, f.ID); err == nil {
		f = stored
	}
	h.log.Info().
		Int64("job_id", job.ID).
		Str("filename", f.OriginalFilename).
		Str("action", string(action)).
		Msg("slicer upload received")
	return f, true
}

func fileItem(f *db.File) compatFileItem {
	modified := f.UploadedAt
	if modified.IsZero() {
		modified = time.Now()
	}
	return compatFileItem{
		Path:        f.OriginalFilename,
		Root:        moonraker.DefaultRoot,
		Size:        f.Size,
		Modified:    float64(modified.UnixNano()) / float64(time.Second),
		Permissions: "rw",
	}
}
