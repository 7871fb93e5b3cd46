package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
)

const dashboardRecentJobs = 10

type DashboardStats struct {
	TotalPrinters    int            `json:"total_printers"`
	OnlinePrinters   int            `json:"online_printers"`
	OfflinePrinters  int            `json:"offline_printers"`
	PrintingPrinters int            `json:"printing_printers"`
	PausedPrinters   int            `json:"paused_printers"`
	ErrorPrinters    int            `json:"error_printers"`
	DisabledPrinters int            `json:"disabled_printers"`
	JobsByStatus     map[string]int `json:"jobs_by_status"`
}

type JobSummary struct {
	ID              int64     `json:"id"`
	Filename        string    `json:"filename"`
	Status          string    `json:"status"`
	RequestedAction string    `json:"requested_action"`
	CreatedAt       time.Time `json:"created_at"`
}

type DashboardResponse struct {
	Stats      DashboardStats       `json:"stats"`
	Printers   []core.PrinterStatus `json:"printers"`
	RecentJobs []JobSummary         `json:"recent_jobs"`
}

// DashboardHandler summarises the fleet and recent jobs in one call.
type DashboardHandler struct {
	store  *db.Store
	fleet  *core.Fleet
	poller *core.Poller
}

func NewDashboardHandler(store *db.Store, fleet *core.Fleet, poller *core.Poller) *DashboardHandler {
	return &DashboardHandler{store: store, fleet: fleet, poller: poller}
}

func (h *DashboardHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard", h.Dashboard)
}

func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	var statuses []core.PrinterStatus
	if h.poller != nil {
		statuses = h.poller.Snapshot()
	}
	if len(statuses) == 0 {
		var err error
		if statuses, err = h.fleet.QueryAll(ctx); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "database_error",
				Message: "Failed to retrieve printers",
			})
			return
		}
	}

	printers, err := h.store.Printers.ListPrinters(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve printers",
		})
		return
	}
	counts, err := h.store.Jobs.CountJobsByStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to count jobs",
		})
		return
	}

	stats := printerStats(printers, statuses)
	stats.JobsByStatus = counts

	recent, err := h.recentJobs(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve jobs",
		})
		return
	}

	if statuses == nil {
		statuses = []core.PrinterStatus{}
	}
	c.JSON(http.StatusOK, DashboardResponse{
		Stats:      stats,
		Printers:   statuses,
		RecentJobs: recent,
	})
}

func printerStats(printers []*db.Printer, statuses []core.PrinterStatus) DashboardStats {
	stats := DashboardStats{TotalPrinters: len(printers)}
	disabled := make(map[int64]bool)
	for _, p := range printers {
		if !p.Enabled {
			disabled[p.ID] = true
			stats.DisabledPrinters++
		}
	}

	for _, s := range statuses {
		if disabled[s.PrinterID] {
			continue
		}
		if !s.Online {
			stats.OfflinePrinters++
			continue
		}
		stats.OnlinePrinters++
		switch s.State {
		case core.StatePrinting:
			stats.PrintingPrinters++
		case core.StatePaused:
			stats.PausedPrinters++
		case core.StateError:
			stats.ErrorPrinters++
		}
	}
	return stats
}

func (h *DashboardHandler) recentJobs(c *gin.Context) ([]JobSummary, error) {
	ctx := c.Request.Context()
	jobs, err := h.store.Jobs.ListJobs(ctx, dashboardRecentJobs)
	if err != nil {
		return nil, err
	}

	summaries := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		summary := JobSummary{
			ID:              j.ID,
			Status:          j.Status,
			RequestedAction: j.RequestedAction,
			CreatedAt:       j.CreatedAt,
		}
		if f, err := h.store.Files.GetFileByID(ctx, j.FileID); err == nil {
			summary.Filename = f.OriginalFilename
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
