package handlers

import (
	"net/http"
	"testing"

	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDashboard(t *testing.T) {
	e := newTestEnv(t)
	e.addPrinter(t, "On", true)
	e.addPrinter(t, "Off", false)
	job := e.createJob(t, "benchy.gcode")

	w := e.do(http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[DashboardResponse](t, w)

	assert.Equal(t, 2, resp.Stats.TotalPrinters)
	assert.Equal(t, 1, resp.Stats.OnlinePrinters)
	assert.Equal(t, 1, resp.Stats.DisabledPrinters)
	assert.Equal(t, 0, resp.Stats.OfflinePrinters)
	assert.Equal(t, map[string]int{"pending": 1}, resp.Stats.JobsByStatus)
	assert.Len(t, resp.Printers, 2)
	require.Len(t, resp.RecentJobs, 1)
	assert.Equal(t, job.ID, resp.RecentJobs[0].ID)
	assert.Equal(t, "benchy.gcode", resp.RecentJobs[0].Filename)
}

func TestPrinterStats(t *testing.T) {
	printers := []*db.Printer{{ID: 1, Enabled: true}, {ID: 2, Enabled: true}, {ID: 3, Enabled: true}, {ID: 4}}
	statuses := []core.PrinterStatus{
		{PrinterID: 1, Online: true, State: core.StatePrinting},
		{PrinterID: 2, Online: true, State: core.StateError},
		{PrinterID: 3, Online: false, State: core.StateUnknown},
		{PrinterID: 4, Online: false, State: core.StateUnknown},
	}

	stats := printerStats(printers, statuses)
	assert.Equal(t, 4, stats.TotalPrinters)
	assert.Equal(t, 2, stats.OnlinePrinters)
	assert.Equal(t, 1, stats.PrintingPrinters)
	assert.Equal(t, 1, stats.ErrorPrinters)
	assert.Equal(t, 1, stats.OfflinePrinters)
	assert.Equal(t, 1, stats.DisabledPrinters)
}
