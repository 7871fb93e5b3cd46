package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readyInfo = `{"result":{"state":"ready","state_message":"Printer is ready"}}`

func TestNormalizeNestedAndFlatAgree(t *testing.T) {
	nested := `{"result":{"status":{"objects":{
		"print_stats":{"state":"printing","filename":"benchy.gcode","print_duration":120,"info":{"current_layer":12,"total_layer":80}},
		"virtual_sdcard":{"progress":0.4,"is_active":true},
		"webhooks":{"state":"ready","state_message":"Printer is ready"}
	}}}}`
	flat := `{"result":{"status":{
		"print_stats":{"state":"printing","filename":"benchy.gcode","print_duration":120,"info":{"current_layer":12,"total_layer":80}},
		"virtual_sdcard":{"progress":0.4,"is_active":true},
		"webhooks":{"state":"ready","state_message":"Printer is ready"}
	}}}`

	a := Normalize([]byte(readyInfo), []byte(nested))
	b := Normalize([]byte(readyInfo), []byte(flat))
	a.CheckedAt = b.CheckedAt
	assert.Equal(t, a, b)

	assert.True(t, a.Online)
	assert.Equal(t, StatePrinting, a.State)
	assert.Equal(t, "benchy.gcode", a.Filename)
	require.NotNil(t, a.Progress)
	assert.InDelta(t, 0.4, *a.Progress, 1e-9)
	require.NotNil(t, a.CurrentLayer)
	assert.Equal(t, 12, *a.CurrentLayer)
	require.NotNil(t, a.TotalLayers)
	assert.Equal(t, 80, *a.TotalLayers)
	assert.Equal(t, "Printer is ready", a.Message)
}

func TestNormalizeStateRules(t *testing.T) {
	cases := []struct {
		name    string
		info    string
		objects string
		want    PrinterState
	}{
		{"paused", readyInfo, `{"result":{"status":{"print_stats":{"state":"paused"}}}}`, StatePaused},
		{"complete", readyInfo, `{"result":{"status":{"print_stats":{"state":"complete"}}}}`, StateCompleted},
		{"cancelled is idle", readyInfo, `{"result":{"status":{"print_stats":{"state":"cancelled"}}}}`, StateIdle},
		{"print error", readyInfo, `{"result":{"status":{"print_stats":{"state":"error"}}}}`, StateError},
		{"strange print state", readyInfo, `{"result":{"status":{"print_stats":{"state":"warming"}}}}`, StateUnknown},
		{"standby is idle", readyInfo, `{"result":{"status":{"print_stats":{"state":"standby"}}}}`, StateIdle},
		{
			"active card without print stats",
			readyInfo,
			`{"result":{"status":{"display_status":{"progress":0.5},"virtual_sdcard":{"is_active":true}}}}`,
			StatePrinting,
		},
		{
			"standby with active card is printing",
			readyInfo,
			`{"result":{"status":{"print_stats":{"state":"standby"},"virtual_sdcard":{"progress":0.3,"is_active":true}}}}`,
			StatePrinting,
		},
		{"ready from info", readyInfo, ``, StateReady},
		{"shutdown from info", `{"result":{"state":"shutdown"}}`, ``, StateError},
		{"nothing known", `{"result":{"state":"startup"}}`, `{}`, StateUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := Normalize([]byte(tc.info), []byte(tc.objects))
			assert.True(t, status.Online)
			assert.Equal(t, tc.want, status.State)
		})
	}
}

func TestNormalizeZeroDisplayProgressFallsBackToCard(t *testing.T) {
	objects := `{"result":{"status":{
		"display_status":{"progress":0},
		"virtual_sdcard":{"progress":0.4,"is_active":true}
	}}}`
	status := Normalize([]byte(readyInfo), []byte(objects))

	assert.Equal(t, StatePrinting, status.State)
	require.NotNil(t, status.Progress)
	assert.InDelta(t, 0.4, *status.Progress, 1e-9)

	idle := Normalize([]byte(readyInfo), []byte(`{"result":{"status":{"display_status":{"progress":0},"virtual_sdcard":{"progress":0}}}}`))
	require.NotNil(t, idle.Progress)
	assert.Zero(t, *idle.Progress)
}

func TestNormalizeMessagePreference(t *testing.T) {
	withMessage := Normalize([]byte(readyInfo), []byte(`{"result":{"status":{"webhooks":{"message":"MCU lost","state_message":"ignored"}}}}`))
	assert.Equal(t, "MCU lost", withMessage.Message)

	fromInfo := Normalize([]byte(readyInfo), nil)
	assert.Equal(t, "Printer is ready", fromInfo.Message)
}

func TestNormalizeToleratesGarbage(t *testing.T) {
	status := Normalize([]byte("<html>not json</html>"), []byte(`{"result":{"status":{}}}`))
	assert.False(t, status.Online)
	assert.Equal(t, StateUnknown, status.State)

	status = Normalize([]byte(readyInfo), []byte(`{"result":{"status":{"print_stats":"oops","virtual_sdcard":[1,2]}}}`))
	assert.True(t, status.Online)
	assert.Equal(t, StateReady, status.State)
	assert.Nil(t, status.Progress)

	status = Normalize([]byte(`[]`), []byte(`not json`))
	assert.True(t, status.Online)
	assert.Equal(t, StateUnknown, status.State)
}

func TestETA(t *testing.T) {
	elapsed, total, progress := 60.0, 240.0, 0.25

	withTotal := PrinterStatus{PrintDuration: &elapsed, TotalDuration: &total}
	eta, ok := withTotal.ETA()
	require.True(t, ok)
	assert.InDelta(t, 180, eta, 1e-9)

	fromProgress := PrinterStatus{PrintDuration: &elapsed, Progress: &progress}
	eta, ok = fromProgress.ETA()
	require.True(t, ok)
	assert.InDelta(t, 180, eta, 1e-9)

	zero := 0.0
	_, ok = PrinterStatus{PrintDuration: &elapsed, Progress: &zero}.ETA()
	assert.False(t, ok)

	_, ok = PrinterStatus{Progress: &progress}.ETA()
	assert.False(t, ok)

	over := 300.0
	eta, ok = PrinterStatus{PrintDuration: &over, TotalDuration: &total}.ETA()
	require.True(t, ok)
	assert.Zero(t, eta)
}

func TestNormalizeFillsETA(t *testing.T) {
	objects := `{"result":{"status":{"print_stats":{"state":"printing","print_duration":60,"total_duration":240}}}}`
	status := Normalize([]byte(readyInfo), []byte(objects))
	require.NotNil(t, status.ETASeconds)
	assert.InDelta(t, 180, *status.ETASeconds, 1e-9)
}
