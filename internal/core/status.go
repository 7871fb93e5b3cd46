package core

import (
	"time"

	"github.com/tidwall/gjson"
)

type PrinterState string

const (
	StateIdle      PrinterState = "idle"
	StateReady     PrinterState = "ready"
	StatePrinting  PrinterState = "printing"
	StatePaused    PrinterState = "paused"
	StateError     PrinterState = "error"
	StateCompleted PrinterState = "completed"
	StateUnknown   PrinterState = "unknown"
)

type WebUI struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type PrinterStatus struct {
	PrinterID     int64        `json:"id"`
	Name          string       `json:"name,omitempty"`
	Online        bool         `json:"online"`
	State         PrinterState `json:"state"`
	Message       string       `json:"state_message,omitempty"`
	Filename      string       `json:"filename,omitempty"`
	Progress      *float64     `json:"progress,omitempty"`
	PrintDuration *float64     `json:"print_duration,omitempty"`
	TotalDuration *float64     `json:"total_duration,omitempty"`
	CurrentLayer  *int         `json:"current_layer,omitempty"`
	TotalLayers   *int         `json:"total_layers,omitempty"`
	ETASeconds    *float64     `json:"eta_seconds,omitempty"`
	WebUIs        []WebUI      `json:"web_uis"`
	CheckedAt     time.Time    `json:"checked_at"`
}

// ETA estimates the seconds left in the current print. It prefers
// total minus elapsed and falls back to elapsed scaled by the remaining
// progress; it reports false unless one of them has all its inputs.
func (s PrinterStatus) ETA() (float64, bool) {
	if s.PrintDuration == nil {
		return 0, false
	}
	elapsed := *s.PrintDuration

	if s.TotalDuration != nil {
		return clampZero(*s.TotalDuration - elapsed), true
	}
	if s.Progress != nil && *s.Progress > 0 {
		return clampZero(elapsed * (1 / *s.Progress - 1)), true
	}
	return 0, false
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// OfflineStatus is what a printer that could not be queried reports.
func OfflineStatus(p *Printer, message string) PrinterStatus {
	return PrinterStatus{
		PrinterID: p.ID,
		Name:      p.Name,
		Online:    false,
		State:     StateUnknown,
		Message:   message,
		WebUIs:    []WebUI{},
		CheckedAt: time.Now(),
	}
}

// signals holds the optional fields a status payload may carry, already
// pulled out of whichever wrapper the firmware used.
type signals struct {
	printState  string
	hasProgress bool
	progress    float64
	sdActive    bool
	infoState   string
}

// stateRule is one step of state inference. Rules run in order and the first
// that reports ok wins.
type stateRule func(s signals) (PrinterState, bool)

var stateRules = []stateRule{
	stateFromPrintStats,
	stateFromActiveStorage,
	stateFromStandby,
	stateFromPrinterInfo,
}

var printStatsStates = map[string]PrinterState{
	"printing":  StatePrinting,
	"paused":    StatePaused,
	"complete":  StateCompleted,
	"completed": StateCompleted,
	"cancelled": StateIdle,
	"error":     StateError,
}

var infoStates = map[string]PrinterState{
	"ready":    StateReady,
	"error":    StateError,
	"shutdown": StateError,
}

func stateFromPrintStats(s signals) (PrinterState, bool) {
	if s.printState == "" || s.printState == "standby" {
		return "", false
	}
	if state, ok := printStatsStates[s.printState]; ok {
		return state, true
	}
	return StateUnknown, true
}

func stateFromActiveStorage(s signals) (PrinterState, bool) {
	if s.hasProgress && s.progress > 0 && s.progress < 1 && s.sdActive {
		return StatePrinting, true
	}
	return "", false
}

func stateFromStandby(s signals) (PrinterState, bool) {
	if s.printState == "standby" {
		return StateIdle, true
	}
	return "", false
}

func stateFromPrinterInfo(s signals) (PrinterState, bool) {
	state, ok := infoStates[s.infoState]
	return state, ok
}

func inferState(s signals) PrinterState {
	for _, rule := range stateRules {
		if state, ok := rule(s); ok {
			return state
		}
	}
	return StateUnknown
}

// progressOf prefers the display progress but takes the sdcard one when the
// display reports nothing or zero.
func progressOf(display, sdcard gjson.Result) *float64 {
	d, dok := number(display)
	sd, sok := number(sdcard)
	switch {
	case dok && d != 0:
		return &d
	case sok && sd != 0:
		return &sd
	case dok:
		return &d
	case sok:
		return &sd
	}
	return nil
}

// Normalize turns a printer info body and an objects query body into a
// PrinterStatus. An info body that does not parse yields an offline status;
// a missing or broken objects body only drops the fields it would have
// supplied. It never panics on unexpected shapes.
func Normalize(info, objects []byte) PrinterStatus {
	status := PrinterStatus{
		State:     StateUnknown,
		WebUIs:    []WebUI{},
		CheckedAt: time.Now(),
	}
	if len(info) == 0 || !gjson.ValidBytes(info) {
		status.Message = "unreadable printer info"
		return status
	}

	infoResult := resultOf(gjson.ParseBytes(info))
	status.Online = true
	status.Message = infoResult.Get("state_message").String()

	sig := signals{infoState: infoResult.Get("state").String()}

	if len(objects) > 0 && gjson.ValidBytes(objects) {
		parsed := gjson.ParseBytes(objects)
		printStats := lookupObject(parsed, "print_stats")
		webhooks := lookupObject(parsed, "webhooks")
		sdcard := lookupObject(parsed, "virtual_sdcard")
		display := lookupObject(parsed, "display_status")

		sig.printState = printStats.Get("state").String()
		sig.sdActive = sdcard.Get("is_active").Bool()

		status.Progress = progressOf(display.Get("progress"), sdcard.Get("progress"))
		if status.Progress != nil {
			sig.hasProgress = true
			sig.progress = *status.Progress
		}

		if msg := firstNonEmpty(webhooks.Get("message").String(), webhooks.Get("state_message").String()); msg != "" {
			status.Message = msg
		}
		status.Filename = printStats.Get("filename").String()

		if v, ok := number(printStats.Get("print_duration")); ok {
			status.PrintDuration = &v
		}
		if v, ok := number(printStats.Get("total_duration")); ok {
			status.TotalDuration = &v
		}

		layers := printStats.Get("info")
		if v, ok := firstInt(layers, "current_layer", "layer"); ok {
			status.CurrentLayer = &v
		}
		if v, ok := firstInt(layers, "total_layer", "layer_count"); ok {
			status.TotalLayers = &v
		}
	}

	status.State = inferState(sig)
	if eta, ok := status.ETA(); ok {
		status.ETASeconds = &eta
	}
	return status
}

func resultOf(doc gjson.Result) gjson.Result {
	if r := doc.Get("result"); r.IsObject() {
		return r
	}
	return doc
}

// lookupObject finds a printer object whether the firmware nested it under
// status.objects or placed it directly under status.
func lookupObject(doc gjson.Result, name string) gjson.Result {
	status := resultOf(doc).Get("status")
	if obj := status.Get("objects." + name); obj.IsObject() {
		return obj
	}
	if obj := status.Get(name); obj.IsObject() {
		return obj
	}
	return gjson.Result{}
}

func number(r gjson.Result) (float64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

func firstInt(obj gjson.Result, keys ...string) (int, bool) {
	for _, key := range keys {
		if v := obj.Get(key); v.Type == gjson.Number && v.Int() != 0 {
			return int(v.Int()), true
		}
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
