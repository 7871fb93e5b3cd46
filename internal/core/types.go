package core

import (
	"strings"
	"time"
)

type Action string

const (
	ActionUpload Action = "upload"
	ActionPrint  Action = "print"
)

// ParseAction accepts the stored names and the long API spellings.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "upload", "upload-only", "upload_only":
		return ActionUpload, nil
	case "print", "upload-and-print", "upload_and_print":
		return ActionPrint, nil
	}
	return "", ErrInvalidAction
}

type TargetStatus string

const (
	TargetPending     TargetStatus = "pending"
	TargetDispatching TargetStatus = "dispatching"
	TargetUploaded    TargetStatus = "uploaded"
	TargetPrinting    TargetStatus = "printing"
	TargetCompleted   TargetStatus = "completed"
	TargetFailed      TargetStatus = "failed"
)

func (s TargetStatus) Terminal() bool {
	return s == TargetCompleted || s == TargetFailed
}

// Succeeded reports whether the target reached the scope the dispatch asked for.
func (s TargetStatus) Succeeded() bool {
	return s == TargetUploaded || s == TargetPrinting || s == TargetCompleted
}

type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDispatching JobStatus = "dispatching"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobPartial     JobStatus = "partial"
)

type Printer struct {
	ID      int64
	Name    string
	BaseURL string
	APIKey  string
	Enabled bool
	Tags    []string
}

type File struct {
	ID          int64
	Name        string
	StoragePath string
	Size        int64
	Hash        string
}

type Target struct {
	JobID     int64        `json:"job_id"`
	PrinterID int64        `json:"printer_id"`
	Status    TargetStatus `json:"status"`
	Error     string       `json:"error_message,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Job struct {
	ID        int64
	File      File
	Action    Action
	Status    JobStatus
	CreatedAt time.Time
	Targets   []Target
}

// SplitTags turns the stored comma separated tag list into trimmed values.
func SplitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

type TargetEvent struct {
	JobID     int64        `json:"job_id"`
	PrinterID int64        `json:"printer_id"`
	OldStatus TargetStatus `json:"old_status"`
	NewStatus TargetStatus `json:"new_status"`
	Error     string       `json:"error_message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type JobEvent struct {
	JobID     int64     `json:"job_id"`
	OldStatus JobStatus `json:"old_status"`
	NewStatus JobStatus `json:"new_status"`
	Timestamp time.Time `json:"timestamp"`
}

type PrinterEvent struct {
	PrinterID int64         `json:"printer_id"`
	Name      string        `json:"printer_name"`
	OldState  PrinterState  `json:"old_state"`
	NewState  PrinterState  `json:"new_state"`
	Online    bool          `json:"online"`
	Status    PrinterStatus `json:"details"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notifier receives every persisted status change.
type Notifier interface {
	TargetStatusChanged(ev TargetEvent)
	JobStatusChanged(ev JobEvent)
	PrinterStatusChanged(ev PrinterEvent)
}

type NopNotifier struct{}

func (NopNotifier) TargetStatusChanged(TargetEvent)   {}
func (NopNotifier) JobStatusChanged(JobEvent)         {}
func (NopNotifier) PrinterStatusChanged(PrinterEvent) {}
