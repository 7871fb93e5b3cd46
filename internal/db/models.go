package db

import (
	"time"
)

type Printer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	APIKey    string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	Tags      string    `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type File struct {
	ID               int64     `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	StoragePath      string    `json:"-"`
	FileHash         string    `json:"file_hash"`
	Size             int64     `json:"size"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

type Job struct {
	ID              int64     `json:"id"`
	FileID          int64     `json:"file_id"`
	Status          string    `json:"status"`
	RequestedAction string    `json:"requested_action"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type JobTarget struct {
	ID           int64     `json:"id"`
	JobID        int64     `json:"job_id"`
	PrinterID    int64     `json:"printer_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Webhook struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	EventsJSON string    `json:"events_json"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}
