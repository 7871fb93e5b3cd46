package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orrn/printmux/internal/db"
)

// Store is the persistence the engine needs. Lookups return ErrJobNotFound,
// ErrPrinterNotFound or ErrTargetNotFound when the row is missing.
type Store interface {
	GetJob(ctx context.Context, id int64) (*Job, error)
	GetPrinter(ctx context.Context, id int64) (*Printer, error)
	ListPrinters(ctx context.Context) ([]*Printer, error)
	GetTarget(ctx context.Context, jobID, printerID int64) (*Target, error)
	ListTargets(ctx context.Context, jobID int64) ([]Target, error)
	ListTargetsByStatus(ctx context.Context, statuses ...TargetStatus) ([]Target, error)
	UpsertTarget(ctx context.Context, jobID, printerID int64, status TargetStatus, msg string) error
	UpdateTargetStatus(ctx context.Context, jobID, printerID int64, status TargetStatus, msg string) error
	UpdateJobStatus(ctx context.Context, jobID int64, status JobStatus) error
	UpdateJobAction(ctx context.Context, jobID int64, action Action) error
}

// SQLStore adapts the sqlite operations to Store.
type SQLStore struct {
	db *db.Store
}

func NewSQLStore(store *db.Store) *SQLStore {
	return &SQLStore{db: store}
}

func (s *SQLStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	j, err := s.db.Jobs.GetJobByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	f, err := s.db.Files.GetFileByID(ctx, j.FileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d of job %d: %w", j.FileID, id, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}

	targets, err := s.ListTargets(ctx, id)
	if err != nil {
		return nil, err
	}

	action, err := ParseAction(j.RequestedAction)
	if err != nil {
		action = ActionUpload
	}

	return &Job{
		ID: j.ID,
		File: File{
			ID:          f.ID,
			Name:        f.OriginalFilename,
			StoragePath: f.StoragePath,
			Size:        f.Size,
			Hash:        f.FileHash,
		},
		Action:    action,
		Status:    JobStatus(j.Status),
		CreatedAt: j.CreatedAt,
		Targets:   targets,
	}, nil
}

func (s *SQLStore) GetPrinter(ctx context.Context, id int64) (*Printer, error) {
	p, err := s.db.Printers.GetPrinterByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrinterNotFound
	}
	if err != nil {
		return nil, err
	}
	return printerFromRow(p), nil
}

func (s *SQLStore) ListPrinters(ctx context.Context) ([]*Printer, error) {
	rows, err := s.db.Printers.ListPrinters(ctx)
	if err != nil {
		return nil, err
	}
	printers := make([]*Printer, 0, len(rows))
	for _, p := range rows {
		printers = append(printers, printerFromRow(p))
	}
	return printers, nil
}

func printerFromRow(p *db.Printer) *Printer {
	return &Printer{
		ID:      p.ID,
		Name:    p.Name,
		BaseURL: p.BaseURL,
		APIKey:  p.APIKey,
		Enabled: p.Enabled,
		Tags:    SplitTags(p.Tags),
	}
}

func (s *SQLStore) GetTarget(ctx context.Context, jobID, printerID int64) (*Target, error) {
	t, err := s.db.Targets.GetTarget(ctx, jobID, printerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTargetNotFound
	}
	if err != nil {
		return nil, err
	}
	target := targetFromRow(t)
	return &target, nil
}

func (s *SQLStore) ListTargets(ctx context.Context, jobID int64) ([]Target, error) {
	rows, err := s.db.Targets.ListTargets(ctx, jobID)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(rows))
	for _, t := range rows {
		targets = append(targets, targetFromRow(t))
	}
	return targets, nil
}

func (s *SQLStore) ListTargetsByStatus(ctx context.Context, statuses ...TargetStatus) ([]Target, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.Targets.ListTargetsByStatus(ctx, names...)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(rows))
	for _, t := range rows {
		targets = append(targets, targetFromRow(t))
	}
	return targets, nil
}

func targetFromRow(t *db.JobTarget) Target {
	return Target{
		JobID:     t.JobID,
		PrinterID: t.PrinterID,
		Status:    TargetStatus(t.Status),
		Error:     t.ErrorMessage,
		UpdatedAt: t.UpdatedAt,
	}
}

func (s *SQLStore) UpsertTarget(ctx context.Context, jobID, printerID int64, status TargetStatus, msg string) error {
	return s.db.Targets.UpsertTarget(ctx, jobID, printerID, string(status), msg)
}

func (s *SQLStore) UpdateTargetStatus(ctx context.Context, jobID, printerID int64, status TargetStatus, msg string) error {
	err := s.db.Targets.UpdateTargetStatus(ctx, jobID, printerID, string(status), msg)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTargetNotFound
	}
	return err
}

func (s *SQLStore) UpdateJobStatus(ctx context.Context, jobID int64, status JobStatus) error {
	return s.db.Jobs.UpdateJobStatus(ctx, jobID, string(status))
}

func (s *SQLStore) UpdateJobAction(ctx context.Context, jobID int64, action Action) error {
	return s.db.Jobs.UpdateJobAction(ctx, jobID, string(action))
}
