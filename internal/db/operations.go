package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout matches what CURRENT_TIMESTAMP stores, so comparisons in
// SQL stay lexical.
const sqliteTimeLayout = "2006-01-02 15:04:05"

type rowScanner interface {
	Scan(dest ...any) error
}

type PrinterOperations struct {
	db *sql.DB
}

func (o *PrinterOperations) CreatePrinter(ctx context.Context, p *Printer) error {
	result, err := o.db.ExecContext(ctx, InsertPrinter,
		p.Name, p.BaseURL, p.APIKey, p.Enabled, p.Tags)
	if err != nil {
		return fmt.Errorf("failed to create printer: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get printer id: %w", err)
	}
	p.ID = id
	return nil
}

func scanPrinter(row rowScanner) (*Printer, error) {
	p := &Printer{}
	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.Enabled, &p.Tags,
		&p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (o *PrinterOperations) GetPrinterByID(ctx context.Context, id int64) (*Printer, error) {
	p, err := scanPrinter(o.db.QueryRowContext(ctx, GetPrinterByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get printer: %w", err)
	}
	return p, nil
}

func (o *PrinterOperations) ListPrinters(ctx context.Context) ([]*Printer, error) {
	rows, err := o.db.QueryContext(ctx, ListPrinters)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan printer: %w", err)
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

func (o *PrinterOperations) UpdatePrinter(ctx context.Context, p *Printer) error {
	_, err := o.db.ExecContext(ctx, UpdatePrinter,
		p.Name, p.BaseURL, p.APIKey, p.Enabled, p.Tags, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update printer: %w", err)
	}
	return nil
}

func (o *PrinterOperations) HasTargets(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := o.db.QueryRowContext(ctx, PrinterHasTargets, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check printer history: %w", err)
	}
	return exists, nil
}

func (o *PrinterOperations) DeletePrinter(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, DeletePrinter, id)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	return nil
}

type FileOperations struct {
	db *sql.DB
}

func (o *FileOperations) CreateFile(ctx context.Context, f *File) error {
	result, err := o.db.ExecContext(ctx, InsertFile,
		f.OriginalFilename, f.StoragePath, f.FileHash, f.Size)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get file id: %w", err)
	}
	f.ID = id
	return nil
}

func scanFile(row rowScanner) (*File, error) {
	f := &File{}
	err := row.Scan(&f.ID, &f.OriginalFilename, &f.StoragePath, &f.FileHash, &f.Size, &f.UploadedAt)
	return f, err
}

func (o *FileOperations) GetFileByID(ctx context.Context, id int64) (*File, error) {
	f, err := scanFile(o.db.QueryRowContext(ctx, GetFileByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// GetLatestFileByName returns the newest stored file with the given display name.
func (o *FileOperations) GetLatestFileByName(ctx context.Context, name string) (*File, error) {
	f, err := scanFile(o.db.QueryRowContext(ctx, GetLatestFileByName, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

func (o *FileOperations) ListFiles(ctx context.Context) ([]*File, error) {
	rows, err := o.db.QueryContext(ctx, ListFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (o *FileOperations) RenameFile(ctx context.Context, id int64, name string) error {
	_, err := o.db.ExecContext(ctx, RenameFile, name, id)
	if err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

type JobOperations struct {
	db *sql.DB
}

func (o *JobOperations) CreateJob(ctx context.Context, j *Job) error {
	result, err := o.db.ExecContext(ctx, InsertJob, j.FileID, j.Status, j.RequestedAction)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get job id: %w", err)
	}
	j.ID = id
	return nil
}

// CreateJobWithFile inserts the file record and its job in one transaction.
func (o *JobOperations) CreateJobWithFile(ctx context.Context, f *File, j *Job) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, InsertFile, f.OriginalFilename, f.StoragePath, f.FileHash, f.Size)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if f.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get file id: %w", err)
	}

	j.FileID = f.ID
	result, err = tx.ExecContext(ctx, InsertJob, j.FileID, j.Status, j.RequestedAction)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if j.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get job id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	err := row.Scan(&j.ID, &j.FileID, &j.Status, &j.RequestedAction, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (o *JobOperations) GetJobByID(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(o.db.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (o *JobOperations) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := o.db.QueryContext(ctx, ListJobs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (o *JobOperations) UpdateJobStatus(ctx context.Context, id int64, status string) error {
	_, err := o.db.ExecContext(ctx, UpdateJobStatus, status, id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (o *JobOperations) UpdateJobAction(ctx context.Context, id int64, action string) error {
	_, err := o.db.ExecContext(ctx, UpdateJobAction, action, id)
	if err != nil {
		return fmt.Errorf("failed to update job action: %w", err)
	}
	return nil
}

func (o *JobOperations) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := o.db.QueryContext(ctx, CountJobsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListStaleJobIDs returns jobs untouched since before cutoff, skipping any
// that are mid-dispatch.
func (o *JobOperations) ListStaleJobIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := o.db.QueryContext(ctx, ListStaleJobIDs, cutoff.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteJobs removes the given jobs with their targets and returns the file
// records no remaining job references. The caller owns removing their bytes.
func (o *JobOperations) DeleteJobs(ctx context.Context, ids []int64) (int, []*File, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fileIDs := make(map[int64]bool)
	deleted := 0
	for _, id := range ids {
		var fileID int64
		err := tx.QueryRowContext(ctx, "SELECT file_id FROM jobs WHERE id = ?", id).Scan(&fileID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("failed to load job %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, DeleteTargetsByJob, id); err != nil {
			return 0, nil, fmt.Errorf("failed to delete targets of job %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, DeleteJob, id); err != nil {
			return 0, nil, fmt.Errorf("failed to delete job %d: %w", id, err)
		}
		fileIDs[fileID] = true
		deleted++
	}

	var orphaned []*File
	for fileID := range fileIDs {
		var referenced bool
		if err := tx.QueryRowContext(ctx, FileIsReferenced, fileID).Scan(&referenced); err != nil {
			return 0, nil, fmt.Errorf("failed to check file %d: %w", fileID, err)
		}
		if referenced {
			continue
		}
		f, err := scanFile(tx.QueryRowContext(ctx, GetFileByID, fileID))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("failed to load file %d: %w", fileID, err)
		}
		if _, err := tx.ExecContext(ctx, DeleteFile, fileID); err != nil {
			return 0, nil, fmt.Errorf("failed to delete file %d: %w", fileID, err)
		}
		orphaned = append(orphaned, f)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit job deletion: %w", err)
	}
	return deleted, orphaned, nil
}

type TargetOperations struct {
	db *sql.DB
}

func scanTarget(row rowScanner) (*JobTarget, error) {
	t := &JobTarget{}
	err := row.Scan(&t.ID, &t.JobID, &t.PrinterID, &t.Status, &t.ErrorMessage, &t.UpdatedAt)
	return t, err
}

func (o *TargetOperations) ListTargets(ctx context.Context, jobID int64) ([]*JobTarget, error) {
	rows, err := o.db.QueryContext(ctx, ListTargetsByJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []*JobTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (o *TargetOperations) GetTarget(ctx context.Context, jobID, printerID int64) (*JobTarget, error) {
	t, err := scanTarget(o.db.QueryRowContext(ctx, GetTarget, jobID, printerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return t, nil
}

func (o *TargetOperations) ListTargetsByStatus(ctx context.Context, statuses ...string) ([]*JobTarget, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := o.db.QueryContext(ctx, fmt.Sprintf(ListTargetsByStatus, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets by status: %w", err)
	}
	defer rows.Close()

	var targets []*JobTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// UpsertTarget creates the (job, printer) row or resets the existing one.
func (o *TargetOperations) UpsertTarget(ctx context.Context, jobID, printerID int64, status, errMsg string) error {
	_, err := o.db.ExecContext(ctx, UpsertTarget, jobID, printerID, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to upsert target: %w", err)
	}
	return nil
}

func (o *TargetOperations) UpdateTargetStatus(ctx context.Context, jobID, printerID int64, status, errMsg string) error {
	result, err := o.db.ExecContext(ctx, UpdateTargetStatus, status, errMsg, jobID, printerID)
	if err != nil {
		return fmt.Errorf("failed to update target status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type SettingsOperations struct {
	db *sql.DB
}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := o.db.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string) error {
	_, err := o.db.ExecContext(ctx, SetSetting, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	_, err := o.db.ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

type WebhookOperations struct {
	db *sql.DB
}

func (o *WebhookOperations) CreateWebhook(ctx context.Context, w *Webhook) error {
	result, err := o.db.ExecContext(ctx, InsertWebhook,
		w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get webhook id: %w", err)
	}
	w.ID = id
	return nil
}

func scanWebhook(row rowScanner) (*Webhook, error) {
	w := &Webhook{}
	err := row.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &w.EventsJSON, &w.Enabled, &w.CreatedAt)
	return w, err
}

func (o *WebhookOperations) GetWebhookByID(ctx context.Context, id int64) (*Webhook, error) {
	w, err := scanWebhook(o.db.QueryRowContext(ctx, GetWebhookByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return w, nil
}

func (o *WebhookOperations) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	return o.list(ctx, ListWebhooks)
}

func (o *WebhookOperations) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error) {
	return o.list(ctx, ListWebhooksForEvent, "%\""+event+"\"%")
}

func (o *WebhookOperations) list(ctx context.Context, query string, args ...any) ([]*Webhook, error) {
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (o *WebhookOperations) DeleteWebhook(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}
