package db

const (
	InsertPrinter = `
		INSERT INTO printers (name, base_url, api_key, enabled, tags)
		VALUES (?, ?, ?, ?, ?)
	`

	GetPrinterByID = `
		SELECT id, name, base_url, api_key, enabled, tags, created_at, updated_at
		FROM printers WHERE id = ?
	`

	ListPrinters = `
		SELECT id, name, base_url, api_key, enabled, tags, created_at, updated_at
		FROM printers ORDER BY created_at DESC, id DESC
	`

	UpdatePrinter = `
		UPDATE printers SET
			name = ?, base_url = ?, api_key = ?, enabled = ?, tags = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	PrinterHasTargets = `SELECT EXISTS(SELECT 1 FROM job_targets WHERE printer_id = ?)`

	DeletePrinter = `DELETE FROM printers WHERE id = ?`
)

const (
	InsertFile = `
		INSERT INTO files (original_filename, storage_path, file_hash, size)
		VALUES (?, ?, ?, ?)
	`

	GetFileByID = `
		SELECT id, original_filename, storage_path, file_hash, size, uploaded_at
		FROM files WHERE id = ?
	`

	ListFiles = `
		SELECT id, original_filename, storage_path, file_hash, size, uploaded_at
		FROM files ORDER BY uploaded_at DESC, id DESC
	`

	GetLatestFileByName = `
		SELECT id, original_filename, storage_path, file_hash, size, uploaded_at
		FROM files WHERE original_filename = ?
		ORDER BY uploaded_at DESC, id DESC LIMIT 1
	`

	RenameFile = `UPDATE files SET original_filename = ? WHERE id = ?`

	FileIsReferenced = `SELECT EXISTS(SELECT 1 FROM jobs WHERE file_id = ?)`

	DeleteFile = `DELETE FROM files WHERE id = ?`
)

const (
	InsertJob = `
		INSERT INTO jobs (file_id, status, requested_action)
		VALUES (?, ?, ?)
	`

	GetJobByID = `
		SELECT id, file_id, status, requested_action, created_at, updated_at
		FROM jobs WHERE id = ?
	`

	ListJobs = `
		SELECT id, file_id, status, requested_action, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?
	`

	UpdateJobStatus = `
		UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`

	UpdateJobAction = `
		UPDATE jobs SET requested_action = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`

	DeleteJob = `DELETE FROM jobs WHERE id = ?`

	CountJobsByStatus = `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	ListStaleJobIDs = `
		SELECT id FROM jobs
		WHERE updated_at < ? AND status != 'dispatching'
		ORDER BY id ASC
	`
)

const (
	ListTargetsByJob = `
		SELECT id, job_id, printer_id, status, error_message, updated_at
		FROM job_targets WHERE job_id = ? ORDER BY id ASC
	`

	GetTarget = `
		SELECT id, job_id, printer_id, status, error_message, updated_at
		FROM job_targets WHERE job_id = ? AND printer_id = ?
	`

	UpsertTarget = `
		INSERT INTO job_targets (job_id, printer_id, status, error_message)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, printer_id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			updated_at = CURRENT_TIMESTAMP
	`

	UpdateTargetStatus = `
		UPDATE job_targets SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ? AND printer_id = ?
	`

	ListTargetsByStatus = `
		SELECT id, job_id, printer_id, status, error_message, updated_at
		FROM job_targets WHERE status IN (%s) ORDER BY job_id ASC, id ASC
	`

	DeleteTargetsByJob = `DELETE FROM job_targets WHERE job_id = ?`
)

const (
	GetSetting = `SELECT value, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)

const (
	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	GetWebhookByID = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE id = ?
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks ORDER BY id ASC
	`

	ListWebhooksForEvent = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE enabled = 1 AND events_json LIKE ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)
