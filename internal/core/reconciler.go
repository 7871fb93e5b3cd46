package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var targetTransitions = map[TargetStatus][]TargetStatus{
	TargetPending:     {TargetDispatching},
	TargetDispatching: {TargetUploaded, TargetPrinting, TargetFailed},
	TargetUploaded:    {TargetCompleted, TargetFailed},
	TargetPrinting:    {TargetCompleted, TargetFailed},
}

// CanTransition reports whether a target may move from one status to another
// during a dispatch. Terminal statuses have no outgoing edges; only an explicit
// new dispatch puts a target back to pending.
func CanTransition(from, to TargetStatus) bool {
	for _, next := range targetTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AggregateStatus derives the job status from its targets. The result depends
// only on the multiset of statuses, never on their order.
func AggregateStatus(statuses []TargetStatus) JobStatus {
	if len(statuses) == 0 {
		return JobPending
	}

	var succeeded, failed int
	for _, st := range statuses {
		switch {
		case st == TargetFailed:
			failed++
		case st.Succeeded():
			succeeded++
		default:
			return JobDispatching
		}
	}

	switch {
	case failed == 0:
		return JobCompleted
	case succeeded == 0:
		return JobFailed
	default:
		return JobPartial
	}
}

func targetStatuses(targets []Target) []TargetStatus {
	statuses := make([]TargetStatus, len(targets))
	for i, t := range targets {
		statuses[i] = t.Status
	}
	return statuses
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// TargetTable hands out one lock per job so target writes and the job
// aggregate that follows them are serialized per job.
type TargetTable struct {
	mu    sync.Mutex
	locks map[int64]*jobLock
}

func NewTargetTable() *TargetTable {
	return &TargetTable{locks: make(map[int64]*jobLock)}
}

func (t *TargetTable) Lock(jobID int64) func() {
	t.mu.Lock()
	l, ok := t.locks[jobID]
	if !ok {
		l = &jobLock{}
		t.locks[jobID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, jobID)
		}
		t.mu.Unlock()
	}
}

// Reconciler owns every target status write and the job aggregate that
// follows it.
type Reconciler struct {
	store    Store
	table    *TargetTable
	notifier Notifier
	log      zerolog.Logger
}

func NewReconciler(store Store, table *TargetTable, notifier Notifier, logger zerolog.Logger) *Reconciler {
	if table == nil {
		table = NewTargetTable()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{
		store:    store,
		table:    table,
		notifier: notifier,
		log:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// Transition moves one target and recomputes its job's status.
func (r *Reconciler) Transition(ctx context.Context, jobID, printerID int64, to TargetStatus, msg string) error {
	unlock := r.table.Lock(jobID)
	defer unlock()

	if err := r.transitionLocked(ctx, jobID, printerID, to, msg); err != nil {
		return err
	}
	_, err := r.reaggregateLocked(ctx, jobID)
	return err
}

func (r *Reconciler) transitionLocked(ctx context.Context, jobID, printerID int64, to TargetStatus, msg string) error {
	current, err := r.store.GetTarget(ctx, jobID, printerID)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, to) {
		return fmt.Errorf("%w: %s -> %s (job %d, printer %d)", ErrInvalidTransition, current.Status, to, jobID, printerID)
	}
	if err := r.store.UpdateTargetStatus(ctx, jobID, printerID, to, msg); err != nil {
		return err
	}

	r.log.Debug().
		Int64("job_id", jobID).
		Int64("printer_id", printerID).
		Str("from", string(current.Status)).
		Str("to", string(to)).
		Str("error", msg).
		Msg("target transition")

	r.notifier.TargetStatusChanged(TargetEvent{
		JobID:     jobID,
		PrinterID: printerID,
		OldStatus: current.Status,
		NewStatus: to,
		Error:     msg,
		Timestamp: time.Now(),
	})
	return nil
}

// resetLocked creates or resets a target for a new dispatch request. It is the
// only way back to pending from any status.
func (r *Reconciler) resetLocked(ctx context.Context, jobID, printerID int64, status TargetStatus, msg string) error {
	var old TargetStatus
	if current, err := r.store.GetTarget(ctx, jobID, printerID); err == nil {
		old = current.Status
	}
	if err := r.store.UpsertTarget(ctx, jobID, printerID, status, msg); err != nil {
		return err
	}
	r.notifier.TargetStatusChanged(TargetEvent{
		JobID:     jobID,
		PrinterID: printerID,
		OldStatus: old,
		NewStatus: status,
		Error:     msg,
		Timestamp: time.Now(),
	})
	return nil
}

func (r *Reconciler) reaggregateLocked(ctx context.Context, jobID int64) (JobStatus, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	next := AggregateStatus(targetStatuses(job.Targets))
	if next == job.Status {
		return next, nil
	}
	if err := r.store.UpdateJobStatus(ctx, jobID, next); err != nil {
		return "", err
	}

	r.log.Info().
		Int64("job_id", jobID).
		Str("from", string(job.Status)).
		Str("to", string(next)).
		Msg("job status changed")

	r.notifier.JobStatusChanged(JobEvent{
		JobID:     jobID,
		OldStatus: job.Status,
		NewStatus: next,
		Timestamp: time.Now(),
	})
	return next, nil
}
