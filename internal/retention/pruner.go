// Package retention prunes old jobs and the stored files only they used.
package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/orrn/printmux/internal/db"
	"github.com/orrn/printmux/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	settingsKeyDays    = "retention_days"
	settingsKeyEnabled = "retention_enabled"

	// DefaultSchedule runs the prune once a day.
	DefaultSchedule = "@daily"
)

// Policy is how long finished jobs are kept. Pruning is off until enabled.
type Policy struct {
	Days    int  `json:"retention_days"`
	Enabled bool `json:"retention_enabled"`
}

// Result counts what one prune removed.
type Result struct {
	Jobs  int `json:"jobs"`
	Files int `json:"files"`
}

type Pruner struct {
	store       *db.Store
	files       *storage.Store
	defaultDays int
	log         zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewPruner(store *db.Store, files *storage.Store, defaultDays int, logger zerolog.Logger) *Pruner {
	if defaultDays <= 0 {
		defaultDays = 30
	}
	return &Pruner{
		store:       store,
		files:       files,
		defaultDays: defaultDays,
		log:         logger.With().Str("component", "retention").Logger(),
	}
}

// Start schedules Run on the given cron spec.
func (p *Pruner) Start(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := p.Run(context.Background()); err != nil {
			p.log.Error().Err(err).Msg("prune failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule prune: %w", err)
	}
	c.Start()

	p.mu.Lock()
	p.cron = c
	p.mu.Unlock()
	return nil
}

func (p *Pruner) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Policy reads the stored policy, falling back to the configured days.
func (p *Pruner) Policy(ctx context.Context) (Policy, error) {
	policy := Policy{Days: p.defaultDays}

	setting, err := p.store.Settings.GetSetting(ctx, settingsKeyDays)
	switch {
	case err == nil:
		if days, convErr := strconv.Atoi(setting.Value); convErr == nil && days > 0 {
			policy.Days = days
		}
	case !errors.Is(err, sql.ErrNoRows):
		return policy, err
	}

	setting, err = p.store.Settings.GetSetting(ctx, settingsKeyEnabled)
	switch {
	case err == nil:
		policy.Enabled = setting.Value == "true"
	case !errors.Is(err, sql.ErrNoRows):
		return policy, err
	}
	return policy, nil
}

func (p *Pruner) SetPolicy(ctx context.Context, policy Policy) error {
	if policy.Days <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", policy.Days)
	}
	if err := p.store.Settings.SetSetting(ctx, settingsKeyDays, strconv.Itoa(policy.Days)); err != nil {
		return err
	}
	return p.store.Settings.SetSetting(ctx, settingsKeyEnabled, strconv.FormatBool(policy.Enabled))
}

// Run prunes according to the stored policy. It does nothing while pruning
// is disabled.
func (p *Pruner) Run(ctx context.Context) (Result, error) {
	policy, err := p.Policy(ctx)
	if err != nil {
		return Result{}, err
	}
	if !policy.Enabled {
		return Result{}, nil
	}
	return p.PruneBefore(ctx, time.Now().AddDate(0, 0, -policy.Days))
}

// PruneBefore deletes every job last updated before cutoff that is not
// mid-dispatch, then removes stored files no remaining job refers to.
func (p *Pruner) PruneBefore(ctx context.Context, cutoff time.Time) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.store.Jobs.ListStaleJobIDs(ctx, cutoff)
	if err != nil {
		return Result{}, err
	}
	if len(ids) == 0 {
		return Result{}, nil
	}

	deleted, orphaned, err := p.store.Jobs.DeleteJobs(ctx, ids)
	if err != nil {
		return Result{}, err
	}

	result := Result{Jobs: deleted}
	for _, f := range orphaned {
		if err := p.files.Remove(f.StoragePath); err != nil {
			p.log.Warn().Err(err).Int64("file_id", f.ID).Msg("failed to remove stored file")
			continue
		}
		result.Files++
	}

	p.log.Info().
		Int("jobs", result.Jobs).
		Int("files", result.Files).
		Time("cutoff", cutoff).
		Msg("pruned old jobs")
	return result, nil
}
