package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultUploadTimeout = 60 * time.Second
	defaultPrintTimeout  = 60 * time.Second

	reasonDisabled    = "printer disabled"
	reasonNotFound    = "printer not found"
	reasonInterrupted = "dispatch interrupted by restart"
	reasonAborted     = "dispatch aborted: "

	// PrintStartFailedPrefix marks a failure that happened after the file
	// reached the device.
	PrintStartFailedPrefix = "print start failed after upload: "
)

type DispatcherConfig struct {
	UploadTimeout time.Duration
	PrintTimeout  time.Duration
}

type Dispatcher struct {
	store      Store
	files      FileOpener
	devices    DeviceFactory
	reconciler *Reconciler
	config     DispatcherConfig
	log        zerolog.Logger
	wg         sync.WaitGroup
}

type dispatchPlan struct {
	printerID int64
	printer   *Printer
	reason    string
}

type dispatchUnit struct {
	job     *Job
	printer *Printer
	action  Action
}

func NewDispatcher(store Store, files FileOpener, devices DeviceFactory, reconciler *Reconciler, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if cfg.PrintTimeout <= 0 {
		cfg.PrintTimeout = defaultPrintTimeout
	}
	return &Dispatcher{
		store:      store,
		files:      files,
		devices:    devices,
		reconciler: reconciler,
		config:     cfg,
		log:        logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch fans the job out to the printers and returns once every target has
// reached uploaded, printing or failed for this attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID int64, printerIDs []int64, action Action) error {
	units, err := d.accept(ctx, jobID, printerIDs, action)
	if err != nil {
		return err
	}
	d.run(ctx, units).Wait()
	return nil
}

// DispatchAsync validates and records the request, then returns while the
// device calls continue in the background.
func (d *Dispatcher) DispatchAsync(ctx context.Context, jobID int64, printerIDs []int64, action Action) error {
	units, err := d.accept(ctx, jobID, printerIDs, action)
	if err != nil {
		return err
	}
	d.run(ctx, units)
	return nil
}

// Wait blocks until every background dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) accept(ctx context.Context, jobID int64, printerIDs []int64, action Action) ([]dispatchUnit, error) {
	if action != ActionUpload && action != ActionPrint {
		return nil, ErrInvalidAction
	}
	ids := dedupe(printerIDs)
	if len(ids) == 0 {
		return nil, ErrNoPrinters
	}

	unlock := d.reconciler.table.Lock(jobID)
	defer unlock()

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	current := make(map[int64]TargetStatus, len(job.Targets))
	for _, t := range job.Targets {
		current[t.PrinterID] = t.Status
	}
	for _, id := range ids {
		if current[id] == TargetDispatching {
			return nil, ErrAlreadyInFlight
		}
	}

	// Resolve every printer before the first write so a lookup failure
	// leaves the job untouched.
	plans := make([]dispatchPlan, 0, len(ids))
	for _, id := range ids {
		printer, err := d.store.GetPrinter(ctx, id)
		switch {
		case errors.Is(err, ErrPrinterNotFound):
			plans = append(plans, dispatchPlan{printerID: id, reason: reasonNotFound})
		case err != nil:
			return nil, err
		case !printer.Enabled:
			plans = append(plans, dispatchPlan{printerID: id, reason: reasonDisabled})
		default:
			plans = append(plans, dispatchPlan{printerID: id, printer: printer})
		}
	}

	if job.Action != action {
		if err := d.store.UpdateJobAction(ctx, jobID, action); err != nil {
			return nil, err
		}
		job.Action = action
	}

	var units []dispatchUnit
	for _, plan := range plans {
		if plan.printer == nil {
			if err := d.reconciler.resetLocked(ctx, jobID, plan.printerID, TargetFailed, plan.reason); err != nil {
				return nil, d.abortLocked(ctx, jobID, units, err)
			}
			continue
		}
		if err := d.reconciler.resetLocked(ctx, jobID, plan.printerID, TargetPending, ""); err != nil {
			return nil, d.abortLocked(ctx, jobID, units, err)
		}
		if err := d.reconciler.transitionLocked(ctx, jobID, plan.printerID, TargetDispatching, ""); err != nil {
			return nil, d.abortLocked(ctx, jobID, units, err)
		}
		units = append(units, dispatchUnit{job: job, printer: plan.printer, action: action})
	}

	if _, err := d.reconciler.reaggregateLocked(ctx, jobID); err != nil {
		return nil, d.abortLocked(ctx, jobID, units, err)
	}

	d.log.Info().
		Int64("job_id", jobID).
		Str("action", string(action)).
		Int("printers", len(ids)).
		Int("dispatching", len(units)).
		Msg("dispatch accepted")

	return units, nil
}

// abortLocked fails the targets this request already moved to dispatching, so
// no unit is left without a runner, and returns cause.
func (d *Dispatcher) abortLocked(ctx context.Context, jobID int64, units []dispatchUnit, cause error) error {
	msg := reasonAborted + cause.Error()
	for _, u := range units {
		if err := d.reconciler.transitionLocked(ctx, jobID, u.printer.ID, TargetFailed, msg); err != nil {
			d.log.Error().Err(err).Int64("job_id", jobID).Int64("printer_id", u.printer.ID).Msg("failed to abort target")
		}
	}
	if _, err := d.reconciler.reaggregateLocked(ctx, jobID); err != nil {
		d.log.Error().Err(err).Int64("job_id", jobID).Msg("failed to reaggregate aborted dispatch")
	}
	return cause
}

// run starts one unit per printer. Units outlive the caller's context: an
// upload in transit is bounded only by its own deadline.
func (d *Dispatcher) run(ctx context.Context, units []dispatchUnit) *sync.WaitGroup {
	base := context.WithoutCancel(ctx)
	var batch sync.WaitGroup
	for _, u := range units {
		batch.Add(1)
		d.wg.Add(1)
		go func(u dispatchUnit) {
			defer d.wg.Done()
			defer batch.Done()
			d.dispatchOne(base, u)
		}(u)
	}
	return &batch
}

func (d *Dispatcher) dispatchOne(ctx context.Context, u dispatchUnit) {
	log := d.log.With().Int64("job_id", u.job.ID).Int64("printer_id", u.printer.ID).Logger()
	device := d.devices(u.printer)

	if err := d.upload(ctx, device, u.job.File); err != nil {
		log.Warn().Err(err).Msg("upload failed")
		d.finish(ctx, u, TargetFailed, err.Error())
		return
	}
	if u.action != ActionPrint {
		d.finish(ctx, u, TargetUploaded, "")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, d.config.PrintTimeout)
	err := device.StartPrint(pctx, u.job.File.Name)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("print start failed")
		d.finish(ctx, u, TargetFailed, PrintStartFailedPrefix+err.Error())
		return
	}
	d.finish(ctx, u, TargetPrinting, "")
}

func (d *Dispatcher) upload(ctx context.Context, device Device, file File) error {
	r, err := d.files.Open(file.StoragePath)
	if err != nil {
		return err
	}
	defer r.Close()

	uctx, cancel := context.WithTimeout(ctx, d.config.UploadTimeout)
	defer cancel()
	return device.UploadFile(uctx, file.Name, r)
}

func (d *Dispatcher) finish(ctx context.Context, u dispatchUnit, to TargetStatus, msg string) {
	if err := d.reconciler.Transition(ctx, u.job.ID, u.printer.ID, to, msg); err != nil {
		d.log.Error().
			Err(err).
			Int64("job_id", u.job.ID).
			Int64("printer_id", u.printer.ID).
			Str("to", string(to)).
			Msg("failed to record target status")
	}
}

// Recover fails targets left mid-dispatch by a previous process. Their device
// calls died with it, so nothing will ever move them on.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	stuck, err := d.store.ListTargetsByStatus(ctx, TargetDispatching)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range stuck {
		if err := d.reconciler.Transition(ctx, t.JobID, t.PrinterID, TargetFailed, reasonInterrupted); err != nil {
			d.log.Warn().Err(err).Int64("job_id", t.JobID).Int64("printer_id", t.PrinterID).Msg("failed to recover target")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		d.log.Info().Int("targets", recovered).Msg("recovered interrupted dispatches")
	}
	return recovered, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
