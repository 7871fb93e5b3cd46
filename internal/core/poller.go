package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const defaultPollInterval = 10 * time.Second

// Poller keeps the latest status of every printer, refreshed on a fixed
// schedule that does not depend on any job.
type Poller struct {
	fleet    *Fleet
	store    Store
	notifier Notifier
	interval time.Duration
	log      zerolog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	first  sync.WaitGroup

	mu     sync.RWMutex
	latest map[int64]PrinterStatus

	inflightMu sync.Mutex
	inflight   map[int64]bool

	subsMu  sync.Mutex
	subs    map[int]chan []PrinterStatus
	nextSub int
}

func NewPoller(fleet *Fleet, store Store, notifier Notifier, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		fleet:    fleet,
		store:    store,
		notifier: notifier,
		interval: interval,
		log:      logger.With().Str("component", "poller").Logger(),
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
		latest:   make(map[int64]PrinterStatus),
		inflight: make(map[int64]bool),
		subs:     make(map[int]chan []PrinterStatus),
	}
}

// Start schedules the poll cycle and runs the first one right away.
func (p *Poller) Start() error {
	schedule := fmt.Sprintf("@every %s", p.interval)
	if _, err := p.cron.AddFunc(schedule, p.runCycle); err != nil {
		return fmt.Errorf("failed to schedule status poll: %w", err)
	}
	p.cron.Start()
	p.first.Add(1)
	go func() {
		defer p.first.Done()
		p.runCycle()
	}()

	p.log.Info().Dur("interval", p.interval).Msg("status poller started")
	return nil
}

// Stop cancels in-flight queries and waits for running cycles to return.
func (p *Poller) Stop() {
	p.cancel()
	<-p.cron.Stop().Done()
	p.first.Wait()

	p.subsMu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.subsMu.Unlock()

	p.log.Info().Msg("status poller stopped")
}

func (p *Poller) runCycle() {
	if err := p.PollOnce(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("status poll failed")
	}
}

// PollOnce refreshes every printer once. A printer whose previous query is
// still running is skipped and keeps its last status. The cycle returns when
// every query it started has resolved.
func (p *Poller) PollOnce(ctx context.Context) error {
	printers, err := p.store.ListPrinters(ctx)
	if err != nil {
		return err
	}

	known := make(map[int64]bool, len(printers))
	var wg sync.WaitGroup
	skipped := 0
	for _, printer := range printers {
		known[printer.ID] = true
		if !printer.Enabled {
			p.record(OfflineStatus(printer, reasonNoStatus))
			continue
		}
		if !p.claim(printer.ID) {
			skipped++
			continue
		}
		wg.Add(1)
		go func(printer *Printer) {
			defer wg.Done()
			defer p.release(printer.ID)
			p.record(p.fleet.Query(ctx, printer))
		}(printer)
	}
	wg.Wait()

	p.prune(known)
	if skipped > 0 {
		p.log.Debug().Int("skipped", skipped).Msg("printers still polling from previous cycle")
	}
	p.broadcast(p.Snapshot())
	return nil
}

func (p *Poller) claim(printerID int64) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if p.inflight[printerID] {
		return false
	}
	p.inflight[printerID] = true
	return true
}

func (p *Poller) release(printerID int64) {
	p.inflightMu.Lock()
	delete(p.inflight, printerID)
	p.inflightMu.Unlock()
}

func (p *Poller) record(status PrinterStatus) {
	p.mu.Lock()
	prev, seen := p.latest[status.PrinterID]
	p.latest[status.PrinterID] = status
	p.mu.Unlock()

	if !seen || (prev.State == status.State && prev.Online == status.Online) {
		return
	}
	p.notifier.PrinterStatusChanged(PrinterEvent{
		PrinterID: status.PrinterID,
		Name:      status.Name,
		OldState:  prev.State,
		NewState:  status.State,
		Online:    status.Online,
		Status:    status,
		Timestamp: status.CheckedAt,
	})
}

func (p *Poller) prune(known map[int64]bool) {
	p.mu.Lock()
	for id := range p.latest {
		if !known[id] {
			delete(p.latest, id)
		}
	}
	p.mu.Unlock()
}

// Snapshot returns the latest status of every printer ordered by id.
func (p *Poller) Snapshot() []PrinterStatus {
	p.mu.RLock()
	out := make([]PrinterStatus, 0, len(p.latest))
	for _, s := range p.latest {
		out = append(out, s)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PrinterID < out[j].PrinterID })
	return out
}

func (p *Poller) Latest(printerID int64) (PrinterStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.latest[printerID]
	return s, ok
}

// Subscribe returns a channel that receives the snapshot after every cycle.
// A slow reader only ever sees the newest snapshot.
func (p *Poller) Subscribe() (<-chan []PrinterStatus, func()) {
	ch := make(chan []PrinterStatus, 1)

	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.subsMu.Unlock()

	return ch, func() {
		p.subsMu.Lock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
		p.subsMu.Unlock()
	}
}

func (p *Poller) broadcast(snapshot []PrinterStatus) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	for _, ch := range p.subs {
		select {
		case ch <- snapshot:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
