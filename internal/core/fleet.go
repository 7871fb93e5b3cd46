package core

import (
	"context"
	"sync"
	"time"

	"github.com/orrn/printmux/internal/moonraker"
	"github.com/rs/zerolog"
)

const (
	defaultStatusTimeout = 8 * time.Second

	reasonNoStatus = "no status"
)

// Fleet reads live status from printers. It holds no state of its own apart
// from the web UI cache.
type Fleet struct {
	store   Store
	devices DeviceFactory
	webUIs  *WebUIDiscoverer
	timeout time.Duration
	log     zerolog.Logger
}

func NewFleet(store Store, devices DeviceFactory, webUIs *WebUIDiscoverer, timeout time.Duration, logger zerolog.Logger) *Fleet {
	if timeout <= 0 {
		timeout = defaultStatusTimeout
	}
	return &Fleet{
		store:   store,
		devices: devices,
		webUIs:  webUIs,
		timeout: timeout,
		log:     logger.With().Str("component", "fleet").Logger(),
	}
}

// Query asks one printer for its status. It always returns a status; a device
// that cannot be reached comes back offline with the reason as its message.
func (f *Fleet) Query(ctx context.Context, p *Printer) PrinterStatus {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var uis []WebUI
	var wg sync.WaitGroup
	if f.webUIs != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uis = f.webUIs.Discover(ctx, p.BaseURL)
		}()
	}

	status := f.query(ctx, p)
	wg.Wait()
	if uis != nil {
		status.WebUIs = uis
	}
	return status
}

func (f *Fleet) query(ctx context.Context, p *Printer) PrinterStatus {
	device := f.devices(p)

	info, err := device.PrinterInfo(ctx)
	if err != nil {
		f.log.Debug().Err(err).Int64("printer_id", p.ID).Msg("printer info failed")
		return OfflineStatus(p, offlineMessage(err))
	}

	objects, err := device.QueryObjects(ctx, moonraker.StatusObjects...)
	if err != nil {
		// The printer answered once; a failed objects query only loses detail.
		f.log.Debug().Err(err).Int64("printer_id", p.ID).Msg("objects query failed")
		objects = nil
	}

	status := Normalize(info, objects)
	status.PrinterID = p.ID
	status.Name = p.Name
	if !status.Online && status.Message == "" {
		status.Message = offlineMessage(moonraker.ErrMalformed)
	}
	return status
}

// QueryAll queries every enabled printer concurrently and returns once each
// call has resolved. Disabled printers are reported offline with "no status".
func (f *Fleet) QueryAll(ctx context.Context) ([]PrinterStatus, error) {
	printers, err := f.store.ListPrinters(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]PrinterStatus, len(printers))
	var wg sync.WaitGroup
	for i, p := range printers {
		if !p.Enabled {
			statuses[i] = OfflineStatus(p, reasonNoStatus)
			continue
		}
		wg.Add(1)
		go func(i int, p *Printer) {
			defer wg.Done()
			statuses[i] = f.Query(ctx, p)
		}(i, p)
	}
	wg.Wait()
	return statuses, nil
}

func offlineMessage(err error) string {
	if moonraker.KindOf(err) == moonraker.KindTimeout {
		return "Status timeout"
	}
	return err.Error()
}
