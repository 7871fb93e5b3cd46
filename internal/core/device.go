package core

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/orrn/printmux/internal/moonraker"
)

// Device is the control surface of one printer as the engine uses it.
type Device interface {
	UploadFile(ctx context.Context, name string, r io.Reader) error
	StartPrint(ctx context.Context, filename string) error
	PrinterInfo(ctx context.Context) ([]byte, error)
	QueryObjects(ctx context.Context, objects ...string) ([]byte, error)
}

// DeviceFactory builds a Device for a printer's connection descriptor.
type DeviceFactory func(p *Printer) Device

// FileOpener opens a stored job file for streaming to a device.
type FileOpener interface {
	Open(path string) (io.ReadCloser, error)
}

type pooledClient struct {
	baseURL string
	apiKey  string
	client  *moonraker.Client
}

// ClientPool keeps one Moonraker client, and so one rate limiter, per printer.
// A client is rebuilt when the printer's address or credential changes.
type ClientPool struct {
	mu                sync.Mutex
	httpClient        *http.Client
	requestsPerSecond float64
	clients           map[int64]pooledClient
}

func NewClientPool(httpClient *http.Client, requestsPerSecond float64) *ClientPool {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ClientPool{
		httpClient:        httpClient,
		requestsPerSecond: requestsPerSecond,
		clients:           make(map[int64]pooledClient),
	}
}

func (c *ClientPool) Client(p *Printer) *moonraker.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pc, ok := c.clients[p.ID]; ok && pc.baseURL == p.BaseURL && pc.apiKey == p.APIKey {
		return pc.client
	}

	client := moonraker.NewClient(p.BaseURL, p.APIKey,
		moonraker.WithHTTPClient(c.httpClient),
		moonraker.WithRateLimit(c.requestsPerSecond),
	)
	c.clients[p.ID] = pooledClient{baseURL: p.BaseURL, apiKey: p.APIKey, client: client}
	return client
}

func (c *ClientPool) Device(p *Printer) Device {
	return c.Client(p)
}

// Forget drops the cached client of a deleted printer.
func (c *ClientPool) Forget(printerID int64) {
	c.mu.Lock()
	delete(c.clients, printerID)
	c.mu.Unlock()
}
