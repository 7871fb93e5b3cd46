package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/rs/zerolog"
)

type Event string

const (
	EventTargetStatusChanged  Event = "target_status_changed"
	EventJobStatusChanged     Event = "job_status_changed"
	EventPrinterStatusChanged Event = "printer_status_changed"
)

// Events lists every event a webhook may subscribe to.
var Events = []Event{EventTargetStatusChanged, EventJobStatusChanged, EventPrinterStatusChanged}

func ValidEvent(name string) bool {
	for _, e := range Events {
		if string(e) == name {
			return true
		}
	}
	return false
}

type Payload struct {
	Event     string      `json:"event"`
	Delivery  string      `json:"delivery_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type Config struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

// Registry is the webhook storage the sender reads on every event.
type Registry interface {
	ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*db.Webhook, error)
	GetWebhookByID(ctx context.Context, id int64) (*db.Webhook, error)
}

type event struct {
	name Event
	data interface{}
	at   time.Time
}

type task struct {
	webhookID int64
	payload   *Payload
	attempt   int
}

// Sender delivers status events to the registered webhooks. It implements
// core.Notifier. Notifying only queues the event; subscribers are looked up
// off the caller's goroutine and a full queue drops the event.
type Sender struct {
	registry    Registry
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	events      chan *event
	queue       chan *task
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	log         zerolog.Logger
}

var _ core.Notifier = (*Sender)(nil)

func NewSender(registry Registry, config Config, logger zerolog.Logger) *Sender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}

	return &Sender{
		registry: registry,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryCount:  config.RetryCount,
		retryDelay:  config.RetryDelay,
		workerCount: config.WorkerCount,
		events:      make(chan *event, config.QueueSize),
		queue:       make(chan *task, config.QueueSize),
		stopCh:      make(chan struct{}),
		log:         logger.With().Str("component", "webhook").Logger(),
	}
}

func (s *Sender) Start() {
	s.wg.Add(1)
	go s.fanout()
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sender) TargetStatusChanged(ev core.TargetEvent) {
	s.enqueue(EventTargetStatusChanged, ev)
}

func (s *Sender) JobStatusChanged(ev core.JobEvent) {
	s.enqueue(EventJobStatusChanged, ev)
}

func (s *Sender) PrinterStatusChanged(ev core.PrinterEvent) {
	s.enqueue(EventPrinterStatusChanged, ev)
}

func (s *Sender) enqueue(name Event, data interface{}) {
	select {
	case s.events <- &event{name: name, data: data, at: time.Now()}:
	default:
		s.log.Warn().Str("event", string(name)).Msg("event queue full, dropping event")
	}
}

// fanout turns each queued event into one delivery task per subscribed webhook.
func (s *Sender) fanout() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.events:
			s.resolve(ev)
		}
	}
}

func (s *Sender) resolve(ev *event) {
	webhooks, err := s.registry.ListActiveWebhooksForEvent(context.Background(), string(ev.name))
	if err != nil {
		s.log.Error().Err(err).Str("event", string(ev.name)).Msg("failed to get webhooks for event")
		return
	}

	for _, w := range webhooks {
		t := &task{
			webhookID: w.ID,
			payload: &Payload{
				Event:     string(ev.name),
				Delivery:  uuid.NewString(),
				Timestamp: ev.at,
				Data:      ev.data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.log.Warn().Int64("webhook_id", w.ID).Str("event", string(ev.name)).Msg("queue full, dropping webhook")
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.log.Warn().
					Err(err).
					Int("worker", id).
					Int64("webhook_id", t.webhookID).
					Str("event", t.payload.Event).
					Int("attempts", t.attempt).
					Msg("failed to deliver webhook")
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	webhook, err := s.registry.GetWebhookByID(context.Background(), t.webhookID)
	if err != nil {
		return fmt.Errorf("get webhook: %w", err)
	}

	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.send(webhook, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.clientError() {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.log.Debug().
				Err(err).
				Int64("webhook_id", webhook.ID).
				Int("attempt", t.attempt).
				Dur("backoff", backoff).
				Msg("retrying webhook")

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) send(webhook *db.Webhook, payload *Payload) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	signature := ""
	if webhook.Secret != "" {
		signature = Sign(data, webhook.Secret)
	}
	body, err := json.Marshal(Payload{
		Event:     payload.Event,
		Delivery:  payload.Delivery,
		Timestamp: payload.Timestamp,
		Data:      json.RawMessage(data),
		Signature: signature,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	req.Header.Set("X-Webhook-Delivery", payload.Delivery)
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Test delivers a single ping event to w without retrying.
func (s *Sender) Test(w *db.Webhook) error {
	return s.send(w, &Payload{
		Event:     "ping",
		Delivery:  uuid.NewString(),
		Timestamp: time.Now(),
		Data:      map[string]string{"message": "printmux webhook test"},
	})
}

// Sign returns the hex HMAC-SHA256 of the event data under secret.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func (e *statusError) clientError() bool {
	return e.code >= 400 && e.code < 500
}
