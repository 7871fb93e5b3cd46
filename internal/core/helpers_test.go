package core

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/orrn/printmux/internal/db"
	"github.com/orrn/printmux/internal/moonraker"
	"github.com/orrn/printmux/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	targets  []TargetEvent
	jobs     []JobEvent
	printers []PrinterEvent
}

func (n *recordingNotifier) TargetStatusChanged(ev TargetEvent) {
	n.mu.Lock()
	n.targets = append(n.targets, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) JobStatusChanged(ev JobEvent) {
	n.mu.Lock()
	n.jobs = append(n.jobs, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) PrinterStatusChanged(ev PrinterEvent) {
	n.mu.Lock()
	n.printers = append(n.printers, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) printerEvents() []PrinterEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]PrinterEvent(nil), n.printers...)
}

// fakeDevice records calls and answers with canned results. When hang is set
// every call waits for its context and reports a timeout.
type fakeDevice struct {
	mu      sync.Mutex
	uploads []string
	prints  []string
	calls   atomic.Int32

	uploadErr  error
	printErr   error
	infoErr    error
	objectsErr error
	info       []byte
	objects    []byte
	hang       bool
	release    chan struct{}
}

func (d *fakeDevice) wait(ctx context.Context, op string) error {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
		}
	}
	if d.hang {
		<-ctx.Done()
		return &moonraker.Error{Kind: moonraker.KindTimeout, Op: op, Reason: "deadline exceeded", Err: ctx.Err()}
	}
	return nil
}

func (d *fakeDevice) UploadFile(ctx context.Context, name string, r io.Reader) error {
	d.calls.Add(1)
	if err := d.wait(ctx, "upload"); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	d.mu.Lock()
	d.uploads = append(d.uploads, name)
	d.mu.Unlock()
	return d.uploadErr
}

func (d *fakeDevice) StartPrint(ctx context.Context, filename string) error {
	d.calls.Add(1)
	if err := d.wait(ctx, "print_start"); err != nil {
		return err
	}
	d.mu.Lock()
	d.prints = append(d.prints, filename)
	d.mu.Unlock()
	return d.printErr
}

func (d *fakeDevice) PrinterInfo(ctx context.Context) ([]byte, error) {
	d.calls.Add(1)
	if err := d.wait(ctx, "printer_info"); err != nil {
		return nil, err
	}
	if d.infoErr != nil {
		return nil, d.infoErr
	}
	if d.info == nil {
		return []byte(`{"result":{"state":"ready","state_message":"Printer is ready"}}`), nil
	}
	return d.info, nil
}

func (d *fakeDevice) QueryObjects(ctx context.Context, objects ...string) ([]byte, error) {
	d.calls.Add(1)
	if err := d.wait(ctx, "objects_query"); err != nil {
		return nil, err
	}
	if d.objectsErr != nil {
		return nil, d.objectsErr
	}
	return d.objects, nil
}

type testEnv struct {
	t          *testing.T
	raw        *db.Store
	store      *SQLStore
	files      *storage.Store
	notifier   *recordingNotifier
	reconciler *Reconciler

	mu        sync.Mutex
	devices   map[int64]Device
	factories atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	raw, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "core.db")})
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	files, err := storage.New(t.TempDir())
	require.NoError(t, err)

	store := NewSQLStore(raw)
	notifier := &recordingNotifier{}
	return &testEnv{
		t:          t,
		raw:        raw,
		store:      store,
		files:      files,
		notifier:   notifier,
		reconciler: NewReconciler(store, NewTargetTable(), notifier, zerolog.Nop()),
		devices:    make(map[int64]Device),
	}
}

func (e *testEnv) factory(p *Printer) Device {
	e.factories.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devices[p.ID]
}

func (e *testEnv) addPrinter(name, baseURL string, enabled bool, dev Device) int64 {
	e.t.Helper()
	p := &db.Printer{Name: name, BaseURL: baseURL, Enabled: enabled}
	require.NoError(e.t, e.raw.Printers.CreatePrinter(context.Background(), p))
	if dev != nil {
		e.mu.Lock()
		e.devices[p.ID] = dev
		e.mu.Unlock()
	}
	return p.ID
}

func (e *testEnv) addJob(name, body string) int64 {
	e.t.Helper()
	saved, err := e.files.Save(strings.NewReader(body), name)
	require.NoError(e.t, err)

	f := &db.File{OriginalFilename: name, StoragePath: saved.Path, FileHash: saved.Hash, Size: saved.Size}
	j := &db.Job{Status: string(JobPending), RequestedAction: string(ActionUpload)}
	require.NoError(e.t, e.raw.Jobs.CreateJobWithFile(context.Background(), f, j))
	return j.ID
}

func (e *testEnv) dispatcher(cfg DispatcherConfig) *Dispatcher {
	return NewDispatcher(e.store, e.files, e.factory, e.reconciler, cfg, zerolog.Nop())
}

func (e *testEnv) job(id int64) *Job {
	e.t.Helper()
	job, err := e.store.GetJob(context.Background(), id)
	require.NoError(e.t, err)
	return job
}

func (e *testEnv) target(jobID, printerID int64) *Target {
	e.t.Helper()
	target, err := e.store.GetTarget(context.Background(), jobID, printerID)
	require.NoError(e.t, err)
	return target
}
