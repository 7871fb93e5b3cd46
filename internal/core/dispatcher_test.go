package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/orrn/printmux/internal/moonraker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	ctx := context.Background()
	jobID := env.addJob("part.gcode", "G28")
	printerID := env.addPrinter("a", "http://a", true, &fakeDevice{})

	assert.ErrorIs(t, d.Dispatch(ctx, jobID, nil, ActionUpload), ErrNoPrinters)
	assert.ErrorIs(t, d.Dispatch(ctx, jobID, []int64{printerID}, Action("reprint")), ErrInvalidAction)
	assert.ErrorIs(t, d.Dispatch(ctx, 4242, []int64{printerID}, ActionUpload), ErrJobNotFound)

	assert.Zero(t, env.factories.Load())
	assert.Empty(t, env.job(jobID).Targets)
}

func TestDispatchToDisabledPrinterMakesNoCall(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	dev := &fakeDevice{}
	printerID := env.addPrinter("off", "http://off", false, dev)
	jobID := env.addJob("part.gcode", "G28")

	require.NoError(t, d.Dispatch(context.Background(), jobID, []int64{printerID}, ActionPrint))

	target := env.target(jobID, printerID)
	assert.Equal(t, TargetFailed, target.Status)
	assert.Equal(t, "printer disabled", target.Error)
	assert.Equal(t, JobFailed, env.job(jobID).Status)
	assert.Zero(t, env.factories.Load())
	assert.Zero(t, dev.calls.Load())
}

func TestDispatchToUnknownPrinter(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	jobID := env.addJob("part.gcode", "G28")

	require.NoError(t, d.Dispatch(context.Background(), jobID, []int64{999}, ActionUpload))

	target := env.target(jobID, 999)
	assert.Equal(t, TargetFailed, target.Status)
	assert.Equal(t, "printer not found", target.Error)
}

func TestUploadOnlyToHealthyPrinters(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	a, c := &fakeDevice{}, &fakeDevice{}
	aID := env.addPrinter("a", "http://a", true, a)
	cID := env.addPrinter("c", "http://c", true, c)
	jobID := env.addJob("benchy.gcode", "G28\nG1 X10")

	require.NoError(t, d.Dispatch(context.Background(), jobID, []int64{aID, cID, aID}, ActionUpload))

	job := env.job(jobID)
	assert.Equal(t, JobCompleted, job.Status)
	require.Len(t, job.Targets, 2)
	for _, target := range job.Targets {
		assert.Equal(t, TargetUploaded, target.Status)
	}
	assert.Equal(t, []string{"benchy.gcode"}, a.uploads)
	assert.Equal(t, []string{"benchy.gcode"}, c.uploads)
	assert.Empty(t, a.prints)
}

func TestPrintWithOneUnreachablePrinter(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	unreachable := &moonraker.Error{Kind: moonraker.KindUnreachable, Op: "upload", Reason: "connection refused"}
	a := &fakeDevice{}
	b := &fakeDevice{uploadErr: unreachable}
	aID := env.addPrinter("a", "http://a", true, a)
	bID := env.addPrinter("b", "http://b", true, b)
	jobID := env.addJob("benchy.gcode", "G28")

	require.NoError(t, d.Dispatch(context.Background(), jobID, []int64{aID, bID}, ActionPrint))

	assert.Equal(t, TargetPrinting, env.target(jobID, aID).Status)
	failed := env.target(jobID, bID)
	assert.Equal(t, TargetFailed, failed.Status)
	assert.Equal(t, unreachable.Error(), failed.Error)
	assert.Equal(t, JobPartial, env.job(jobID).Status)
	assert.Equal(t, []string{"benchy.gcode"}, a.prints)
	assert.Empty(t, b.prints)

	job := env.job(jobID)
	assert.Equal(t, ActionPrint, job.Action)
}

func TestPrintStartFailureKeepsUploadContext(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	rejected := &moonraker.Error{Kind: moonraker.KindRejected, Op: "print_start", StatusCode: 400, Reason: "Printer not ready"}
	dev := &fakeDevice{printErr: rejected}
	printerID := env.addPrinter("a", "http://a", true, dev)
	jobID := env.addJob("benchy.gcode", "G28")

	require.NoError(t, d.Dispatch(context.Background(), jobID, []int64{printerID}, ActionPrint))

	target := env.target(jobID, printerID)
	assert.Equal(t, TargetFailed, target.Status)
	assert.Equal(t, PrintStartFailedPrefix+rejected.Error(), target.Error)
	assert.Equal(t, []string{"benchy.gcode"}, dev.uploads)
}

func TestTimeoutDoesNotBlockOtherTargets(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{UploadTimeout: 100 * time.Millisecond})
	slow := &fakeDevice{hang: true}
	fast := &fakeDevice{}
	slowID := env.addPrinter("slow", "http://slow", true, slow)
	fastID := env.addPrinter("fast", "http://fast", true, fast)
	jobID := env.addJob("part.gcode", "G28")

	start := time.Now()
	require.NoError(t, d.Dispatch(context.Background(), jobID, []int64{slowID, fastID}, ActionUpload))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, TargetUploaded, env.target(jobID, fastID).Status)
	timedOut := env.target(jobID, slowID)
	assert.Equal(t, TargetFailed, timedOut.Status)
	assert.Contains(t, timedOut.Error, moonraker.ErrTimeout.Error())
	assert.Equal(t, JobPartial, env.job(jobID).Status)
}

func TestSlowTargetDoesNotDelayFastOne(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	slow := &fakeDevice{release: make(chan struct{})}
	fast := &fakeDevice{}
	slowID := env.addPrinter("slow", "http://slow", true, slow)
	fastID := env.addPrinter("fast", "http://fast", true, fast)
	jobID := env.addJob("part.gcode", "G28")

	require.NoError(t, d.DispatchAsync(context.Background(), jobID, []int64{slowID, fastID}, ActionUpload))

	require.Eventually(t, func() bool {
		return env.target(jobID, fastID).Status == TargetUploaded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, TargetDispatching, env.target(jobID, slowID).Status)
	assert.Equal(t, JobDispatching, env.job(jobID).Status)

	close(slow.release)
	d.Wait()
	assert.Equal(t, JobCompleted, env.job(jobID).Status)
}

func TestDispatchRefusesTargetAlreadyInFlight(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	dev := &fakeDevice{release: make(chan struct{})}
	printerID := env.addPrinter("a", "http://a", true, dev)
	jobID := env.addJob("part.gcode", "G28")
	ctx := context.Background()

	require.NoError(t, d.DispatchAsync(ctx, jobID, []int64{printerID}, ActionUpload))
	assert.ErrorIs(t, d.DispatchAsync(ctx, jobID, []int64{printerID}, ActionPrint), ErrAlreadyInFlight)

	close(dev.release)
	d.Wait()
	assert.Equal(t, TargetUploaded, env.target(jobID, printerID).Status)
	assert.Equal(t, ActionUpload, env.job(jobID).Action)
}

func TestRedispatchResetsFailedTarget(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	dev := &fakeDevice{uploadErr: &moonraker.Error{Kind: moonraker.KindUnreachable, Op: "upload", Reason: "no route to host"}}
	printerID := env.addPrinter("a", "http://a", true, dev)
	jobID := env.addJob("part.gcode", "G28")
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, jobID, []int64{printerID}, ActionUpload))
	assert.Equal(t, JobFailed, env.job(jobID).Status)

	dev.uploadErr = nil
	require.NoError(t, d.Dispatch(ctx, jobID, []int64{printerID}, ActionUpload))

	job := env.job(jobID)
	require.Len(t, job.Targets, 1)
	assert.Equal(t, TargetUploaded, job.Targets[0].Status)
	assert.Empty(t, job.Targets[0].Error)
	assert.Equal(t, JobCompleted, job.Status)

	var seen []TargetStatus
	env.notifier.mu.Lock()
	for _, ev := range env.notifier.targets {
		seen = append(seen, ev.NewStatus)
	}
	env.notifier.mu.Unlock()
	assert.Equal(t, []TargetStatus{
		TargetPending, TargetDispatching, TargetFailed,
		TargetPending, TargetDispatching, TargetUploaded,
	}, seen)
}

func TestRecoverFailsInterruptedTargets(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(DispatcherConfig{})
	ctx := context.Background()
	a := env.addPrinter("a", "http://a", true, nil)
	b := env.addPrinter("b", "http://b", true, nil)
	jobID := env.addJob("part.gcode", "G28")

	unlock := env.reconciler.table.Lock(jobID)
	require.NoError(t, env.reconciler.resetLocked(ctx, jobID, a, TargetPending, ""))
	require.NoError(t, env.reconciler.transitionLocked(ctx, jobID, a, TargetDispatching, ""))
	require.NoError(t, env.reconciler.resetLocked(ctx, jobID, b, TargetPending, ""))
	require.NoError(t, env.reconciler.transitionLocked(ctx, jobID, b, TargetDispatching, ""))
	require.NoError(t, env.reconciler.transitionLocked(ctx, jobID, b, TargetUploaded, ""))
	unlock()

	n, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	target := env.target(jobID, a)
	assert.Equal(t, TargetFailed, target.Status)
	assert.Equal(t, "dispatch interrupted by restart", target.Error)
	assert.Equal(t, TargetUploaded, env.target(jobID, b).Status)
	assert.Equal(t, JobPartial, env.job(jobID).Status)
}

func TestDispatchOverHTTP(t *testing.T) {
	var mu sync.Mutex
	var uploaded, content, printed string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/server/files/upload":
			file, header, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			body, _ := io.ReadAll(file)
			mu.Lock()
			uploaded, content = header.Filename, string(body)
			mu.Unlock()
			w.Write([]byte(`{"result":{"item":{"path":"benchy.gcode","root":"gcodes"},"action":"create_file"}}`))
		case "/printer/print/start":
			r.ParseForm()
			mu.Lock()
			printed = r.FormValue("filename")
			mu.Unlock()
			w.Write([]byte(`{"result":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	env := newTestEnv(t)
	pool := NewClientPool(srv.Client(), 0)
	d := NewDispatcher(env.store, env.files, pool.Device, env.reconciler, DispatcherConfig{}, zerolog.Nop())
	printerID := env.addPrinter("voron", srv.URL, true, nil)
	jobID := env.addJob("benchy.gcode", "G28\nG1 X10 Y10")

	require.NoError(t, d.Dispatch(context.Background(), jobID, []int64{printerID}, ActionPrint))

	assert.Equal(t, TargetPrinting, env.target(jobID, printerID).Status)
	assert.Equal(t, JobCompleted, env.job(jobID).Status)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "benchy.gcode", uploaded)
	assert.Equal(t, "G28\nG1 X10 Y10", content)
	assert.Equal(t, "benchy.gcode", printed)
}

// failingStore makes chosen lookups and writes fail for one printer.
type failingStore struct {
	*SQLStore
	printerErr map[int64]error
	upsertErr  map[int64]error
}

func (s *failingStore) GetPrinter(ctx context.Context, id int64) (*Printer, error) {
	if err := s.printerErr[id]; err != nil {
		return nil, err
	}
	return s.SQLStore.GetPrinter(ctx, id)
}

func (s *failingStore) UpsertTarget(ctx context.Context, jobID, printerID int64, status TargetStatus, msg string) error {
	if err := s.upsertErr[printerID]; err != nil {
		return err
	}
	return s.SQLStore.UpsertTarget(ctx, jobID, printerID, status, msg)
}

func TestDispatchLookupFailureLeavesNoTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := &fakeDevice{}, &fakeDevice{}
	aID := env.addPrinter("a", "http://a", true, a)
	bID := env.addPrinter("b", "http://b", true, b)
	jobID := env.addJob("part.gcode", "G28")

	store := &failingStore{SQLStore: env.store, printerErr: map[int64]error{bID: errors.New("database is locked")}}
	reconciler := NewReconciler(store, NewTargetTable(), env.notifier, zerolog.Nop())
	d := NewDispatcher(store, env.files, env.factory, reconciler, DispatcherConfig{}, zerolog.Nop())

	err := d.Dispatch(ctx, jobID, []int64{aID, bID}, ActionUpload)
	require.EqualError(t, err, "database is locked")

	job := env.job(jobID)
	assert.Empty(t, job.Targets)
	assert.Equal(t, JobPending, job.Status)
	assert.Zero(t, a.calls.Load())

	require.NoError(t, d.Dispatch(ctx, jobID, []int64{aID}, ActionUpload))
	assert.Equal(t, TargetUploaded, env.target(jobID, aID).Status)
	assert.Equal(t, JobCompleted, env.job(jobID).Status)
}

func TestDispatchWriteFailureFailsAcceptedTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := &fakeDevice{}, &fakeDevice{}
	aID := env.addPrinter("a", "http://a", true, a)
	bID := env.addPrinter("b", "http://b", true, b)
	jobID := env.addJob("part.gcode", "G28")

	store := &failingStore{SQLStore: env.store, upsertErr: map[int64]error{bID: errors.New("disk I/O error")}}
	reconciler := NewReconciler(store, NewTargetTable(), env.notifier, zerolog.Nop())
	d := NewDispatcher(store, env.files, env.factory, reconciler, DispatcherConfig{}, zerolog.Nop())

	err := d.Dispatch(ctx, jobID, []int64{aID, bID}, ActionUpload)
	require.EqualError(t, err, "disk I/O error")

	target := env.target(jobID, aID)
	assert.Equal(t, TargetFailed, target.Status)
	assert.Equal(t, "dispatch aborted: disk I/O error", target.Error)
	assert.Equal(t, JobFailed, env.job(jobID).Status)
	assert.Zero(t, a.calls.Load())

	store.upsertErr = nil
	require.NoError(t, d.Dispatch(ctx, jobID, []int64{aID, bID}, ActionUpload))
	assert.Equal(t, JobCompleted, env.job(jobID).Status)
}
