package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/orrn/printmux/internal/config"
	"github.com/orrn/printmux/internal/core"
	"github.com/orrn/printmux/internal/db"
	"github.com/orrn/printmux/internal/retention"
	"github.com/orrn/printmux/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := RegisterValidators(); err != nil {
		panic(err)
	}
}

type dispatchCall struct {
	jobID      int64
	printerIDs []int64
	action     core.Action
}

type fakeDispatcher struct {
	mu       sync.Mutex
	err      error
	calls    []dispatchCall
	accepted func(jobID int64)
}

func (f *fakeDispatcher) DispatchAsync(_ context.Context, jobID int64, printerIDs []int64, action core.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{jobID: jobID, printerIDs: printerIDs, action: action})
	if f.err == nil && f.accepted != nil {
		f.accepted(jobID)
	}
	return f.err
}

type fakeTester struct {
	err    error
	tested []int64
}

func (f *fakeTester) Test(w *db.Webhook) error {
	f.tested = append(f.tested, w.ID)
	return f.err
}

type fakeRotator struct {
	key string
}

func (f *fakeRotator) Rotate(context.Context) (string, error) {
	return f.key, nil
}

type testEnv struct {
	store      *db.Store
	files      *storage.Store
	dispatcher *fakeDispatcher
	tester     *fakeTester
	device     *httptest.Server
	router     *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := db.Open(db.Config{Path: filepath.Join(dir, "printmux.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	files, err := storage.New(filepath.Join(dir, "files"))
	require.NoError(t, err)

	device := httptest.NewServer(fakeMoonraker())
	t.Cleanup(device.Close)

	env := &testEnv{
		store:      store,
		files:      files,
		dispatcher: &fakeDispatcher{},
		tester:     &fakeTester{},
		device:     device,
	}

	logger := zerolog.Nop()
	pool := core.NewClientPool(device.Client(), 0)
	fleet := core.NewFleet(core.NewSQLStore(store), pool.Device, nil, 0, logger)
	pruner := retention.NewPruner(store, files, 30, logger)
	cfg := config.Default()

	r := gin.New()
	api := r.Group("/api")
	NewPrinterHandler(store, fleet, nil, pool, logger).RegisterRoutes(api)
	NewJobHandler(store, files, env.dispatcher, logger).RegisterRoutes(api)
	NewWebhookHandler(store, env.tester).RegisterRoutes(api)
	NewSettingsHandler(cfg, files, pruner, &fakeRotator{key: "rotated-key"}, logger).RegisterRoutes(api)
	NewDashboardHandler(store, fleet, nil).RegisterRoutes(api)
	compat := NewCompatHandler(store, files, logger)
	compat.RegisterOctoPrintRoutes(api)
	compat.RegisterMoonrakerRoutes(r.Group("/"))
	env.router = r

	return env
}

// fakeMoonraker answers the device calls the handlers make. Moving files is
// refused so the error mapping can be observed.
func fakeMoonraker() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/printer/info", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":{"state":"ready","state_message":"Printer is ready"}}`)
	})
	mux.HandleFunc("/printer/objects/query", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":{"status":{"print_stats":{"state":"standby"},"webhooks":{"state":"ready"}}}}`)
	})
	mux.HandleFunc("/printer/objects/list", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":{"objects":["print_stats","webhooks"]}}`)
	})
	mux.HandleFunc("/server/info", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":503,"message":"klippy not ready"}}`, http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/server/files/list", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":[{"path":"a.gcode","size":10,"modified":2,"permissions":"rw"}]}`)
	})
	mux.HandleFunc("/server/files/directory", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":{
			"dirs":[{"dirname":"sub","modified":1,"size":0,"permissions":"rw"}],
			"files":[{"filename":"B.gcode","modified":3,"size":20,"permissions":"rw"},{"filename":"a.gcode","modified":2,"size":10,"permissions":"rw"}]
		}}`)
	})
	mux.HandleFunc("/server/files/gcodes/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":{"item":{"path":"a.gcode","root":"gcodes"}}}`)
	})
	mux.HandleFunc("/server/files/move", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":400,"message":"destination exists"}}`, http.StatusBadRequest)
	})
	mux.HandleFunc("/printer/print/start", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":"ok"}`)
	})
	return mux
}

func (e *testEnv) do(method, target string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) upload(target string, fields map[string]string, filename, content string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if filename != "" {
		part, _ := mw.CreateFormFile("file", filename)
		io.Copy(part, strings.NewReader(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) addPrinter(t *testing.T, name string, enabled bool) int64 {
	t.Helper()
	p := &db.Printer{Name: name, BaseURL: e.device.URL, Enabled: enabled}
	require.NoError(t, e.store.Printers.CreatePrinter(context.Background(), p))
	return p.ID
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
