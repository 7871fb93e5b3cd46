package moonraker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadFileSendsMultipart(t *testing.T) {
	var gotName, gotRoot, gotBody, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/server/files/upload", r.URL.Path)
		gotKey = r.Header.Get("X-Api-Key")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotRoot = r.FormValue("root")
		gotName = r.FormValue("path")
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		gotBody = string(data)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"result":{"item":{"path":"cube.gcode"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	err := c.UploadFile(context.Background(), "cube.gcode", strings.NewReader("G28\n"))
	require.NoError(t, err)

	assert.Equal(t, "gcodes", gotRoot)
	assert.Equal(t, "cube.gcode", gotName)
	assert.Equal(t, "G28\n", gotBody)
	assert.Equal(t, "secret", gotKey)
}

func TestStartPrintRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cube.gcode", r.PostForm.Get("filename"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"Printer busy"}}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").StartPrint(context.Background(), "cube.gcode")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadRequest, de.StatusCode)
	assert.Equal(t, "Printer busy", de.Reason)
	assert.Equal(t, KindRejected, KindOf(err))
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL, "").PrinterInfo(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "").ServerInfo(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").PrinterInfo(context.Background())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestQueryObjectsPostsStructuredPayload(t *testing.T) {
	var payload string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		data, _ := io.ReadAll(r.Body)
		payload = string(data)
		w.Write([]byte(`{"result":{"status":{}}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").QueryObjects(context.Background(), "print_stats", "webhooks")
	require.NoError(t, err)
	assert.JSONEq(t, `{"objects":{"print_stats":null,"webhooks":null}}`, payload)
}

func TestListFilesSkipsEntriesWithoutPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gcodes", r.URL.Query().Get("root"))
		w.Write([]byte(`{"result":[{"path":"a.gcode","size":10,"modified":1.5},{"size":3}]}`))
	}))
	defer srv.Close()

	files, err := NewClient(srv.URL, "").ListFiles(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, FileInfo{Path: "a.gcode", Size: 10, Modified: 1.5}, files[0])
}

func TestDeleteAndMovePaths(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.EscapedPath()+"?"+r.URL.RawQuery)
		w.Write([]byte(`{"result":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := context.Background()
	require.NoError(t, c.DeleteFile(ctx, "gcodes", "sub/my part.gcode"))
	require.NoError(t, c.DeleteDirectory(ctx, "gcodes/old", true))
	require.NoError(t, c.MovePath(ctx, "gcodes/a.gcode", "gcodes/b.gcode"))

	require.Len(t, seen, 3)
	assert.Equal(t, "DELETE /server/files/gcodes/sub/my%20part.gcode?", seen[0])
	assert.Equal(t, "DELETE /server/files/directory?force=true&path=gcodes%2Fold", seen[1])
	assert.Equal(t, "POST /server/files/move?dest=gcodes%2Fb.gcode&source=gcodes%2Fa.gcode", seen[2])
}

func TestRateLimitCountsAgainstDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithRateLimit(0.5))
	_, err := c.ServerInfo(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ServerInfo(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}
