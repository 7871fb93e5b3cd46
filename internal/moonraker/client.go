// Package moonraker talks to Klipper printers through the Moonraker HTTP API.
package moonraker

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultRoot = "gcodes"

	maxResponseBytes = 8 << 20
	maxReasonBytes   = 512
)

// StatusObjects are the printer objects a status query asks for.
var StatusObjects = []string{"print_stats", "webhooks", "virtual_sdcard", "display_status"}

// Client is bound to one device. It sets no timeout of its own; every call is
// bounded by the deadline of the context passed in.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit caps calls to the device. Zero disables the limiter.
func WithRateLimit(requestsPerSecond float64) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// UploadFile streams r to the device's gcodes root under name. An existing file
// with the same name is overwritten by the device.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUpload(mw, name, r))
	}()

	_, err := c.do(ctx, "upload", http.MethodPost, "/server/files/upload", nil, pr, mw.FormDataContentType())
	return err
}

func writeUpload(mw *multipart.Writer, name string, r io.Reader) error {
	if err := mw.WriteField("root", DefaultRoot); err != nil {
		return errors.Wrap(err, "write root field")
	}
	if err := mw.WriteField("path", name); err != nil {
		return errors.Wrap(err, "write path field")
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return errors.Wrap(err, "create file part")
	}
	if _, err := io.Copy(part, r); err != nil {
		return errors.Wrap(err, "copy file body")
	}
	return mw.Close()
}

func (c *Client) StartPrint(ctx context.Context, filename string) error {
	form := url.Values{"filename": {filename}}
	_, err := c.do(ctx, "print_start", http.MethodPost, "/printer/print/start", nil,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	return err
}

func (c *Client) PrinterInfo(ctx context.Context) ([]byte, error) {
	return c.do(ctx, "printer_info", http.MethodGet, "/printer/info", nil, nil, "")
}

func (c *Client) ServerInfo(ctx context.Context) ([]byte, error) {
	return c.do(ctx, "server_info", http.MethodGet, "/server/info", nil, nil, "")
}

func (c *Client) ListObjects(ctx context.Context) ([]byte, error) {
	return c.do(ctx, "objects_list", http.MethodGet, "/printer/objects/list", nil, nil, "")
}

// QueryObjects posts a structured objects query, which firmware variants parse
// more consistently than the query-string form.
func (c *Client) QueryObjects(ctx context.Context, objects ...string) ([]byte, error) {
	wanted := make(map[string]any, len(objects))
	for _, name := range objects {
		wanted[name] = nil
	}
	payload, err := json.Marshal(map[string]any{"objects": wanted})
	if err != nil {
		return nil, errors.Wrap(err, "encode objects query")
	}
	return c.do(ctx, "objects_query", http.MethodPost, "/printer/objects/query", nil,
		strings.NewReader(string(payload)), "application/json")
}

func (c *Client) ListFiles(ctx context.Context, root string) ([]FileInfo, error) {
	if root == "" {
		root = DefaultRoot
	}
	body, err := c.do(ctx, "files_list", http.MethodGet, "/server/files/list", url.Values{"root": {root}}, nil, "")
	if err != nil {
		return nil, err
	}
	return parseFileList(body), nil
}

// GetDirectory returns the raw "result" object of a directory listing.
func (c *Client) GetDirectory(ctx context.Context, path string, extended bool) ([]byte, error) {
	query := url.Values{"path": {path}, "extended": {boolString(extended)}}
	body, err := c.do(ctx, "files_directory", http.MethodGet, "/server/files/directory", query, nil, "")
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "result")
	if !result.Exists() {
		return []byte("{}"), nil
	}
	return []byte(result.Raw), nil
}

func (c *Client) DeleteFile(ctx context.Context, root, filename string) error {
	if root == "" {
		root = DefaultRoot
	}
	_, err := c.do(ctx, "files_delete", http.MethodDelete,
		"/server/files/"+url.PathEscape(root)+"/"+escapePath(filename), nil, nil, "")
	return err
}

func (c *Client) DeleteDirectory(ctx context.Context, path string, force bool) error {
	query := url.Values{"path": {path}, "force": {boolString(force)}}
	_, err := c.do(ctx, "directory_delete", http.MethodDelete, "/server/files/directory", query, nil, "")
	return err
}

func (c *Client) MovePath(ctx context.Context, source, dest string) error {
	query := url.Values{"source": {source}, "dest": {dest}}
	_, err := c.do(ctx, "files_move", http.MethodPost, "/server/files/move", query, nil, "")
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if body != nil {
				closeBody(body)
			}
			return nil, &Error{Kind: KindTimeout, Op: op, Reason: "rate limit wait exceeded deadline", Err: err}
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		if body != nil {
			closeBody(body)
		}
		return nil, &Error{Kind: KindUnreachable, Op: op, Reason: err.Error(), Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(op, err)
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{Kind: KindRejected, Op: op, StatusCode: resp.StatusCode, Reason: reason(resp.Status, data)}
	}

	if len(data) > 0 && !gjson.ValidBytes(data) {
		return nil, &Error{Kind: KindMalformed, Op: op, StatusCode: resp.StatusCode, Reason: "response is not valid JSON"}
	}
	return data, nil
}

func reason(status string, body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return status
	}
	if len(text) > maxReasonBytes {
		text = text[:maxReasonBytes]
	}
	return text
}

func closeBody(r io.Reader) {
	if rc, ok := r.(io.Closer); ok {
		rc.Close()
	}
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
