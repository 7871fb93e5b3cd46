package core

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultProbeTimeout = 2 * time.Second
	defaultWebUITTL     = 5 * time.Minute
)

// webUIPorts are probed on the printer's host next to its own origin.
var webUIPorts = []string{"4408", "80", "443"}

type cachedWebUIs struct {
	uis     []WebUI
	expires time.Time
}

// WebUIDiscoverer finds the browser front ends served next to a printer's API.
type WebUIDiscoverer struct {
	httpClient *http.Client
	timeout    time.Duration
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cachedWebUIs
}

func NewWebUIDiscoverer(httpClient *http.Client, timeout, ttl time.Duration) *WebUIDiscoverer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if ttl <= 0 {
		ttl = defaultWebUITTL
	}
	return &WebUIDiscoverer{
		httpClient: httpClient,
		timeout:    timeout,
		ttl:        ttl,
		cache:      make(map[string]cachedWebUIs),
	}
}

// Discover probes the candidate addresses in order and returns every one that
// answers with a page. Results are cached per base URL.
func (w *WebUIDiscoverer) Discover(ctx context.Context, baseURL string) []WebUI {
	w.mu.Lock()
	if c, ok := w.cache[baseURL]; ok && time.Now().Before(c.expires) {
		w.mu.Unlock()
		return c.uis
	}
	w.mu.Unlock()

	uis := []WebUI{}
	seen := make(map[string]bool)
	for _, candidate := range webUICandidates(baseURL) {
		found, ok := w.probe(ctx, candidate)
		if !ok {
			continue
		}
		key := canonicalOrigin(found.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		uis = append(uis, found)
	}

	w.mu.Lock()
	w.cache[baseURL] = cachedWebUIs{uis: uis, expires: time.Now().Add(w.ttl)}
	w.mu.Unlock()
	return uis
}

// Forget drops the cached result for a base URL.
func (w *WebUIDiscoverer) Forget(baseURL string) {
	w.mu.Lock()
	delete(w.cache, baseURL)
	w.mu.Unlock()
}

func (w *WebUIDiscoverer) probe(ctx context.Context, candidate string) (WebUI, bool) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return WebUI{}, false
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return WebUI{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return WebUI{}, false
	}

	final := candidate
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	title := ""
	if doc, err := goquery.NewDocumentFromReader(resp.Body); err == nil {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return WebUI{Label: webUILabel(title), URL: final}, true
}

func webUILabel(title string) string {
	lower := strings.ToLower(title)
	switch {
	case strings.Contains(lower, "mainsail"):
		return "Mainsail"
	case strings.Contains(lower, "fluidd"):
		return "Fluidd"
	case strings.Contains(lower, "klipper"):
		return "Klipper"
	}
	return "Web UI"
}

// webUICandidates lists the printer's origin followed by the well known front
// end ports on the same host and scheme, without duplicates.
func webUICandidates(baseURL string) []string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return nil
	}

	origin := u.Scheme + "://" + u.Host + "/"
	candidates := []string{origin}
	seen := map[string]bool{canonicalOrigin(origin): true}

	for _, port := range webUIPorts {
		c := u.Scheme + "://" + net.JoinHostPort(u.Hostname(), port) + "/"
		key := canonicalOrigin(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		candidates = append(candidates, c)
	}
	return candidates
}

// canonicalOrigin reduces a URL to scheme://host:port with the scheme's
// default port filled in, so http://h and http://h:80 compare equal.
func canonicalOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(net.JoinHostPort(u.Hostname(), port))
}
