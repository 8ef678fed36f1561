package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	ical "github.com/arran4/golang-ical"
	"golang.org/x/sync/errgroup"

	appLog "rentalsync/internal/log"
	"rentalsync/internal/model"
)

// Status is the outcome of fetching one platform feed.
type Status string

const (
	StatusOK            Status = "ok"
	StatusNotConfigured Status = "not_configured"
	StatusFetchFailed   Status = "fetch_failed"
)

// Source is one platform feed endpoint. An empty URL means the platform is
// not configured.
type Source struct {
	Platform model.Platform
	URL      string
}

// Document is a fetched and parsed feed, or the reason there is none.
// Calendar is non-nil only when Status is StatusOK.
type Document struct {
	Source    model.Platform
	URL       string
	Calendar  *ical.Calendar
	Status    Status
	Err       error
	FromCache bool // body reused from the disk cache (304 or upstream failure)
}

// OK reports whether the document can be extracted.
func (d Document) OK() bool { return d.Status == StatusOK && d.Calendar != nil }

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves platform feeds. With a cache directory it honors
// ETag / Last-Modified and falls back to the last good body when the
// platform is unreachable.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher whose requests are bounded by timeout.
// An empty cacheDir disables the disk cache.
func NewFetcher(timeout time.Duration, cacheDir string) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		cacheDir: cacheDir,
	}
}

// FetchAll fetches every source concurrently. The result has one slot per
// source, in input order; a failing source never affects the others.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) []Document {
	docs := make([]Document, len(sources))

	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			docs[i] = f.FetchOne(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	return docs
}

// FetchOne fetches and parses a single feed. Failures are logged and
// returned as a Document status, never as an error.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) Document {
	doc := Document{Source: src.Platform, URL: src.URL}

	if src.URL == "" {
		appLog.Warn("ics source not configured", "source", src.Platform)
		doc.Status = StatusNotConfigured
		return doc
	}

	body, fromCache, err := f.fetchBody(ctx, src)
	if err != nil {
		appLog.Error("ics fetch failed", err, "source", src.Platform, "url", redactURL(src.URL))
		doc.Status = StatusFetchFailed
		doc.Err = err
		return doc
	}

	cal, err := ParseCalendar(body)
	if err != nil {
		appLog.Error("ics parse failed", err, "source", src.Platform, "url", redactURL(src.URL))
		doc.Status = StatusFetchFailed
		doc.Err = fmt.Errorf("parse: %w", err)
		return doc
	}

	doc.Calendar = cal
	doc.Status = StatusOK
	doc.FromCache = fromCache
	return doc
}

// fetchBody performs the HTTP exchange, consulting the cache when enabled.
func (f *Fetcher) fetchBody(ctx context.Context, src Source) ([]byte, bool, error) {
	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(src.URL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return nil, false, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, false, err
	}
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "source", src.Platform, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "source", src.Platform, "url", redactURL(src.URL))
			return cachedBody, true, nil
		}
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, false, readErr
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          src.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("ics cache save failed", err, "source", src.Platform, "url", redactURL(src.URL))
			}
		}
		appLog.Info("ics fetch success", "source", src.Platform, "url", redactURL(src.URL), "bytes", len(body))
		return body, false, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, false, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "source", src.Platform, "url", redactURL(src.URL))
		return cachedBody, true, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "source", src.Platform, "url", redactURL(src.URL), "status", resp.StatusCode)
			return cachedBody, true, nil
		}
		return nil, false, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// First 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host; platform export links carry
// their access token in the path or query.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	return u[:j] + redactedSuffix
}
