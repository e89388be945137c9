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
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "calfeed/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	// maxBodyBytes bounds a single feed; bodies are buffered whole before
	// parsing.
	maxBodyBytes = 32 << 20
)

// Source is one subscribed calendar feed.
type Source struct {
	ID   string
	Name string
	URL  string
}

// FetchResult is a fully buffered feed body.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool
	FetchedAt time.Time
}

// cacheMeta is stored next to the cached body of a feed URL.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests and keeps the last good
// body on disk so an unreachable feed still ingests.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a Fetcher caching under cacheDir ("./var/ics-cache"
// when empty). A zero timeout means 15s.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// FetchAll fetches sources one after another. Failed sources are logged and
// reported in the error slice; results only hold usable bodies.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	var errs []error

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", src.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// FetchOne fetches a single feed honoring ETag and Last-Modified.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	target, err := normalizeFeedURL(src.URL)
	if err != nil {
		return FetchResult{}, err
	}

	dir := f.cacheDirFor(target)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return FetchResult{}, err
	}
	meta, _ := readCacheMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	fromCache := func(reason string, cause error) (FetchResult, error) {
		if len(cached) == 0 {
			return FetchResult{}, cause
		}
		appLog.Error("ics fetch failed, using cached body", cause, "id", src.ID, "url", redactURL(target), "reason", reason)
		return FetchResult{Source: src, Body: cached, FromCache: true, FetchedAt: meta.UpdatedAt}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if meta.URL == target {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(target))

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FetchResult{}, ctx.Err()
		}
		return fromCache("network", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return fromCache("read", err)
		}
		if len(body) > maxBodyBytes {
			return fromCache("size", fmt.Errorf("feed body exceeds %d bytes", maxBodyBytes))
		}

		now := time.Now().UTC()
		next := cacheMeta{
			URL:          target,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    now,
		}
		if err := writeCache(dir, next, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(target))
		}
		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(target), "bytes", len(body))
		return FetchResult{Source: src, Body: body, FetchedAt: now}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, errors.New("304 Not Modified without cached body")
		}
		appLog.Info("ics fetch not modified", "id", src.ID, "url", redactURL(target))
		return FetchResult{Source: src, Body: cached, FromCache: true, FetchedAt: meta.UpdatedAt}, nil

	default:
		return fromCache("status", errors.New(resp.Status))
	}
}

// normalizeFeedURL accepts http(s) and webcal(s) URLs.
func normalizeFeedURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("feed URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("feed URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "webcal", "webcals":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported feed URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (f *Fetcher) cacheDirFor(target string) string {
	sum := sha256.Sum256([]byte(target))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func readCacheMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// writeCache stores the body before the metadata so metadata never points
// at a missing body.
func writeCache(dir string, meta cacheMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; feed paths and queries often carry
// private tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
