package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/soulsync/internal/config"
	"github.com/phrazzld/soulsync/internal/queue"
	"golang.org/x/time/rate"
)

// FetchJobType is the job type served by Fetcher.
const FetchJobType = "fetch"

var (
	// ErrUnsafePath is returned when a payload path escapes the library directory.
	ErrUnsafePath = errors.New("path escapes library directory")

	// ErrTooLarge is returned when a download exceeds the configured size limit.
	ErrTooLarge = errors.New("download exceeds size limit")

	// ErrUpstream is returned for non-2xx responses.
	ErrUpstream = errors.New("upstream request failed")
)

// FetchPayload is the payload of a fetch job.
type FetchPayload struct {
	URL  string `json:"url" validate:"required,url,startswith=http"`
	Path string `json:"path" validate:"required"`
}

// FetchResult is stored on a completed fetch job.
type FetchResult struct {
	Path        string `json:"path"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// Fetcher downloads files into the library directory.
type Fetcher struct {
	client     *http.Client
	limiter    *rate.Limiter
	validate   *validator.Validate
	libraryDir string
	maxBytes   int64
	userAgent  string
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher from cfg. Requests are spaced by a token
// bucket of cfg.RequestsPerSecond with cfg.Burst.
func NewFetcher(cfg config.FetchConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		validate:   validator.New(),
		libraryDir: cfg.LibraryDir,
		maxBytes:   cfg.MaxBytes,
		userAgent:  cfg.UserAgent,
		logger:     logger.With("component", "fetch_handler"),
	}
}

// Register binds the fetch handler in r.
func (f *Fetcher) Register(r *queue.HandlerRegistry) error {
	return queue.RegisterTyped(r, FetchJobType, f.Fetch)
}

// Fetch downloads p.URL to p.Path under the library directory. The file is
// written to a temporary name and renamed into place only once complete.
func (f *Fetcher) Fetch(ctx context.Context, p FetchPayload) (FetchResult, error) {
	if err := f.validate.Struct(p); err != nil {
		return FetchResult{}, fmt.Errorf("invalid fetch payload: %w", err)
	}
	target, err := f.resolve(p.Path)
	if err != nil {
		return FetchResult{}, err
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return FetchResult{}, fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to fetch %s: %w", p.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FetchResult{}, fmt.Errorf("%w: %s returned %d", ErrUpstream, p.URL, resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return FetchResult{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	written, err := f.writeAtomic(target, resp.Body)
	if err != nil {
		return FetchResult{}, err
	}

	f.logger.InfoContext(ctx, "fetched file",
		"path", p.Path,
		"bytes", written,
		"duration_ms", time.Since(start).Milliseconds())

	return FetchResult{
		Path:        p.Path,
		Bytes:       written,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// resolve maps a payload path to an absolute path inside the library.
func (f *Fetcher) resolve(path string) (string, error) {
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, path)
	}
	return filepath.Join(f.libraryDir, path), nil
}

func (f *Fetcher) writeAtomic(target string, body io.Reader) (int64, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".soulsync-*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	reader := body
	if f.maxBytes > 0 {
		reader = io.LimitReader(body, f.maxBytes+1)
	}
	written, err := io.Copy(tmp, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to write download: %w", err)
	}
	if f.maxBytes > 0 && written > f.maxBytes {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close download: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		committed = true
		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}
	committed = true
	return written, nil
}
