package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/soulsync/internal/queue"
	"github.com/phrazzld/soulsync/internal/store"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestQueue returns a controller that is never started, so enqueued
// jobs stay queued and tests observe deterministic states.
func newTestQueue(t *testing.T) *queue.Controller {
	t.Helper()
	registry := queue.NewHandlerRegistry()
	noop := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}
	require.NoError(t, registry.Register("fetch", noop))
	require.NoError(t, registry.Register("tag", noop))

	config := queue.DefaultControllerConfig()
	config.RejectUnknownTypes = true
	return queue.NewController(registry, config, nil, testLogger())
}

func newTestServer(t *testing.T, cfg RouterConfig) *httptest.Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	server := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(server.Close)
	return server
}

// doJSON sends a request with an optional JSON body and decodes the
// response into out when out is non-nil.
func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func intPtr(n int) *int { return &n }

// stubHistory is an in-memory store.JobHistoryStore.
type stubHistory struct {
	mu      sync.Mutex
	records []store.HistoryRecord
	filter  store.HistoryFilter
	err     error
}

func (s *stubHistory) InsertBatch(ctx context.Context, records []store.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return s.err
}

func (s *stubHistory) Get(ctx context.Context, jobID uuid.UUID) (*store.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, r := range s.records {
		if r.JobID == jobID {
			return &r, nil
		}
	}
	return nil, store.ErrHistoryNotFound
}

func (s *stubHistory) List(ctx context.Context, filter store.HistoryFilter) ([]store.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

func (s *stubHistory) lastFilter() store.HistoryFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *stubHistory) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, s.err
}
