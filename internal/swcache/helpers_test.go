package swcache

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testOrigin = "https://example.com"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeFetcher answers every request with fn and counts calls.
type fakeFetcher struct {
	calls atomic.Int64
	fn    func(req *http.Request) (Entry, error)
}

func (f *fakeFetcher) Fetch(req *http.Request) (Entry, error) {
	f.calls.Add(1)
	return f.fn(req)
}

func fetchReturning(ent Entry, err error) *fakeFetcher {
	return &fakeFetcher{fn: func(*http.Request) (Entry, error) { return ent, err }}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okEntry(body string, date time.Time) Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	if !date.IsZero() {
		h.Set("Date", date.UTC().Format(http.TimeFormat))
	}
	return Entry{Status: http.StatusOK, Header: h, Body: []byte(body)}
}

func newTestWorker(t *testing.T, f Fetcher, clock Clock) *Worker {
	t.Helper()
	w, err := NewWorker(Options{
		Namespace: "site",
		Version:   "1.0.0",
		Origin:    testOrigin,
		Precache:  []string{"/"},
		Provider:  NewMemoryProvider(0, nil),
		Fetcher:   f,
		Clock:     clock,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req
}

func mustPartition(t *testing.T, w *Worker, kind string) Partition {
	t.Helper()
	p, err := w.partition(context.Background(), kind)
	require.NoError(t, err)
	return p
}
