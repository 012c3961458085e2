package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errOffline = errors.New("dial tcp: connect: network is unreachable")
	baseTime   = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
)

func TestCacheFirstFreshness(t *testing.T) {
	const imgURL = testOrigin + "/img/hero.png"
	maxAge := 365 * 24 * time.Hour

	tests := []struct {
		name      string
		now       time.Time
		wantCalls int64
		wantOut   string
	}{
		{"just inside max-age is a hit", baseTime.Add(maxAge - time.Second), 0, OutcomeHit},
		{"just past max-age refetches", baseTime.Add(maxAge + time.Second), 1, OutcomeMiss},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock(tc.now)
			f := fetchReturning(okEntry("new", tc.now), nil)
			w := newTestWorker(t, f, clock)

			p := mustPartition(t, w, PartitionStatic)
			require.NoError(t, p.Put(context.Background(), imgURL, okEntry("old", baseTime)))

			res := w.Handle(getRequest(t, imgURL), staticAssignment)
			assert.Equal(t, tc.wantCalls, f.calls.Load())
			assert.Equal(t, tc.wantOut, res.Outcome)
		})
	}
}

func TestCacheFirstMissingDateIsStale(t *testing.T) {
	clock := newFakeClock(baseTime)
	f := fetchReturning(okEntry("new", baseTime), nil)
	w := newTestWorker(t, f, clock)

	p := mustPartition(t, w, PartitionStatic)
	require.NoError(t, p.Put(context.Background(), testOrigin+"/a.png", okEntry("old", time.Time{})))

	res := w.Handle(getRequest(t, testOrigin+"/a.png"), staticAssignment)
	assert.Equal(t, int64(1), f.calls.Load())
	assert.Equal(t, "new", string(res.Entry.Body))
}

func TestCacheFirstIgnoresTimestampHeader(t *testing.T) {
	clock := newFakeClock(baseTime)
	f := fetchReturning(okEntry("new", baseTime), nil)
	w := newTestWorker(t, f, clock)

	// Inserted "just now" according to the diagnostic header, but the origin
	// Date is two years old.
	old := okEntry("old", baseTime.Add(-2*365*24*time.Hour))
	old.Header.Set(TimestampHeader, strconv.FormatInt(baseTime.UnixMilli(), 10))
	p := mustPartition(t, w, PartitionStatic)
	require.NoError(t, p.Put(context.Background(), testOrigin+"/a.png", old))

	res := w.Handle(getRequest(t, testOrigin+"/a.png"), staticAssignment)
	assert.Equal(t, int64(1), f.calls.Load())
	assert.Equal(t, OutcomeMiss, res.Outcome)
}

func TestCacheFirstStoresStampedResponse(t *testing.T) {
	clock := newFakeClock(baseTime)
	f := fetchReturning(okEntry("png-bytes", baseTime), nil)
	w := newTestWorker(t, f, clock)

	res := w.Handle(getRequest(t, testOrigin+"/logo.png"), staticAssignment)
	require.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "public, max-age=31536000", res.Entry.Header.Get("Cache-Control"))
	assert.Equal(t, strconv.FormatInt(baseTime.UnixMilli(), 10), res.Entry.Header.Get("sw-cache-timestamp"))

	stored, ok, err := mustPartition(t, w, PartitionStatic).Match(context.Background(), testOrigin+"/logo.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Entry, stored)
}

func TestCacheFirstNonOKIsNotCached(t *testing.T) {
	f := fetchReturning(Entry{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("nope")}, nil)
	w := newTestWorker(t, f, newFakeClock(baseTime))

	res := w.Handle(getRequest(t, testOrigin+"/missing.png"), staticAssignment)
	assert.Equal(t, http.StatusNotFound, res.Entry.Status)
	assert.Empty(t, res.Entry.Header.Get(TimestampHeader))

	n, err := mustPartition(t, w, PartitionStatic).Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCacheFirstServesStaleWhenNetworkDown(t *testing.T) {
	const imgURL = testOrigin + "/img/team.webp"
	clock := newFakeClock(baseTime.Add(2 * 365 * 24 * time.Hour))
	f := fetchReturning(Entry{}, errOffline)
	w := newTestWorker(t, f, clock)

	cached := okEntry("cached-image", baseTime)
	p := mustPartition(t, w, PartitionStatic)
	require.NoError(t, p.Put(context.Background(), imgURL, cached))

	res := w.Handle(getRequest(t, imgURL), staticAssignment)
	assert.Equal(t, int64(1), f.calls.Load())
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, cached, res.Entry)
}

func TestCacheFirstOfflineWithoutEntry(t *testing.T) {
	w := newTestWorker(t, fetchReturning(Entry{}, errOffline), newFakeClock(baseTime))

	res := w.Handle(getRequest(t, testOrigin+"/img/none.png"), staticAssignment)
	assert.Equal(t, OutcomeOffline, res.Outcome)
	assert.Equal(t, http.StatusServiceUnavailable, res.Entry.Status)
}

func TestNetworkFirstPrefersNetwork(t *testing.T) {
	const apiURL = testOrigin + "/api/posts"
	clock := newFakeClock(baseTime)
	f := fetchReturning(okEntry("fresh", baseTime), nil)
	w := newTestWorker(t, f, clock)

	p := mustPartition(t, w, PartitionDynamic)
	require.NoError(t, p.Put(context.Background(), apiURL, okEntry("cached", baseTime)))

	res := w.Handle(getRequest(t, apiURL), shortAssignment)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Equal(t, "fresh", string(res.Entry.Body))
	assert.Equal(t, "public, max-age=300", res.Entry.Header.Get("Cache-Control"))

	stored, ok, err := p.Match(context.Background(), apiURL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", string(stored.Body))
}

func TestNetworkFirstServerErrorPassesThrough(t *testing.T) {
	const apiURL = testOrigin + "/api/posts"
	f := fetchReturning(Entry{Status: http.StatusInternalServerError, Header: http.Header{}, Body: []byte("boom")}, nil)
	w := newTestWorker(t, f, newFakeClock(baseTime))

	p := mustPartition(t, w, PartitionDynamic)
	require.NoError(t, p.Put(context.Background(), apiURL, okEntry("cached", baseTime)))

	res := w.Handle(getRequest(t, apiURL), shortAssignment)
	assert.Equal(t, http.StatusInternalServerError, res.Entry.Status)
	assert.Equal(t, "boom", string(res.Entry.Body))

	stored, _, err := p.Match(context.Background(), apiURL)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(stored.Body))
}

func TestNetworkFirstFallsBack(t *testing.T) {
	const pageURL = testOrigin + "/newsletter/7"

	t.Run("cached entry", func(t *testing.T) {
		w := newTestWorker(t, fetchReturning(Entry{}, errOffline), newFakeClock(baseTime))
		p := mustPartition(t, w, PartitionDynamic)
		require.NoError(t, p.Put(context.Background(), pageURL, okEntry("edition 7", baseTime)))

		res := w.Handle(getRequest(t, pageURL), longAssignment)
		assert.Equal(t, OutcomeStale, res.Outcome)
		assert.Equal(t, "edition 7", string(res.Entry.Body))
	})

	t.Run("nothing cached", func(t *testing.T) {
		w := newTestWorker(t, fetchReturning(Entry{}, errOffline), newFakeClock(baseTime))

		res := w.Handle(getRequest(t, pageURL), longAssignment)
		assert.Equal(t, OutcomeOffline, res.Outcome)
		assert.Equal(t, http.StatusServiceUnavailable, res.Entry.Status)
	})
}

func TestNetworkFirstPicksUpRedeployedScript(t *testing.T) {
	const jsURL = testOrigin + "/assets/index.js"
	version := "console.log('v1')"
	f := &fakeFetcher{fn: func(*http.Request) (Entry, error) {
		return okEntry(version, baseTime), nil
	}}
	w := newTestWorker(t, f, newFakeClock(baseTime))

	first := w.Handle(getRequest(t, jsURL), shortAssignment)
	require.Equal(t, "console.log('v1')", string(first.Entry.Body))

	version = "console.log('v2')"
	second := w.Handle(getRequest(t, jsURL), shortAssignment)
	assert.Equal(t, "console.log('v2')", string(second.Entry.Body))
	assert.Equal(t, int64(2), f.calls.Load())
}

func TestStaleWhileRevalidateDoesNotWaitForNetwork(t *testing.T) {
	const pageURL = testOrigin + "/about"
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(*http.Request) (Entry, error) {
		close(started)
		<-release
		return okEntry("about v2", baseTime), nil
	}}
	w := newTestWorker(t, f, newFakeClock(baseTime))

	p := mustPartition(t, w, PartitionDynamic)
	require.NoError(t, p.Put(context.Background(), pageURL, okEntry("about v1", baseTime)))

	req := getRequest(t, pageURL)
	done := make(chan Result, 1)
	go func() { done <- w.Handle(req, pageAssignment) }()

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("stale-while-revalidate waited for the network")
	}
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "about v1", string(res.Entry.Body))

	<-started
	close(release)
	w.wg.Wait()

	stored, ok, err := p.Match(context.Background(), pageURL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "about v2", string(stored.Body))
	assert.Equal(t, "public, max-age=3600", stored.Header.Get("Cache-Control"))
}

func TestStaleWhileRevalidateColdCache(t *testing.T) {
	const pageURL = testOrigin + "/about"
	f := fetchReturning(okEntry("about page", baseTime), nil)
	w := newTestWorker(t, f, newFakeClock(baseTime))

	res := w.Handle(getRequest(t, pageURL), pageAssignment)
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "about page", string(res.Entry.Body))

	w.wg.Wait()
	stored, ok, err := mustPartition(t, w, PartitionDynamic).Match(context.Background(), pageURL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "public, max-age=3600", stored.Header.Get("Cache-Control"))
}

func TestStaleWhileRevalidateOffline(t *testing.T) {
	w := newTestWorker(t, fetchReturning(Entry{}, errOffline), newFakeClock(baseTime))

	res := w.Handle(getRequest(t, testOrigin+"/contact"), pageAssignment)
	assert.Equal(t, OutcomeOffline, res.Outcome)
	assert.Equal(t, http.StatusServiceUnavailable, res.Entry.Status)
}

func TestStaleWhileRevalidateBudgetExhausted(t *testing.T) {
	f := fetchReturning(okEntry("blog", baseTime), nil)
	w := newTestWorker(t, f, newFakeClock(baseTime))
	for i := 0; i < cap(w.bgSem); i++ {
		w.bgSem <- struct{}{}
	}
	defer func() {
		for i := 0; i < cap(w.bgSem); i++ {
			<-w.bgSem
		}
	}()

	res := w.Handle(getRequest(t, testOrigin+"/blog"), pageAssignment)
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "blog", string(res.Entry.Body))
}

func TestOffline(t *testing.T) {
	ent := Offline()
	assert.Equal(t, http.StatusServiceUnavailable, ent.Status)
	assert.Equal(t, "application/json", ent.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", ent.Header.Get("Cache-Control"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(ent.Body, &body))
	assert.Equal(t, "Offline", body["error"])
	assert.NotEmpty(t, body["message"])
}

// brokenPartition fails every operation.
type brokenPartition struct{}

func (brokenPartition) Match(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("disk on fire")
}

func (brokenPartition) Put(context.Context, string, Entry) error {
	return errors.New("disk on fire")
}

func (brokenPartition) Len(context.Context) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestPartitionFailuresDoNotSurface(t *testing.T) {
	w := newTestWorker(t, fetchReturning(okEntry("img", baseTime), nil), newFakeClock(baseTime))
	req := getRequest(t, testOrigin+"/a.png")

	res := w.cacheFirst(req, brokenPartition{}, testOrigin+"/a.png", maxAgeYear)
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "img", string(res.Entry.Body))
}
