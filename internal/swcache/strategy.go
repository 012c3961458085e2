package swcache

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// TimestampHeader records when an entry was stored, in epoch milliseconds.
// It is diagnostic only: freshness is always computed from the origin's Date
// header.
const TimestampHeader = "Sw-Cache-Timestamp"

// stamp returns a copy of ent carrying the cache-control directive for maxAge
// and the insertion timestamp.
func stamp(ent Entry, maxAge time.Duration, now time.Time) Entry {
	out := ent.clone()
	out.Header.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int64(maxAge/time.Second)))
	out.Header.Set(TimestampHeader, strconv.FormatInt(now.UnixMilli(), 10))
	return out
}

// responseDate parses the Date header; a missing or malformed one counts as
// the Unix epoch, which is always stale.
func responseDate(ent Entry) time.Time {
	if v := ent.Header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Unix(0, 0)
}

func isFresh(ent Entry, maxAge time.Duration, now time.Time) bool {
	return now.Sub(responseDate(ent)) < maxAge
}

// cacheFirst serves a fresh cached entry without touching the network. Stale
// or missing entries are refetched; a stale entry is still served when the
// network is unreachable.
func (w *Worker) cacheFirst(req *http.Request, p Partition, key string, maxAge time.Duration) Result {
	ctx := req.Context()
	cached, hit := w.match(ctx, p, key)
	if hit && isFresh(cached, maxAge, w.clock.Now()) {
		return Result{Entry: cached, Outcome: OutcomeHit}
	}

	ent, err := w.fetcher.Fetch(req)
	if err != nil {
		w.logger.Debug("network failed", "url", key, "err", err)
		if hit {
			return Result{Entry: cached, Outcome: OutcomeStale}
		}
		return Result{Entry: Offline(), Outcome: OutcomeOffline}
	}
	if !ent.OK() {
		return Result{Entry: ent, Outcome: OutcomeNetwork}
	}
	stamped := stamp(ent, maxAge, w.clock.Now())
	w.store(ctx, p, key, stamped)
	return Result{Entry: stamped, Outcome: OutcomeMiss}
}

// networkFirst always asks the network. Only a transport failure falls back
// to the partition; non-2xx responses are passed through uncached.
func (w *Worker) networkFirst(req *http.Request, p Partition, key string, maxAge time.Duration) Result {
	ctx := req.Context()
	ent, err := w.fetcher.Fetch(req)
	if err != nil {
		w.logger.Debug("network failed", "url", key, "err", err)
		if cached, hit := w.match(ctx, p, key); hit {
			return Result{Entry: cached, Outcome: OutcomeStale}
		}
		return Result{Entry: Offline(), Outcome: OutcomeOffline}
	}
	if !ent.OK() {
		return Result{Entry: ent, Outcome: OutcomeNetwork}
	}
	stamped := stamp(ent, maxAge, w.clock.Now())
	w.store(ctx, p, key, stamped)
	return Result{Entry: stamped, Outcome: OutcomeNetwork}
}

// staleWhileRevalidate answers from the partition when it can and refreshes
// the entry in the background for later requests. Without a cached entry the
// caller waits for the network.
func (w *Worker) staleWhileRevalidate(req *http.Request, p Partition, key string, maxAge time.Duration) Result {
	ctx := req.Context()
	cached, hit := w.match(ctx, p, key)
	done := w.revalidate(req, p, key, maxAge)
	if hit {
		return Result{Entry: cached, Outcome: OutcomeHit}
	}

	var fr fetchResult
	if done == nil {
		fr = w.fetchAndStore(req, p, key, maxAge)
	} else {
		select {
		case fr = <-done:
		case <-ctx.Done():
			return Result{Entry: Offline(), Outcome: OutcomeOffline}
		}
	}
	if fr.err != nil {
		return Result{Entry: Offline(), Outcome: OutcomeOffline}
	}
	if !fr.ent.OK() {
		return Result{Entry: fr.ent, Outcome: OutcomeNetwork}
	}
	return Result{Entry: fr.ent, Outcome: OutcomeMiss}
}

type fetchResult struct {
	ent Entry
	err error
}

func (w *Worker) fetchAndStore(req *http.Request, p Partition, key string, maxAge time.Duration) fetchResult {
	ent, err := w.fetcher.Fetch(req)
	if err != nil {
		return fetchResult{err: err}
	}
	if !ent.OK() {
		return fetchResult{ent: ent}
	}
	stamped := stamp(ent, maxAge, w.clock.Now())
	w.store(req.Context(), p, key, stamped)
	return fetchResult{ent: stamped}
}

// revalidate starts a detached fetch that outlives the request. It returns
// nil when the background budget is exhausted; the returned channel is
// buffered so the goroutine never blocks on an absent reader.
func (w *Worker) revalidate(req *http.Request, p Partition, key string, maxAge time.Duration) <-chan fetchResult {
	select {
	case w.bgSem <- struct{}{}:
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.RevalidateTimeout)
	bgReq := req.Clone(ctx)
	done := make(chan fetchResult, 1)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.bgSem }()
		defer cancel()

		fr := w.fetchAndStore(bgReq, p, key, maxAge)
		if fr.err != nil {
			w.logger.Debug("revalidation failed", "url", key, "err", fr.err)
		}
		done <- fr
	}()
	return done
}

func (w *Worker) match(ctx context.Context, p Partition, key string) (Entry, bool) {
	if p == nil {
		return Entry{}, false
	}
	ent, ok, err := p.Match(ctx, key)
	if err != nil {
		w.storeLog.Warn("partition read failed", "url", key, "err", err)
		return Entry{}, false
	}
	return ent, ok
}

func (w *Worker) store(ctx context.Context, p Partition, key string, ent Entry) {
	if p == nil {
		return
	}
	if err := p.Put(ctx, key, ent); err != nil {
		w.storeLog.Warn("partition write failed", "url", key, "err", err)
	}
}
