package swcache

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
)

// CacheHeader reports how a response was produced.
const CacheHeader = "X-SW-Cache"

type Options struct {
	Namespace string
	Version   string
	// Origin is the site every origin-form request is resolved against.
	Origin   string
	Precache []string

	// BypassCookies names session cookies. Requests carrying one of them, or
	// an Authorization header, are never answered from or stored in a
	// partition.
	BypassCookies []string

	Provider Provider
	Fetcher  Fetcher
	Clock    Clock
	Logger   *slog.Logger

	RevalidateTimeout time.Duration
	MaxRevalidations  int
	StatsEvery        time.Duration

	Sitemaps      []string
	DiscoverDelay time.Duration
	DiscoverEvery time.Duration
}

// Worker intercepts requests and answers them from its partitions or the
// network. Requests are only intercepted after Install and Activate have
// succeeded; until then everything is passed straight through.
type Worker struct {
	opts       Options
	originHost string
	names      Names
	provider   Provider
	fetcher    Fetcher
	clock      Clock
	logger     *slog.Logger

	mu         sync.Mutex
	partitions map[string]Partition

	installed atomic.Bool
	claimed   atomic.Bool

	bgSem    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	storeLog *rateLimitedLogger
	stats    *statsCollector
	latency  *latencyTracker
}

func NewWorker(opts Options) (*Worker, error) {
	if opts.Provider == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "worker needs a partition provider")
	}
	if opts.Namespace == "" || opts.Version == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "worker needs a namespace and a version")
	}
	if u, err := url.Parse(opts.Origin); err != nil || !u.IsAbs() {
		return nil, errors.Newf(errors.CodeInvalidConfig, "origin must be an absolute URL, got %q", opts.Origin)
	}
	opts.Origin = strings.TrimRight(opts.Origin, "/")
	originURL, _ := url.Parse(opts.Origin)
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(30 * time.Second)
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = 30 * time.Second
	}
	if opts.MaxRevalidations <= 0 {
		opts.MaxRevalidations = 32
	}

	w := &Worker{
		opts:       opts,
		originHost: originURL.Host,
		names:      NewNames(opts.Namespace, opts.Version),
		provider:   opts.Provider,
		fetcher:    opts.Fetcher,
		clock:      opts.Clock,
		logger:     opts.Logger,
		partitions: map[string]Partition{},
		bgSem:      make(chan struct{}, opts.MaxRevalidations),
		stopCh:     make(chan struct{}),
		storeLog:   newRateLimitedLogger(opts.Logger, time.Minute),
		stats:      newStatsCollector(),
		latency:    newLatencyTracker(0.01),
	}

	if opts.StatsEvery > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.statsLoop(opts.StatsEvery)
		}()
	}
	return w, nil
}

// Names returns the partition names of this worker's version.
func (w *Worker) Names() Names { return w.names }

// Close stops background loops, waits for in-flight revalidations and closes
// the provider.
func (w *Worker) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	return w.provider.Close()
}

func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	target, err := w.resolve(r)
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	if !w.upstreamAllowed(target) {
		w.logger.Debug("upstream host not allowed", "method", r.Method, "host", target.Host)
		setCacheHeaders(rw.Header(), OutcomeForbidden)
		http.Error(rw, "forbidden", http.StatusForbidden)
		w.stats.Observe(OutcomeForbidden, 0)
		return
	}

	asg, ok := Classify(r.Method, target, destinationOf(r))
	if !ok || !w.claimed.Load() || w.private(r) {
		w.passThrough(rw, r, target)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	// The response is shared by every client; none of this one's cookies may
	// shape it.
	req.Header.Del("Cookie")
	req.Header.Set("Accept-Encoding", "identity")

	w.write(rw, w.Handle(req, asg))
}

// Handle runs the assigned strategy for an outbound GET request.
func (w *Worker) Handle(req *http.Request, asg Assignment) Result {
	start := time.Now()
	defer func() { w.latency.Record(string(asg.Strategy), time.Since(start)) }()

	p, err := w.partition(req.Context(), asg.Partition)
	if err != nil {
		w.storeLog.Warn("partition unavailable", "partition", w.names.forKind(asg.Partition), "err", err)
	}
	key := requestKey(req.URL)

	switch asg.Strategy {
	case CacheFirstStatic:
		return w.cacheFirst(req, p, key, asg.MaxAge)
	case StaleWhileRevalidate:
		return w.staleWhileRevalidate(req, p, key, asg.MaxAge)
	default:
		return w.networkFirst(req, p, key, asg.MaxAge)
	}
}

func (w *Worker) partition(ctx context.Context, kind string) (Partition, error) {
	name := w.names.forKind(kind)

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.partitions[name]; ok {
		return p, nil
	}
	p, err := w.provider.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	w.partitions[name] = p
	return p, nil
}

func (w *Worker) passThrough(rw http.ResponseWriter, r *http.Request, target *url.URL) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	ent, err := w.fetcher.Fetch(req)
	if err != nil {
		w.logger.Debug("pass-through failed", "method", r.Method, "url", target.String(), "err", err)
		setCacheHeaders(rw.Header(), OutcomeBadGateway)
		http.Error(rw, "bad gateway", http.StatusBadGateway)
		w.stats.Observe(OutcomeBadGateway, 0)
		return
	}
	w.write(rw, Result{Entry: ent, Outcome: OutcomeBypass})
}

func (w *Worker) write(rw http.ResponseWriter, res Result) {
	writeEntry(rw, res.Entry, res.Outcome)
	w.stats.Observe(res.Outcome, len(res.Entry.Body))
}

// resolve turns the incoming request target into an absolute URL. Absolute
// request URIs (forward-proxy style) are used as they are; everything else is
// relative to the origin.
func (w *Worker) resolve(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u, nil
	}
	return url.Parse(w.opts.Origin + r.URL.RequestURI())
}

// upstreamAllowed limits absolute-form targets to the origin, the font hosts
// and the backend. Anything else would turn the proxy into an open relay.
func (w *Worker) upstreamAllowed(target *url.URL) bool {
	if strings.EqualFold(target.Host, w.originHost) {
		return true
	}
	host := strings.ToLower(target.Hostname())
	return matchAny(fontHosts, host) || strings.HasSuffix(host, backendHostSuffix)
}

// private reports whether r carries credentials that make its response
// specific to one user.
func (w *Worker) private(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return true
	}
	return hasAnyCookie(r, w.opts.BypassCookies)
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

// absolute resolves a configured URL the same way resolve does.
func (w *Worker) absolute(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New(errors.CodeInvalidInput, "empty url")
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw, nil
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return w.opts.Origin + raw, nil
}

func requestKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

func keyFor(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return requestKey(u), nil
}

func writeEntry(rw http.ResponseWriter, ent Entry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, CacheHeader) {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	setCacheHeaders(rw.Header(), outcome)
	rw.WriteHeader(ent.Status)
	_, _ = rw.Write(ent.Body)
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(CacheHeader, outcome)
	}
	ensureExposedHeader(h, CacheHeader)
}

// ensureExposedHeader lets browser JS read name in a CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.logStats()
		}
	}
}

func (w *Worker) logStats() {
	ss := w.stats.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	args := []any{
		"responses", ss.TotalResponses,
		"resp_min", formatBytes(ss.MinRespBytes),
		"resp_avg", formatBytes(ss.AvgRespBytes),
		"resp_max", formatBytes(ss.MaxRespBytes),
	}
	for _, o := range []string{OutcomeHit, OutcomeStale, OutcomeMiss, OutcomeNetwork, OutcomeOffline, OutcomeBypass, OutcomeForbidden} {
		args = append(args, o, ss.Outcomes[o])
	}
	for _, kind := range []string{PartitionStatic, PartitionDynamic} {
		p, err := w.partition(ctx, kind)
		if err != nil {
			continue
		}
		if n, err := p.Len(ctx); err == nil {
			args = append(args, kind+"_entries", n)
		}
	}
	for _, ls := range w.latency.Stats() {
		args = append(args, "latency_"+ls.Op, ls.String())
	}
	w.logger.Info("cache stats", args...)
}
