package swcache

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	outcomes map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	Outcomes       map[string]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	outcomes := make(map[string]uint64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{Outcomes: outcomes}
	}
	total := s.totalRespBytes.Load()
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   s.minRespBytes.Load(),
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
		Outcomes:       outcomes,
	}
}

// latencyTracker keeps one DDSketch per strategy.
type latencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

func newLatencyTracker(relativeAccuracy float64) *latencyTracker {
	return &latencyTracker{
		sketches:         map[string]*ddsketch.DDSketch{},
		relativeAccuracy: relativeAccuracy,
	}
}

func (lt *latencyTracker) Record(op string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[op]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[op] = sketch
	}
	// milliseconds
	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

type latencyStats struct {
	Op    string
	Count int64
	P50   float64
	P99   float64
	Max   float64
}

func (s latencyStats) String() string {
	return fmt.Sprintf("%s n=%d p50=%.2fms p99=%.2fms max=%.2fms", s.Op, s.Count, s.P50, s.P99, s.Max)
}

func (lt *latencyTracker) Stats() []latencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	out := make([]latencyStats, 0, len(lt.sketches))
	for op, sk := range lt.sketches {
		if sk.GetCount() == 0 {
			continue
		}
		p50, _ := sk.GetValueAtQuantile(0.50)
		p99, _ := sk.GetValueAtQuantile(0.99)
		maxv, _ := sk.GetMaxValue()
		out = append(out, latencyStats{Op: op, Count: int64(sk.GetCount()), P50: p50, P99: p99, Max: maxv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}
