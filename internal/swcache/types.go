package swcache

import (
	"net/http"
	"time"
)

// Entry is a fully buffered HTTP response, as fetched from the network or
// stored in a partition.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is in the 2xx range.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

func (e Entry) clone() Entry {
	body := make([]byte, len(e.Body))
	copy(body, e.Body)
	return Entry{Status: e.Status, Header: cloneHeader(e.Header), Body: body}
}

// Strategy names one of the request handling algorithms.
type Strategy string

const (
	CacheFirstStatic     Strategy = "cache-first-static"
	NetworkFirstShort    Strategy = "network-first-short"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkFirstLong     Strategy = "network-first-long"
)

// Partition kinds an Assignment can target.
const (
	PartitionStatic  = "static"
	PartitionDynamic = "dynamic"
)

// Assignment is the classifier's verdict for one request.
type Assignment struct {
	Strategy  Strategy
	Partition string // PartitionStatic or PartitionDynamic
	MaxAge    time.Duration
}

// Outcome values reported in the X-SW-Cache response header.
const (
	OutcomeHit        = "hit"
	OutcomeStale      = "stale"
	OutcomeMiss       = "miss"
	OutcomeNetwork    = "network"
	OutcomeOffline    = "offline"
	OutcomeBypass     = "bypass"
	OutcomeBadGateway = "bad-gateway"
	OutcomeForbidden  = "forbidden"
)

// Result is what a strategy hands back to the caller.
type Result struct {
	Entry   Entry
	Outcome string
}

// Clock is the time source used for freshness and stamping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
