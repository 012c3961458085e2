package swcache

import (
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs network requests. An error means the request never
// produced a response (DNS failure, refused connection, timeout); any HTTP
// status, including 4xx and 5xx, is returned as an Entry.
type Fetcher interface {
	Fetch(req *http.Request) (Entry, error)
}

// HTTPFetcher is the Fetcher backed by net/http.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher whose requests give up after timeout.
// Zero disables the timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(req *http.Request) (Entry, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}

	ent := Entry{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   body,
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
