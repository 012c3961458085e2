package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// maxSitemapBytes is the uncompressed size limit of the sitemap protocol.
const maxSitemapBytes = 50 << 20

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// startURLsDiscover primes the dynamic partition with page routes listed in
// the configured sitemaps, once after activation and then periodically.
func (w *Worker) startURLsDiscover() {
	if len(w.opts.Sitemaps) == 0 {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if w.opts.DiscoverDelay > 0 {
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.opts.DiscoverDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			stored, ignored, err := w.discoverURLsOnce(ctx)
			if err != nil {
				w.logger.Warn("urlsDiscover failed", "err", err)
				return
			}
			w.logger.Info("urlsDiscover done", "stored", stored, "ignored", ignored)
		}

		runOnce()
		if w.opts.DiscoverEvery <= 0 {
			return
		}

		t := time.NewTicker(w.opts.DiscoverEvery)
		defer t.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// discoverURLsOnce walks the sitemaps breadth-first. Page URLs routed to
// stale-while-revalidate are fetched and stored when the dynamic partition
// has no entry for them yet; everything else is counted as ignored.
func (w *Worker) discoverURLsOnce(ctx context.Context) (stored int, ignored int, _ error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(w.opts.Sitemaps))
	for _, sm := range w.opts.Sitemaps {
		if u, err := w.absolute(sm); err == nil {
			queue = append(queue, u)
		}
	}

	p, err := w.partition(ctx, PartitionDynamic)
	if err != nil {
		return 0, 0, err
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return stored, ignored, ctx.Err()
		case <-w.stopCh:
			return stored, ignored, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return stored, ignored, err
		}
		for _, nested := range doc.Sitemaps {
			if u, err := w.absolute(nested); err == nil {
				queue = append(queue, u)
			}
		}

		for _, loc := range doc.URLs {
			raw, err := w.absolute(pathFromLoc(loc))
			if err != nil {
				ignored++
				continue
			}
			u, err := url.Parse(raw)
			if err != nil {
				ignored++
				continue
			}
			asg, ok := Classify(http.MethodGet, u, DestDocument)
			if !ok || asg.Strategy != StaleWhileRevalidate {
				ignored++
				continue
			}
			key := requestKey(u)
			if _, hit := w.match(ctx, p, key); hit {
				continue
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
			if err != nil {
				ignored++
				continue
			}
			req.Header.Set("Accept-Encoding", "identity")
			fr := w.fetchAndStore(req, p, key, asg.MaxAge)
			if fr.err != nil || !fr.ent.OK() {
				ignored++
				continue
			}
			stored++
		}
	}
	return stored, ignored, nil
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, errors.Wrapf(err, errors.CodeInvalidInput, "sitemap %s", sitemapURL)
	}
	ent, err := w.fetcher.Fetch(req)
	if err != nil {
		return sitemapDoc{}, errors.Wrapf(err, errors.CodeNetwork, "fetch sitemap %s", sitemapURL)
	}
	if !ent.OK() {
		return sitemapDoc{}, errors.Newf(errors.CodeUnavailable, "fetch sitemap %s: unexpected status %d", sitemapURL, ent.Status)
	}

	body := ent.Body
	// .gz sitemaps may or may not also be served with Content-Encoding.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(io.LimitReader(gz, maxSitemapBytes)); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrapf(err, errors.CodeInvalidInput, "parse sitemap %s", sitemapURL)
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// pathFromLoc keeps only the path and query of a sitemap loc so that priming
// always targets the origin.
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		return loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return u.RequestURI()
}
