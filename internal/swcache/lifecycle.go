package swcache

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// Names holds the partition names for one cache version.
type Names struct {
	// Main is reserved; nothing reads or writes it, but activation keeps it.
	Main    string
	Static  string
	Dynamic string

	namespace string
	version   string
}

func NewNames(namespace, version string) Names {
	v := "v" + strings.TrimPrefix(version, "v")
	return Names{
		Main:      fmt.Sprintf("%s-%s", namespace, v),
		Static:    fmt.Sprintf("%s-static-%s", namespace, v),
		Dynamic:   fmt.Sprintf("%s-dynamic-%s", namespace, v),
		namespace: namespace,
		version:   v,
	}
}

// IsStale reports whether name belongs to this namespace but to another
// version. The version must be the whole "-v<version>" suffix, so v1.0 does
// not keep v1.0.1 alive and v1 does not keep v10.
func (n Names) IsStale(name string) bool {
	return strings.HasPrefix(name, n.namespace+"-") && !strings.HasSuffix(name, "-"+n.version)
}

func (n Names) forKind(kind string) string {
	if kind == PartitionStatic {
		return n.Static
	}
	return n.Dynamic
}

// Install opens the static partition and fills it with the precache list,
// then opens the dynamic partition. Either every precache URL is stored or
// none is: a transport error or non-2xx status fails the install.
func (w *Worker) Install(ctx context.Context) error {
	static, err := w.provider.Open(ctx, w.names.Static)
	if err != nil {
		return err
	}

	urls := make([]string, 0, len(w.opts.Precache))
	for _, raw := range w.opts.Precache {
		u, err := w.absolute(raw)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInvalidConfig, "precache url %q", raw)
		}
		urls = append(urls, u)
	}

	entries := make([]Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return errors.Wrapf(err, errors.CodeInvalidConfig, "precache %s", u)
			}
			ent, err := w.fetcher.Fetch(req)
			if err != nil {
				return errors.Wrapf(err, errors.CodeNetwork, "precache %s", u)
			}
			if !ent.OK() {
				return errors.Newf(errors.CodeUnavailable, "precache %s: unexpected status %d", u, ent.Status)
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	keys := make([]string, len(urls))
	for i, u := range urls {
		key, err := keyFor(u)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInvalidConfig, "precache %s", u)
		}
		keys[i] = key
	}
	for i, key := range keys {
		if err := static.Put(ctx, key, entries[i]); err != nil {
			return w.abortInstall(ctx, errors.Wrapf(err, errors.GetCode(err), "precache %s", urls[i]))
		}
	}
	// A bounded partition may have evicted earlier puts to make room for
	// later ones.
	for i, key := range keys {
		if _, ok, err := static.Match(ctx, key); err != nil || !ok {
			return w.abortInstall(ctx, errors.Newf(errors.CodeUnavailable,
				"precache %s did not fit in %s; raise storage.ram.max or use a durable driver", urls[i], w.names.Static))
		}
	}

	if _, err := w.provider.Open(ctx, w.names.Dynamic); err != nil {
		return err
	}

	w.installed.Store(true)
	w.logger.Info("installed", "version", w.names.version, "precached", len(urls))
	return nil
}

// abortInstall drops the partially filled static partition so that a failed
// install leaves nothing behind.
func (w *Worker) abortInstall(ctx context.Context, cause error) error {
	if _, err := w.provider.Delete(ctx, w.names.Static); err != nil {
		w.logger.Warn("dropping partial precache failed", "partition", w.names.Static, "err", err)
	}
	w.mu.Lock()
	delete(w.partitions, w.names.Static)
	w.mu.Unlock()
	return cause
}

// Activate deletes partitions left over from other versions and starts
// serving intercepted requests. Running it again is a no-op apart from the
// listing.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.installed.Load() {
		return errors.New(errors.CodeConflict, "activate called before a successful install")
	}

	names, err := w.provider.Names(ctx)
	if err != nil {
		return err
	}
	deleted := 0
	for _, name := range names {
		if !w.names.IsStale(name) {
			continue
		}
		if _, err := w.provider.Delete(ctx, name); err != nil {
			return err
		}
		deleted++
		w.logger.Info("deleted stale partition", "partition", name)
	}

	if w.claimed.CompareAndSwap(false, true) {
		w.startURLsDiscover()
	}
	w.logger.Info("activated", "version", w.names.version, "deleted", deleted)
	return nil
}
