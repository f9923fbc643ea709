package workercache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/cmorrow/go-worker-cache/buckets"
)

const (
	headerAccept       = "Accept"
	headerSecFetchMode = "Sec-Fetch-Mode"
)

// Interceptor implements http.RoundTripper and sits between the
// application and the network. Cached responses are served immediately
// and refreshed in the background; misses fall through to the wrapped
// transport and populate the dynamic bucket.
type Interceptor struct {
	Wrapped http.RoundTripper

	store  Store
	logger *slog.Logger
	now    func() time.Time
	holds  *holdGroup

	c Config
}

// RoundTrip implements the http.RoundTripper interface and handles the
// interception logic for each request.
//
// The process follows these steps:
// 1. Excluded hosts pass straight through to the wrapped transport
// 2. A bucket hit is returned immediately and revalidated in the background
// 3. A miss goes to the network and GET responses populate the dynamic bucket
// 4. A network failure on a navigational request falls back to the app shell.
func (i *Interceptor) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if i.excluded(r.URL) {
		return i.Wrapped.RoundTrip(r)
	}

	key := buckets.Key(*r)
	if rec := i.lookup(ctx, key); rec != nil {
		resp, err := readRecord(rec, r)
		if err == nil {
			i.logger.DebugContext(ctx, "cache record found", "url", r.URL.String())

			// serve stale, refresh behind the response
			revalidateReq := r.Clone(context.Background())
			i.holds.waitUntil(func() { i.revalidate(revalidateReq, key) })
			return resp, nil
		}
		i.logger.WarnContext(ctx, "unreadable cache record, refetching", "url", r.URL.String(), "error", err)
	}

	resp, transportError := i.Wrapped.RoundTrip(r)
	if transportError != nil {
		if isNavigation(r) {
			if shell := i.shellRecord(ctx); shell != nil {
				i.logger.DebugContext(ctx, "network unreachable, serving app shell", "url", r.URL.String())
				return readRecord(shell, r)
			}
		}
		// sub-resource failures propagate unresolved
		return resp, transportError
	}

	if r.Method == http.MethodGet {
		i.storeDynamic(ctx, key, resp)
	}

	return resp, nil
}

// revalidate refreshes a record that was already served from a bucket.
// The dynamic entry is overwritten only when the network returns a 200;
// every failure is dropped and the next interception is the only retry.
func (i *Interceptor) revalidate(r *http.Request, key string) {
	ctx := r.Context()

	resp, err := i.Wrapped.RoundTrip(r)
	if err != nil {
		i.logger.DebugContext(ctx, "revalidation fetch failed", "url", r.URL.String(), "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		i.logger.DebugContext(ctx, "revalidation returned non-200, keeping cached record",
			"url", r.URL.String(),
			"status", resp.StatusCode)
		return
	}

	i.storeDynamic(ctx, key, resp)
}

// lookup consults the static bucket before the dynamic one, so entries
// pinned at install are never shadowed by later dynamic writes.
func (i *Interceptor) lookup(ctx context.Context, key string) *Record {
	names := []string{
		buckets.StaticName(i.c.Version),
		buckets.DynamicName(i.c.Version),
	}

	for _, name := range names {
		b, err := i.store.Open(ctx, name)
		if err != nil {
			i.logger.WarnContext(ctx, "error opening bucket", "bucket", name, "error", err)
			continue
		}
		rec, err := b.Get(ctx, key)
		if err == nil {
			return rec
		}
		if !errors.Is(err, buckets.ErrNoRecord) {
			i.logger.WarnContext(ctx, "error reading bucket", "bucket", name, "error", err)
		}
	}
	return nil
}

// storeDynamic snapshots a response into the dynamic bucket. Write
// failures are logged and otherwise ignored; the response has already
// been produced and the cache entry can be recreated on the next fetch.
func (i *Interceptor) storeDynamic(ctx context.Context, key string, resp *http.Response) {
	snap, err := httputil.DumpResponse(resp, true)
	if err != nil {
		i.logger.WarnContext(ctx, "error snapshotting response", "error", err)
		return
	}

	b, err := i.store.Open(ctx, buckets.DynamicName(i.c.Version))
	if err != nil {
		i.logger.WarnContext(ctx, "error opening dynamic bucket", "error", err)
		return
	}

	i.logger.DebugContext(ctx, "caching response", "key", key, "status", resp.StatusCode)
	if cacheErr := b.Put(ctx, key, &Record{
		Status:   resp.StatusCode,
		Response: snap,
		StoredAt: i.now().UTC(),
	}); cacheErr != nil {
		i.logger.WarnContext(ctx, "error caching response", "error", cacheErr)
	}
}

// shellRecord reads the app-shell document out of the static bucket.
func (i *Interceptor) shellRecord(ctx context.Context) *Record {
	u, err := i.c.resolve(i.c.ShellPath)
	if err != nil {
		return nil
	}

	b, err := i.store.Open(ctx, buckets.StaticName(i.c.Version))
	if err != nil {
		return nil
	}

	rec, err := b.Get(ctx, buckets.Key(http.Request{Method: http.MethodGet, URL: u}))
	if err != nil {
		return nil
	}
	return rec
}

func (i *Interceptor) excluded(u *url.URL) bool {
	for _, host := range i.c.ExcludedHosts {
		if strings.EqualFold(u.Host, host) || strings.EqualFold(u.Hostname(), host) {
			return true
		}
	}
	return false
}

// isNavigation reports whether a request targets a navigational
// document rather than a sub-resource.
func isNavigation(r *http.Request) bool {
	if r.Header.Get(headerSecFetchMode) == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get(headerAccept), "text/html")
}

func readRecord(rec *Record, req *http.Request) (*http.Response, error) {
	nr := bufio.NewReader(bytes.NewReader(rec.Response))
	return http.ReadResponse(nr, req)
}
