package workercache_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	workercache "github.com/cmorrow/go-worker-cache"
	"github.com/cmorrow/go-worker-cache/buckets"
	"github.com/cmorrow/go-worker-cache/buckets/memory"
)

const testVersion = "v2"

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, store workercache.Store, baseURL string, mutate func(*workercache.Config)) *workercache.Worker {
	t.Helper()

	cfg := workercache.DefaultConfig()
	cfg.Version = testVersion
	cfg.BaseURL = baseURL
	if mutate != nil {
		mutate(&cfg)
	}
	return workercache.NewWorker(store, &cfg, testTime, testLogger())
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// rawResponse builds a wire-format snapshot the interceptor can replay.
func rawResponse(status int, body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n%s",
		status, http.StatusText(status), len(body), body))
}

func TestExclusionPassthrough(t *testing.T) {
	t.Parallel()

	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requestCount.Add(1)
		w.Write([]byte("remote execution result"))
	}))
	defer server.Close()

	serverURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	store := memory.New()
	w := newTestWorker(t, store, server.URL, func(c *workercache.Config) {
		c.ExcludedHosts = []string{serverURL.Host}
	})

	client := &http.Client{Transport: w.Middleware()(http.DefaultTransport)}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.URL + "/execute")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
	}

	if got := requestCount.Load(); got != 2 {
		t.Errorf("expected 2 requests to reach the server, got %d", got)
	}

	names, err := store.Names(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("expected no buckets to be touched, got %v", names)
	}
}

func TestCacheFirstWithBackgroundRevalidation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	releaseRevalidation := func() { once.Do(func() { close(release) }) }
	defer releaseRevalidation()

	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requestCount.Add(1) > 1 {
			<-release
		}
		w.Write([]byte("content"))
	}))
	defer server.Close()

	store := memory.New()
	w := newTestWorker(t, store, server.URL, nil)
	client := &http.Client{Transport: w.Middleware()(http.DefaultTransport)}

	// miss, populates the dynamic bucket
	resp1, err := client.Get(server.URL + "/data")
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	resp1.Body.Close()

	// hit, must return without waiting on the blocked server
	resp2, err := client.Get(server.URL + "/data")
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	body, err := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "content" {
		t.Errorf("expected cached content, got %q", string(body))
	}

	releaseRevalidation()
	if err := w.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := requestCount.Load(); got != 2 {
		t.Errorf("expected exactly one revalidation fetch, got %d total requests", got)
	}

	b, err := store.Open(context.Background(), buckets.DynamicName(testVersion))
	if err != nil {
		t.Fatal(err)
	}
	keys, err := b.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("expected 1 dynamic record, got %d", len(keys))
	}
}

func TestDynamicPopulationOnAnyStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}))
	defer server.Close()

	store := memory.New()
	w := newTestWorker(t, store, server.URL, nil)
	client := &http.Client{Transport: w.Middleware()(http.DefaultTransport)}

	resp, err := client.Get(server.URL + "/gone")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	ctx := context.Background()
	b, err := store.Open(ctx, buckets.DynamicName(testVersion))
	if err != nil {
		t.Fatal(err)
	}

	rec, err := b.Get(ctx, fmt.Sprintf("GET#%s/gone", server.URL))
	if err != nil {
		t.Fatalf("expected 404 response to be cached: %v", err)
	}
	if rec.Status != http.StatusNotFound {
		t.Errorf("expected cached status 404, got %d", rec.Status)
	}
	if rec.StoredAt != testTime() {
		t.Errorf("expected record stored at %v, got %v", testTime(), rec.StoredAt)
	}
}

func TestRevalidationKeepsRecordOnNon200(t *testing.T) {
	t.Parallel()

	var requestCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requestCount.Add(1) == 1 {
			w.Write([]byte("first"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("broken"))
	}))
	defer server.Close()

	store := memory.New()
	w := newTestWorker(t, store, server.URL, nil)
	client := &http.Client{Transport: w.Middleware()(http.DefaultTransport)}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.URL + "/data")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
	}

	if err := w.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	// the 500 revalidation response must not replace the cached record
	resp, err := client.Get(server.URL + "/data")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "first" {
		t.Errorf("expected original cached content, got %q", string(body))
	}

	if err := w.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRepeatedRevalidationKeepsBucketSize(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("stable"))
	}))
	defer server.Close()

	store := memory.New()
	w := newTestWorker(t, store, server.URL, nil)
	client := &http.Client{Transport: w.Middleware()(http.DefaultTransport)}

	for i := 0; i < 5; i++ {
		resp, err := client.Get(server.URL + "/data")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if err := w.Drain(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	b, err := store.Open(context.Background(), buckets.DynamicName(testVersion))
	if err != nil {
		t.Fatal(err)
	}
	keys, err := b.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("expected bucket size to stay at 1, got %d", len(keys))
	}
}

func TestStaticBucketPrecedence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	w := newTestWorker(t, store, "http://app.example", nil)

	key := "GET#http://app.example/pinned"

	static, err := store.Open(ctx, buckets.StaticName(testVersion))
	if err != nil {
		t.Fatal(err)
	}
	if err := static.Put(ctx, key, &workercache.Record{
		Status:   http.StatusOK,
		Response: rawResponse(http.StatusOK, "static copy"),
		StoredAt: testTime(),
	}); err != nil {
		t.Fatal(err)
	}

	dynamic, err := store.Open(ctx, buckets.DynamicName(testVersion))
	if err != nil {
		t.Fatal(err)
	}
	if err := dynamic.Put(ctx, key, &workercache.Record{
		Status:   http.StatusOK,
		Response: rawResponse(http.StatusOK, "dynamic copy"),
		StoredAt: testTime(),
	}); err != nil {
		t.Fatal(err)
	}

	// wrapped transport always fails so the revalidation is a no-op
	rt := w.Middleware()(roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("network unreachable")
	}))

	req, err := http.NewRequest(http.MethodGet, "http://app.example/pinned", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected cache hit, got error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "static copy" {
		t.Errorf("expected static record to win, got %q", string(body))
	}

	if err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestOfflineFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		header        http.Header
		expectedShell bool
	}{
		{
			name:          "navigation by Sec-Fetch-Mode falls back to the shell",
			header:        http.Header{"Sec-Fetch-Mode": []string{"navigate"}},
			expectedShell: true,
		},
		{
			name:          "navigation by Accept header falls back to the shell",
			header:        http.Header{"Accept": []string{"text/html,application/xhtml+xml"}},
			expectedShell: true,
		},
		{
			name:          "sub-resource failure propagates",
			header:        http.Header{"Accept": []string{"application/json"}},
			expectedShell: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := memory.New()
			w := newTestWorker(t, store, "http://app.example", nil)

			static, err := store.Open(ctx, buckets.StaticName(testVersion))
			if err != nil {
				t.Fatal(err)
			}
			if err := static.Put(ctx, "GET#http://app.example/", &workercache.Record{
				Status:   http.StatusOK,
				Response: rawResponse(http.StatusOK, "app shell"),
				StoredAt: testTime(),
			}); err != nil {
				t.Fatal(err)
			}

			rt := w.Middleware()(roundTripperFunc(func(*http.Request) (*http.Response, error) {
				return nil, errors.New("network unreachable")
			}))

			req, err := http.NewRequest(http.MethodGet, "http://app.example/deep/page", nil)
			if err != nil {
				t.Fatal(err)
			}
			req.Header = tt.header

			resp, err := rt.RoundTrip(req)
			if !tt.expectedShell {
				if err == nil {
					t.Fatal("expected the network failure to propagate")
				}
				return
			}

			if err != nil {
				t.Fatalf("expected shell fallback, got error: %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if string(body) != "app shell" {
				t.Errorf("expected app shell, got %q", string(body))
			}
		})
	}
}
