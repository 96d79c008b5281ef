package stealth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stealthcrawl/lib/proxypool"
)

// recordingSleeper captures every requested wait without actually waiting.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration{}, s.waits...)
}

func newTestClient(t *testing.T, opts Options) (*Client, *recordingSleeper) {
	t.Helper()
	client, err := New(opts)
	require.NoError(t, err)
	sleeper := &recordingSleeper{}
	client.sleep = sleeper.sleep
	return client, sleeper
}

// newForwardProxy serves as an in-process http forward proxy, counting
// the requests routed through it.
func newForwardProxy(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var proxied atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a forward proxy receives the absolute url in the request line
		if !r.URL.IsAbs() {
			http.Error(w, "expected absolute url", http.StatusBadRequest)
			return
		}
		proxied.Add(1)
		res, err := http.Get(r.URL.String())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer res.Body.Close()
		w.WriteHeader(res.StatusCode)
		io.Copy(w, res.Body)
	}))
	t.Cleanup(server.Close)
	return server, &proxied
}

func TestGetSuccess(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	client, sleeper := newTestClient(t, Options{})

	res, err := client.Get(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "hello", string(res.Body))
	require.Equal(t, 1, res.Attempts)
	require.Greater(t, res.Elapsed, time.Duration(0))

	require.Equal(t, int32(1), hits.Load())
	// the first attempt of the client's lifetime is never paced
	require.Empty(t, sleeper.recorded())
}

func TestClientDefaults(t *testing.T) {
	client, err := New(Options{})
	require.NoError(t, err)
	require.Equal(t, 3, client.opts.MaxRetries)
	require.Equal(t, 30*time.Second, client.opts.Timeout)
	require.Nil(t, client.limiter)

	capped, err := New(Options{MaxRequestsPerHour: 600})
	require.NoError(t, err)
	require.NotNil(t, capped.limiter)
}

func TestRejectionAbortsImmediately(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound} {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(status)
		}))

		client, sleeper := newTestClient(t, Options{MaxRetries: 3})

		res, err := client.Get(context.Background(), server.URL, RequestOptions{})
		require.Nil(t, res, "status %d", status)
		require.ErrorIs(t, err, RequestRejected, "status %d", status)

		// rejection consumes no further attempts and no waits
		require.Equal(t, int32(1), hits.Load(), "status %d", status)
		require.Empty(t, sleeper.recorded(), "status %d", status)

		server.Close()
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	client, sleeper := newTestClient(t, Options{MaxRetries: 3})

	res, err := client.Get(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, "recovered", string(res.Body))

	// one cooldown of exactly the advertised length, then the pacing
	// wait before the second attempt
	waits := sleeper.recorded()
	require.Len(t, waits, 2)
	require.Equal(t, 5*time.Second, waits[0])
	require.GreaterOrEqual(t, waits[1], 1500*time.Millisecond)
	require.LessOrEqual(t, waits[1], 7500*time.Millisecond)
}

func TestRateLimitFallbackWait(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, sleeper := newTestClient(t, Options{})

	_, err := client.Get(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)

	waits := sleeper.recorded()
	require.NotEmpty(t, waits)
	require.GreaterOrEqual(t, waits[0], 30*time.Second)
	require.LessOrEqual(t, waits[0], 120*time.Second)
}

func TestFinalRateLimitSkipsCooldown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, sleeper := newTestClient(t, Options{MaxRetries: 3})

	res, err := client.Get(context.Background(), server.URL, RequestOptions{})
	require.Nil(t, res)
	require.ErrorIs(t, err, AttemptsExhausted)

	// no cooldown after the last attempt, nothing follows it
	var cooldowns int
	for _, wait := range sleeper.recorded() {
		if wait == 45*time.Second {
			cooldowns++
		}
	}
	require.Equal(t, 2, cooldowns)
}

func TestNetworkErrorsExhaustAttempts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server does not support hijacking")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		conn.Close()
	}))
	defer server.Close()

	client, sleeper := newTestClient(t, Options{MaxRetries: 3})

	res, err := client.Get(context.Background(), server.URL, RequestOptions{})
	require.Nil(t, res)
	require.ErrorIs(t, err, AttemptsExhausted)
	require.Equal(t, int32(3), hits.Load())

	// backoff after the first failure, pacing, backoff after the second,
	// pacing, then nothing after the final failure
	waits := sleeper.recorded()
	require.Len(t, waits, 4)
	require.Equal(t, 1*time.Second, waits[0])
	require.Equal(t, 2*time.Second, waits[2])
}

func TestTransientStatusesRetried(t *testing.T) {
	statuses := []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK}
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := statuses[hits.Add(1)-1]
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte("finally"))
		}
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{MaxRetries: 3})

	res, err := client.Get(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, "finally", string(res.Body))
	require.Equal(t, int32(3), hits.Load())
}

func TestHeaderRotationBaseline(t *testing.T) {
	var mu sync.Mutex
	var captured http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		captured = r.Header.Clone()
		mu.Unlock()
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{})

	_, err := client.Get(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, defaultUserAgents, captured.Get("User-Agent"))
	require.Contains(t, acceptLanguages, captured.Get("Accept-Language"))
	require.Equal(t, "https://www.google.com/", captured.Get("Referer"))
	require.Equal(t, "document", captured.Get("Sec-Fetch-Dest"))
	require.Equal(t, "navigate", captured.Get("Sec-Fetch-Mode"))
	require.Equal(t, "1", captured.Get("Upgrade-Insecure-Requests"))
	require.Equal(t, "no-cache", captured.Get("Cache-Control"))
}

func TestCallerHeadersWin(t *testing.T) {
	var mu sync.Mutex
	var captured http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		captured = r.Header.Clone()
		mu.Unlock()
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{})

	_, err := client.Get(context.Background(), server.URL, RequestOptions{
		// lower-cased on purpose, the override must still land
		Headers: map[string]string{
			"user-agent": "custom-agent/1.0",
			"X-Job":      "batch-7",
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "custom-agent/1.0", captured.Get("User-Agent"))
	require.Equal(t, "batch-7", captured.Get("X-Job"))
	// rotation still fills everything the caller left alone
	require.Contains(t, acceptLanguages, captured.Get("Accept-Language"))
}

func TestCookiesPersistAcrossRequests(t *testing.T) {
	var sawCookie atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie("session"); err == nil && cookie.Value == "abc123" {
			sawCookie.Store(true)
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123"})
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{})

	_, err := client.Get(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	_, err = client.Get(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)

	require.True(t, sawCookie.Load())
}

func TestPoolRouting(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("via proxy"))
	}))
	defer target.Close()

	forward, proxied := newForwardProxy(t)

	pool := proxypool.New([]string{forward.URL}, proxypool.Options{
		HealthCheckURL:      target.URL,
		HealthCheckInterval: time.Minute,
	})
	client, _ := newTestClient(t, Options{Pool: pool})

	res, err := client.Get(context.Background(), target.URL, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, "via proxy", string(res.Body))

	// the first selection probes the never-used endpoint, then the
	// request itself goes through, both via the proxy
	require.Equal(t, int32(2), proxied.Load())
	require.Equal(t, int32(2), hits.Load())

	stats := pool.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, 2, stats[0].SuccessCount)
	require.True(t, stats[0].IsActive)
}

func TestRequireProxyFailsWhenExhausted(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer target.Close()

	pool := proxypool.New([]string{"http://127.0.0.1:1"}, proxypool.Options{MaxFailures: 1})
	pool.ReportFailure("http://127.0.0.1:1", errors.New("dead"))

	{
		client, _ := newTestClient(t, Options{Pool: pool, RequireProxy: true})
		res, err := client.Get(context.Background(), target.URL, RequestOptions{})
		require.Nil(t, res)
		require.ErrorIs(t, err, proxypool.Exhausted)
		require.Equal(t, int32(0), hits.Load())
	}

	{
		// without the requirement the client degrades to a direct connection
		client, _ := newTestClient(t, Options{Pool: pool})
		res, err := client.Get(context.Background(), target.URL, RequestOptions{})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, int32(1), hits.Load())
	}
}

func TestExplicitProxyBypassesPool(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer target.Close()

	forward, proxied := newForwardProxy(t)

	client, _ := newTestClient(t, Options{})

	res, err := client.Get(context.Background(), target.URL, RequestOptions{Proxy: forward.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, int32(1), proxied.Load())
}

func TestStreamResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("streamed content"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{})

	res, err := client.Get(context.Background(), server.URL, RequestOptions{Stream: true})
	require.NoError(t, err)
	require.Nil(t, res.Body)
	require.NotNil(t, res.RawBody)
	defer res.RawBody.Close()

	content, err := io.ReadAll(res.RawBody)
	require.NoError(t, err)
	require.Equal(t, "streamed content", string(content))
}

func TestFetchDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Landing</title></head>` +
			`<body><a href="/next">next</a></body></html>`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{})

	doc, err := client.FetchDocument(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, "Landing", doc.Find("title").Text())
	require.Equal(t, 1, doc.Find("a").Length())
}

func TestFetchDocumentPassesThroughRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{})

	doc, err := client.FetchDocument(context.Background(), server.URL, RequestOptions{})
	require.Nil(t, doc)
	require.ErrorIs(t, err, RequestRejected)
}

func TestDownloadFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file payload"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{})

	path := filepath.Join(t.TempDir(), "nested", "deep", "page.html")
	err := client.DownloadFile(context.Background(), server.URL, path, RequestOptions{})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "file payload", string(content))
}

func TestDownloadFileFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, _ := newTestClient(t, Options{})

	path := filepath.Join(t.TempDir(), "missing", "page.html")
	err := client.DownloadFile(context.Background(), server.URL, path, RequestOptions{})
	require.ErrorIs(t, err, RequestRejected)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}
