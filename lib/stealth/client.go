// Package stealth implements an outbound http client for bulk retrieval
// from uncooperative sites. Every logical request runs through a retry
// policy with rotated browser headers, pacing between attempts, and
// optional routing through a proxypool.Pool.
package stealth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"stealthcrawl/lib/proxypool"
	"stealthcrawl/lib/restyutil"
	"stealthcrawl/lib/telemetry"
)

var tracer = otel.Tracer("stealthcrawl.lib.stealth")

var RequestRejected = fmt.Errorf("request rejected by target")
var AttemptsExhausted = fmt.Errorf("all request attempts failed")

type Options struct {
	// attempts per logical request
	MaxRetries int
	// per-attempt timeout, overridable per request
	Timeout time.Duration
	// consulted for an endpoint when the request supplies none
	Pool     *proxypool.Pool
	Strategy proxypool.Strategy
	// fail the request instead of going direct when the pool has no
	// active endpoint
	RequireProxy bool
	// hard cap on logical requests per hour, 0 disables
	MaxRequestsPerHour int
	// bounds of the uniform pacing wait between attempts, zero values
	// take the 2s..7s default
	PacingMin time.Duration
	PacingMax time.Duration
	// source of rotated user agents, defaults to a curated desktop set
	UserAgentSource UserAgentSource
	// receives full request/response dumps for debugging
	DebugOutput restyutil.InstrumentOutput
}

func (o *Options) setDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second * 30
	}
}

type RequestOptions struct {
	// overrides the client timeout for this request's attempts
	Timeout time.Duration
	// laid over the rotated baseline, caller wins on conflict
	Headers map[string]string
	// endpoint to route through, bypassing pool selection
	Proxy string
	// leave the body unread for the caller to stream. The per-attempt
	// timeout does not bound a streamed transfer.
	Stream bool
	// request body, passed through to the transport layer
	Body any
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// set instead of Body in stream mode. The caller owns closing it,
	// and the bytes are not content-decoded.
	RawBody io.ReadCloser
	// attempts the logical request consumed, including the winner
	Attempts int
	// elapsed time of the winning attempt
	Elapsed time.Duration
}

// Client issues logical requests. All attempts share one cookie jar so
// sessions survive proxy rotation.
type Client struct {
	opts  Options
	jar   http.CookieJar
	pacer *pacer

	// nil unless MaxRequestsPerHour is set
	limiter *rate.Limiter

	mu sync.Mutex
	// one underlying client per proxy endpoint, "" for direct
	clients map[string]*resty.Client
	rng     *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) (*Client, error) {
	opts.setDefaults()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := &Client{
		opts:    opts,
		jar:     jar,
		pacer:   newPacer(opts.PacingMin, opts.PacingMax, rand.New(rand.NewSource(time.Now().UnixNano()))),
		clients: map[string]*resty.Client{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepContext,
	}
	if opts.MaxRequestsPerHour > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(float64(opts.MaxRequestsPerHour)/3600), 1)
	}
	return client, nil
}

func (c *Client) Get(ctx context.Context, url string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, opts)
}

func (c *Client) Post(ctx context.Context, url string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, opts)
}

// Do runs one logical request through the retry policy. Exactly one
// response, or none, comes back: failed intermediate attempts are never
// surfaced. A nil error means the target answered 200.
func (c *Client) Do(ctx context.Context, method, url string, opts RequestOptions) (*Response, error) {
	ctx, span := tracer.Start(ctx, "Do")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
	)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	netBackoff := newNetworkBackoff()
	var lastErr error

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if wait := c.pacer.delay(); wait > 0 {
			slog.Debug("pacing before attempt", "url", url, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		res, elapsed, err := c.attempt(ctx, method, url, opts)
		if err != nil {
			if errors.Is(err, proxypool.Exhausted) {
				span.SetStatus(codes.Error, "proxy pool exhausted")
				return nil, err
			}
			lastErr = err
			slog.Warn("request attempt failed",
				"method", method,
				"url", url,
				"attempt", attempt+1,
				"max_retries", c.opts.MaxRetries,
				"err", err,
			)
			if attempt < c.opts.MaxRetries-1 {
				if serr := c.sleep(ctx, netBackoff.NextBackOff()); serr != nil {
					return nil, serr
				}
			}
			continue
		}

		status := res.StatusCode()
		outcome := classify(status)
		if opts.Stream && outcome != actionSucceed {
			res.RawBody().Close()
		}

		switch outcome {
		case actionSucceed:
			span.SetAttributes(attribute.Int("http.attempts", attempt+1))
			return buildResponse(res, opts, attempt+1, elapsed), nil
		case actionAbort:
			slog.Error("request rejected", "method", method, "url", url, "status", status)
			span.SetStatus(codes.Error, "rejected")
			return nil, fmt.Errorf("%w: status %d", RequestRejected, status)
		}

		lastErr = fmt.Errorf("status %d from target", status)
		slog.Warn("request attempt failed",
			"method", method,
			"url", url,
			"status", status,
			"attempt", attempt+1,
			"max_retries", c.opts.MaxRetries,
		)

		if outcome == actionCooldown && attempt < c.opts.MaxRetries-1 {
			wait := c.cooldown(res.Header().Get("Retry-After"))
			slog.Warn("rate limited, cooling down", "url", url, "status", status, "wait", wait)
			if serr := c.sleep(ctx, wait); serr != nil {
				return nil, serr
			}
		}
	}

	span.SetStatus(codes.Error, "attempts exhausted")
	return nil, fmt.Errorf("%w: %w", AttemptsExhausted, lastErr)
}

// attempt issues a single wire request with fresh headers and a fresh
// proxy choice, and reports the transport outcome back to the pool.
func (c *Client) attempt(ctx context.Context, method, url string, opts RequestOptions) (*resty.Response, time.Duration, error) {
	endpoint := opts.Proxy
	if endpoint == "" && c.opts.Pool != nil {
		selected, err := c.opts.Pool.Select(ctx, c.opts.Strategy)
		if err != nil {
			if c.opts.RequireProxy {
				return nil, 0, err
			}
			slog.Warn("proxy pool exhausted, going direct", "url", url)
		} else {
			endpoint = selected
		}
	}

	client, err := c.httpClientFor(endpoint)
	if err != nil {
		return nil, 0, err
	}

	timeout := c.opts.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	attemptCtx := ctx
	if !opts.Stream {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := client.R().
		SetContext(attemptCtx).
		SetHeaders(c.composeHeaders(opts.Headers))
	if opts.Body != nil {
		req.SetBody(opts.Body)
	}
	if opts.Stream {
		req.SetDoNotParseResponse(true)
	}

	slog.Debug("issuing attempt", "method", method, "url", url, "proxy", endpoint)

	start := time.Now()
	res, err := req.Execute(method, url)
	elapsed := time.Since(start)

	if c.opts.Pool != nil && endpoint != "" {
		if err != nil {
			c.opts.Pool.ReportFailure(endpoint, err)
		} else {
			c.opts.Pool.ReportSuccess(endpoint, elapsed.Seconds())
		}
	}
	if err != nil {
		return nil, elapsed, err
	}
	return res, elapsed, nil
}

// httpClientFor returns the cached underlying client for an endpoint,
// building it on first use. "" is the direct connection.
func (c *Client) httpClientFor(endpoint string) (*resty.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, ok := c.clients[endpoint]
	if ok {
		return client, nil
	}

	client = resty.New()
	client.SetCookieJar(c.jar)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	transport := client.GetClient().Transport
	if endpoint != "" {
		var proxied *http.Transport
		var err error
		if c.opts.Pool != nil {
			proxied, err = c.opts.Pool.Transport(endpoint, c.opts.Timeout)
		} else {
			proxied, err = proxypool.NewTransport(endpoint, nil, c.opts.Timeout)
		}
		if err != nil {
			return nil, err
		}
		transport = proxied
	}
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(transport)

	if c.opts.DebugOutput != nil {
		restyutil.InstrumentClient(client, tracer, c.opts.DebugOutput)
	} else {
		telemetry.InstrumentResty(client, "stealthcrawl.lib.stealth.http")
	}

	c.clients[endpoint] = client
	return client, nil
}

func buildResponse(res *resty.Response, opts RequestOptions, attempts int, elapsed time.Duration) *Response {
	out := &Response{
		StatusCode: res.StatusCode(),
		Header:     res.Header(),
		Attempts:   attempts,
		Elapsed:    elapsed,
	}
	if opts.Stream {
		out.RawBody = res.RawBody()
	} else {
		out.Body = res.Body()
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
