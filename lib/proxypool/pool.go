package proxypool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("stealthcrawl.lib.proxypool")

var Exhausted = fmt.Errorf("no active proxy available")

const probeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Options struct {
	// consecutive failures before an endpoint is banned
	MaxFailures int
	// url probed to decide whether an endpoint is still usable
	HealthCheckURL string
	// timeout on a single health probe
	HealthCheckTimeout time.Duration
	// endpoints used more recently than this skip their probe
	HealthCheckInterval time.Duration
	// when set, injected into endpoints that carry no credentials
	Auth *Credentials
}

func (o *Options) setDefaults() {
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	if o.HealthCheckURL == "" {
		o.HealthCheckURL = "https://www.google.com"
	}
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = time.Second * 10
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = time.Minute * 5
	}
}

// Pool owns every endpoint's health record. All reads and writes go
// through its methods, never through shared maps.
type Pool struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*Stats
	probes  map[string]*http.Client

	// overridable in tests
	now   func() time.Time
	probe func(ctx context.Context, endpoint string) (float64, error)
}

func New(endpoints []string, opts Options) *Pool {
	opts.setDefaults()
	p := &Pool{
		opts:    opts,
		entries: map[string]*Stats{},
		probes:  map[string]*http.Client{},
		now:     time.Now,
	}
	p.probe = p.probeEndpoint
	for _, endpoint := range endpoints {
		p.Register(endpoint)
	}
	return p
}

// Register adds an endpoint with a zeroed record and reports whether it
// was newly added. Blank addresses and duplicates return false.
func (p *Pool) Register(endpoint string) bool {
	normalized := Normalize(endpoint)
	if normalized == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, exists := p.entries[normalized]
	if exists {
		return false
	}
	p.entries[normalized] = &Stats{
		Endpoint: normalized,
		IsActive: true,
	}
	slog.Debug("registered proxy", "endpoint", normalized)
	return true
}

// Deregister drops all state for an endpoint and reports whether it existed.
func (p *Pool) Deregister(endpoint string) bool {
	normalized := Normalize(endpoint)

	p.mu.Lock()
	defer p.mu.Unlock()

	_, exists := p.entries[normalized]
	if !exists {
		return false
	}
	delete(p.entries, normalized)
	delete(p.probes, normalized)
	return true
}

// ReportSuccess records a successful call through the endpoint. A banned
// endpoint is reinstated immediately, its historical counters intact.
func (p *Pool) ReportSuccess(endpoint string, responseTime float64) {
	normalized := Normalize(endpoint)

	p.mu.Lock()
	defer p.mu.Unlock()

	stats, ok := p.entries[normalized]
	if !ok {
		return
	}
	stats.SuccessCount++
	stats.TotalResponseTime += responseTime
	stats.ConsecutiveFailures = 0
	stats.LastUsedAt = p.now()
	if !stats.IsActive {
		stats.IsActive = true
		slog.Info("proxy reinstated", "endpoint", normalized)
	}
}

// ReportFailure records a failed call through the endpoint, banning it
// once consecutive failures reach the configured threshold.
func (p *Pool) ReportFailure(endpoint string, reason error) {
	normalized := Normalize(endpoint)

	p.mu.Lock()
	defer p.mu.Unlock()

	stats, ok := p.entries[normalized]
	if !ok {
		return
	}
	stats.FailureCount++
	stats.ConsecutiveFailures++
	stats.LastFailureAt = p.now()
	if stats.ConsecutiveFailures >= p.opts.MaxFailures && stats.IsActive {
		stats.IsActive = false
		slog.Warn(
			"proxy banned",
			"endpoint", normalized,
			"consecutive_failures", stats.ConsecutiveFailures,
			"reason", reason,
		)
	}
}

// Select picks one active endpoint per the strategy, after probing every
// active endpoint that has sat idle past the health-check interval. The
// chosen endpoint's lastUsedAt is set to now, marking reservation rather
// than confirmed use.
func (p *Pool) Select(ctx context.Context, strategy Strategy) (string, error) {
	ctx, span := tracer.Start(ctx, "Select")
	defer span.End()
	span.SetAttributes(attribute.String("strategy", strategy.String()))

	for _, endpoint := range p.dueForProbe() {
		p.HealthCheck(ctx, endpoint)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []Stats
	for _, stats := range p.entries {
		if stats.IsActive {
			candidates = append(candidates, *stats)
		}
	}
	if len(candidates) == 0 {
		span.SetStatus(codes.Error, Exhausted.Error())
		return "", Exhausted
	}

	chosen := pick(strategy, candidates)
	p.entries[chosen].LastUsedAt = p.now()
	span.SetAttributes(attribute.String("endpoint", chosen))
	return chosen, nil
}

func (p *Pool) dueForProbe() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []string
	for endpoint, stats := range p.entries {
		if stats.IsActive && p.now().Sub(stats.LastUsedAt) > p.opts.HealthCheckInterval {
			due = append(due, endpoint)
		}
	}
	return due
}

// HealthCheck probes the endpoint with one bounded GET, feeding the outcome
// through the same success/failure accounting as real traffic. An endpoint
// used within the health-check interval is not probed, its current standing
// is returned instead.
func (p *Pool) HealthCheck(ctx context.Context, endpoint string) bool {
	normalized := Normalize(endpoint)

	p.mu.Lock()
	stats, ok := p.entries[normalized]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if p.now().Sub(stats.LastUsedAt) < p.opts.HealthCheckInterval {
		active := stats.IsActive
		p.mu.Unlock()
		return active
	}
	p.mu.Unlock()

	ctx, span := tracer.Start(ctx, "HealthCheck")
	defer span.End()
	span.SetAttributes(attribute.String("endpoint", normalized))

	elapsed, err := p.probe(ctx, normalized)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
		p.ReportFailure(normalized, err)
		return false
	}
	p.ReportSuccess(normalized, elapsed)
	return true
}

// HealthCheckAll probes every known endpoint sequentially and returns how
// many are healthy out of the total.
func (p *Pool) HealthCheckAll(ctx context.Context) (healthy, total int) {
	ctx, span := tracer.Start(ctx, "HealthCheckAll")
	defer span.End()

	p.mu.Lock()
	endpoints := make([]string, 0, len(p.entries))
	for endpoint := range p.entries {
		endpoints = append(endpoints, endpoint)
	}
	p.mu.Unlock()
	sort.Strings(endpoints)

	for _, endpoint := range endpoints {
		if p.HealthCheck(ctx, endpoint) {
			healthy++
		}
	}
	return healthy, len(endpoints)
}

// Stats returns a snapshot of every endpoint's record, sorted by endpoint
// for stable output.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, 0, len(p.entries))
	for _, stats := range p.entries {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Transport builds an http.Transport routed through the given endpoint,
// carrying the pool's shared credentials.
func (p *Pool) Transport(endpoint string, timeout time.Duration) (*http.Transport, error) {
	return NewTransport(endpoint, p.opts.Auth, timeout)
}

func (p *Pool) probeEndpoint(ctx context.Context, endpoint string) (float64, error) {
	client, err := p.probeClient(endpoint)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.HealthCheckURL, nil)
	if err != nil {
		return 0, err
	}
	// probes present a fixed browser signature so the target treats them
	// like ordinary traffic
	req.Header.Set("User-Agent", probeUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	start := p.now()
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health check returned status %d", res.StatusCode)
	}
	return p.now().Sub(start).Seconds(), nil
}

func (p *Pool) probeClient(endpoint string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.probes[endpoint]
	if ok {
		return client, nil
	}
	transport, err := NewTransport(endpoint, p.opts.Auth, p.opts.HealthCheckTimeout)
	if err != nil {
		return nil, err
	}
	client = &http.Client{
		Transport: cloudflarebp.AddCloudFlareByPass(transport),
		Timeout:   p.opts.HealthCheckTimeout,
	}
	p.probes[endpoint] = client
	return client, nil
}
