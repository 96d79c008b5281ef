// Package crawl fans a url list out over the stealth client and collects
// per-page results into a session-stamped json file.
package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"stealthcrawl/lib/statstore"
	"stealthcrawl/lib/stealth"
)

var tracer = otel.Tracer("stealthcrawl.lib.crawl")

type Result struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	Description string    `json:"description"`
	Images      []string  `json:"images"`
	ScrapedAt   time.Time `json:"scraped_at"`
	SessionID   string    `json:"session_id"`
}

type Options struct {
	// fetches in flight at once. The default of 1 keeps attempts
	// strictly paced, raise it only when the target tolerates more.
	Concurrency int
	// directory the results json lands in
	OutputDir string
	// partial results are flushed every this many successes
	SaveEvery int
	// optional journal of per-url outcomes
	Journal *statstore.Store
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.OutputDir == "" {
		o.OutputDir = "output"
	}
	if o.SaveEvery <= 0 {
		o.SaveEvery = 10
	}
}

type Runner struct {
	client  *stealth.Client
	opts    Options
	session string
}

func NewRunner(client *stealth.Client, opts Options) (*Runner, error) {
	opts.setDefaults()
	session, err := newSessionID()
	if err != nil {
		return nil, err
	}
	return &Runner{client: client, opts: opts, session: session}, nil
}

func (r *Runner) SessionID() string {
	return r.session
}

func newSessionID() (string, error) {
	suffix, err := random.String(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixMilli(), strings.ToLower(suffix)), nil
}

// Run fetches every url and returns the successfully extracted results.
// Failures are logged and counted, never fatal to the rest of the batch.
func (r *Runner) Run(ctx context.Context, urls []string) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", r.session),
		attribute.Int("url_count", len(urls)),
	)

	if len(urls) == 0 {
		slog.Warn("no urls to crawl")
		return nil, nil
	}

	outputFile := filepath.Join(r.opts.OutputDir, fmt.Sprintf("scraped_data_%s.json", timestamp()))
	slog.Info("starting crawl",
		"session_id", r.session,
		"urls", len(urls),
		"concurrency", r.opts.Concurrency,
		"output", outputFile,
	)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, r.opts.Concurrency)
	resultsChan := make(chan Result, len(urls))
	var failures atomic.Int32

	for i, pageURL := range urls {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(n int, pageURL string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			slog.Info("scraping url", "n", n, "total", len(urls), "url", pageURL)
			result, err := r.scrapeOne(ctx, pageURL)
			if err != nil {
				slog.Error("failed to scrape url", "url", pageURL, "err", err)
				failures.Add(1)
				return
			}
			resultsChan <- result
		}(i+1, pageURL)
	}

	collected := make(chan []Result)
	go func() {
		var results []Result
		for result := range resultsChan {
			results = append(results, result)
			if len(results)%r.opts.SaveEvery == 0 {
				if err := saveResults(results, outputFile); err != nil {
					slog.Warn("failed to save progress", "output", outputFile, "err", err)
				}
			}
		}
		collected <- results
	}()

	wg.Wait()
	close(resultsChan)
	results := <-collected

	err := saveResults(results, outputFile)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save results")
		return results, err
	}

	slog.Info("crawl completed",
		"session_id", r.session,
		"success", len(results),
		"failed", failures.Load(),
		"output", outputFile,
	)
	return results, nil
}

func (r *Runner) scrapeOne(ctx context.Context, pageURL string) (Result, error) {
	ctx, span := tracer.Start(ctx, "scrapeOne")
	defer span.End()
	span.SetAttributes(attribute.String("url", pageURL))

	start := time.Now()
	res, err := r.client.Get(ctx, pageURL, stealth.RequestOptions{})
	if err != nil {
		r.journal(ctx, statstore.FetchOutcome{
			Session: r.session,
			URL:     pageURL,
			Elapsed: time.Since(start),
			Error:   err.Error(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Result{}, err
	}
	r.journal(ctx, statstore.FetchOutcome{
		Session:  r.session,
		URL:      pageURL,
		Status:   res.StatusCode,
		Attempts: res.Attempts,
		Elapsed:  res.Elapsed,
		Success:  true,
	})

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse html")
		return Result{}, err
	}

	result := Extract(doc, pageURL)
	result.ScrapedAt = time.Now().UTC()
	result.SessionID = r.session
	return result, nil
}

func (r *Runner) journal(ctx context.Context, outcome statstore.FetchOutcome) {
	if r.opts.Journal == nil {
		return
	}
	err := r.opts.Journal.RecordFetch(ctx, outcome)
	if err != nil {
		slog.Warn("failed to journal fetch outcome", "url", outcome.URL, "err", err)
	}
}

func saveResults(results []Result, path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// CreateOutputDir creates a fresh timestamped directory under base for
// one crawl run.
func CreateOutputDir(base string) (string, error) {
	dir := filepath.Join(base, "scrape_"+timestamp())
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return "", err
	}
	return dir, nil
}

func timestamp() string {
	return time.Now().Format("20060102_150405")
}
