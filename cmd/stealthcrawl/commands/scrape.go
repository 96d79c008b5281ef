package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"stealthcrawl/lib/crawl"
	"stealthcrawl/lib/telemetry"
	"stealthcrawl/lib/util/serviceutil"
)

var scrapeOutput *string

func init() {
	scrapeOutput = scrapeCmd.Flags().StringP(
		"output", "o", "",
		"Directory to write results under, overriding the configured one.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape <path/to/urls.txt> [-o <dir>]",
	Short: "Scrapes every url in the given file and writes the results to json.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		telemetry.InstrumentPerfStats(cmd.Context())

		urls, err := crawl.ReadURLFile(args[0])
		if err != nil {
			serviceutil.Fatal("failed to read url file", err)
		}
		if len(urls) == 0 {
			serviceutil.Fatal(
				"no usable urls",
				fmt.Errorf("%s contained no valid urls", args[0]),
			)
		}

		pool := buildPool(cfg)
		if pool != nil {
			healthy, total := pool.HealthCheckAll(cmd.Context())
			slog.Info("proxy pool initialized", "healthy", healthy, "total", total)
		}
		client := buildClient(cfg, pool)

		journal := openJournal(cfg)
		if journal != nil {
			defer journal.Close()
		}

		base := cfg.Output.Dir
		if *scrapeOutput != "" {
			base = *scrapeOutput
		}
		outputDir, err := crawl.CreateOutputDir(base)
		if err != nil {
			serviceutil.Fatal("failed to create output directory", err)
		}

		runner, err := crawl.NewRunner(client, crawl.Options{
			Concurrency: cfg.Scraper.Concurrency,
			OutputDir:   outputDir,
			SaveEvery:   cfg.Scraper.SaveEvery,
			Journal:     journal,
		})
		if err != nil {
			serviceutil.Fatal("failed to initialize runner", err)
		}

		slog.Info("starting scrape",
			"urls", len(urls),
			"session", runner.SessionID(),
			"output", outputDir,
		)

		t1 := time.Now()
		results, err := runner.Run(cmd.Context(), urls)
		if err != nil {
			serviceutil.Fatal("scrape failed", err)
		}
		t2 := time.Now()

		slog.Info("scraping time",
			"seconds", t2.Sub(t1).Seconds(),
			"scraped", len(results),
			"failed", len(urls)-len(results),
		)
	},
}
