package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"stealthcrawl/lib/statstore"
)

func init() {
	rootCmd.AddCommand(checkProxiesCmd)
}

var checkProxiesCmd = &cobra.Command{
	Use:   "check-proxies",
	Short: "Probes every configured proxy and prints its health record.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		pool := buildPool(cfg)
		if pool == nil {
			slog.Warn("proxy support is not enabled in the configuration")
			return
		}

		t1 := time.Now()
		healthy, total := pool.HealthCheckAll(cmd.Context())
		t2 := time.Now()
		slog.Info("proxy health check",
			"healthy", healthy,
			"total", total,
			"seconds", t2.Sub(t1).Seconds(),
		)

		journal := openJournal(cfg)
		if journal != nil {
			defer journal.Close()
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{
			"Endpoint", "Active", "Success", "Failure",
			"Consecutive Failures", "Avg Response",
		})

		for _, stats := range pool.Stats() {
			t.AppendRow(table.Row{
				stats.Endpoint,
				stats.IsActive,
				stats.SuccessCount,
				stats.FailureCount,
				stats.ConsecutiveFailures,
				fmt.Sprintf("%.2fs", stats.AverageResponseTime()),
			})

			if journal == nil {
				continue
			}
			err := journal.RecordProxyCheck(cmd.Context(), statstore.ProxyCheck{
				Endpoint:     stats.Endpoint,
				Healthy:      stats.IsActive,
				ResponseTime: stats.AverageResponseTime(),
			})
			if err != nil {
				slog.Warn("failed to journal proxy check",
					"endpoint", stats.Endpoint, "err", err)
			}
		}

		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
