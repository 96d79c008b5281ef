package commands

import (
	"time"

	"stealthcrawl/lib/configutil"
	"stealthcrawl/lib/proxypool"
	"stealthcrawl/lib/restyutil"
	"stealthcrawl/lib/statstore"
	"stealthcrawl/lib/stealth"
	"stealthcrawl/lib/util/serviceutil"
)

const configFile = "stealthcrawl.json5"

type ScraperConfig struct {
	MaxRetries            int `json:"max_retries"`
	RequestTimeoutSeconds int `json:"request_timeout_seconds"`
	Concurrency           int `json:"concurrency"`
	MaxRequestsPerHour    int `json:"max_requests_per_hour"`
	SaveEvery             int `json:"save_every"`
	// bounds of the pacing wait between requests
	DelayMinSeconds float64 `json:"delay_min_seconds"`
	DelayMaxSeconds float64 `json:"delay_max_seconds"`
	// pull live browser user agents instead of the built-in set
	RotateRealAgents bool `json:"rotate_real_agents"`
}

type ProxyConfig struct {
	Enabled  bool     `json:"enabled"`
	List     []string `json:"list"`
	Strategy string   `json:"strategy"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	// requests fail instead of going direct when no proxy is usable
	Required                  bool   `json:"required"`
	MaxFailures               int    `json:"max_failures"`
	HealthCheckURL            string `json:"health_check_url"`
	HealthCheckTimeoutSeconds int    `json:"health_check_timeout_seconds"`
}

type OutputConfig struct {
	Dir string `json:"dir"`
}

type DebugConfig struct {
	SaveHTTPMessages bool   `json:"save_http_messages"`
	MessageDir       string `json:"message_dir"`
}

type Config struct {
	Scraper ScraperConfig    `json:"scraper"`
	Proxy   ProxyConfig      `json:"proxy"`
	Output  OutputConfig     `json:"output"`
	Debug   DebugConfig      `json:"debug"`
	Journal statstore.Config `json:"journal"`
}

func defaultConfig() Config {
	return Config{
		Scraper: ScraperConfig{
			MaxRetries:            3,
			RequestTimeoutSeconds: 30,
			Concurrency:           1,
			MaxRequestsPerHour:    1000,
			SaveEvery:             10,
			DelayMinSeconds:       2,
			DelayMaxSeconds:       7,
		},
		Proxy: ProxyConfig{
			Strategy:                  "random",
			MaxFailures:               3,
			HealthCheckURL:            "https://www.google.com",
			HealthCheckTimeoutSeconds: 10,
		},
		Output: OutputConfig{Dir: "output"},
		Debug:  DebugConfig{MessageDir: ".dev/resty/stealthcrawl"},
	}
}

func loadConfig() Config {
	cfg, err := configutil.ReadConfigWithDefaults(configFile, defaultConfig())
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	return cfg
}

// buildPool returns nil when proxy support is disabled or no endpoints
// are configured.
func buildPool(cfg Config) *proxypool.Pool {
	if !cfg.Proxy.Enabled || len(cfg.Proxy.List) == 0 {
		return nil
	}
	var auth *proxypool.Credentials
	if cfg.Proxy.Username != "" {
		auth = &proxypool.Credentials{
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}
	return proxypool.New(cfg.Proxy.List, proxypool.Options{
		MaxFailures:        cfg.Proxy.MaxFailures,
		HealthCheckURL:     cfg.Proxy.HealthCheckURL,
		HealthCheckTimeout: time.Duration(cfg.Proxy.HealthCheckTimeoutSeconds) * time.Second,
		Auth:               auth,
	})
}

func buildClient(cfg Config, pool *proxypool.Pool) *stealth.Client {
	opts := stealth.Options{
		MaxRetries:         cfg.Scraper.MaxRetries,
		Timeout:            time.Duration(cfg.Scraper.RequestTimeoutSeconds) * time.Second,
		Pool:               pool,
		Strategy:           proxypool.ParseStrategy(cfg.Proxy.Strategy),
		RequireProxy:       cfg.Proxy.Required,
		MaxRequestsPerHour: cfg.Scraper.MaxRequestsPerHour,
		PacingMin:          time.Duration(cfg.Scraper.DelayMinSeconds * float64(time.Second)),
		PacingMax:          time.Duration(cfg.Scraper.DelayMaxSeconds * float64(time.Second)),
	}
	if cfg.Scraper.RotateRealAgents {
		opts.UserAgentSource = stealth.FakeBrowserSource{}
	}
	if cfg.Debug.SaveHTTPMessages {
		opts.DebugOutput = restyutil.NewFilesystemOutput(cfg.Debug.MessageDir)
	}
	client, err := stealth.New(opts)
	if err != nil {
		serviceutil.Fatal("failed to initialize client", err)
	}
	return client
}

// openJournal returns nil when no journal database is configured.
func openJournal(cfg Config) *statstore.Store {
	if cfg.Journal.File == "" && cfg.Journal.Url == "" {
		return nil
	}
	store, err := statstore.Open(cfg.Journal)
	if err != nil {
		serviceutil.Fatal("failed to open journal", err)
	}
	return &store
}
