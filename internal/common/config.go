package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Browser     BrowserConfig   `toml:"browser"`
	Agent       AgentConfig     `toml:"agent"`
	Discovery   DiscoveryConfig `toml:"discovery"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Reporter    ReporterConfig  `toml:"reporter"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// SchedulerConfig controls the worker pool. max_concurrent only seeds the persisted setting;
// once stored, the runtime value is changed through the API.
type SchedulerConfig struct {
	MaxConcurrent int    `toml:"max_concurrent"` // 1-5, default 3
	TickInterval  string `toml:"tick_interval"`  // Periodic wake-up, e.g. "30s"
	LaunchStagger string `toml:"launch_stagger"` // Delay between pipeline launches, e.g. "500ms"
	RefillDelay   string `toml:"refill_delay"`   // Delay before refilling a freed slot, e.g. "1s"
	LeaseDuration string `toml:"lease_duration"` // Claim lease, renewed by heartbeat
	ReapSchedule  string `toml:"reap_schedule"`  // Cron schedule for the lease reaper
}

// BrowserConfig configures the shared chromedp browser
type BrowserConfig struct {
	Headless    bool   `toml:"headless"`
	NoSandbox   bool   `toml:"no_sandbox"`
	DisableGPU  bool   `toml:"disable_gpu"`
	UserAgent   string `toml:"user_agent"`
	ExecPath    string `toml:"exec_path"`    // Optional Chrome binary path
	LoadTimeout string `toml:"load_timeout"` // Tab load timeout, default "60s"
	SettleDelay string `toml:"settle_delay"` // Wait for dynamic content when already loaded, default "2s"
}

// AgentConfig configures the in-page automation agent handshake
type AgentConfig struct {
	ScriptPath      string   `toml:"script_path"`      // Optional override of the embedded agent script
	PingAttempts    int      `toml:"ping_attempts"`    // Default 3
	PingInterval    string   `toml:"ping_interval"`    // Default "500ms"
	DispatchRetries int      `toml:"dispatch_retries"` // Default 3
	RetryInterval   string   `toml:"retry_interval"`   // Default "1s"
	SuccessKeywords []string `toml:"success_keywords"` // URL keywords marking a confirmation page
	SuccessPhrases  []string `toml:"success_phrases"`  // Page title/heading phrases marking a confirmation page
}

// DiscoveryConfig configures the contact page search
type DiscoveryConfig struct {
	MaxCandidates int      `toml:"max_candidates"`
	FallbackPaths []string `toml:"fallback_paths"` // Used when the agent cannot rank candidates
}

// PipelineConfig configures the per-job pipeline
type PipelineConfig struct {
	SubmitTimeout    string `toml:"submit_timeout"`    // Hard cap on FILL_AND_SUBMIT_FORM, default "2m"
	DiagnosticsLimit int    `toml:"diagnostics_limit"` // Max bytes of Job.Diagnostics
}

// ReporterConfig configures the system-of-record notification
type ReporterConfig struct {
	Endpoint  string `toml:"endpoint"`   // Empty disables reporting
	APIKey    string `toml:"api_key"`    // Sent as Bearer token when set
	Timeout   string `toml:"timeout"`    // HTTP timeout, default "10s"
	RateLimit string `toml:"rate_limit"` // Minimum interval between reports, default "200ms"
}

// WebSocketConfig contains configuration for the job event feed
type WebSocketConfig struct {
	Enabled        bool   `toml:"enabled"`
	ThrottleWindow string `toml:"throttle_window"` // Minimum interval between broadcasts, e.g. "100ms"
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 3,
			TickInterval:  "30s",
			LaunchStagger: "500ms",
			RefillDelay:   "1s",
			LeaseDuration: "5m",
			ReapSchedule:  "*/30 * * * * *", // every 30 seconds (seconds field enabled)
		},
		Browser: BrowserConfig{
			Headless:    true,
			NoSandbox:   true,
			DisableGPU:  true,
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			LoadTimeout: "60s",
			SettleDelay: "2s",
		},
		Agent: AgentConfig{
			PingAttempts:    3,
			PingInterval:    "500ms",
			DispatchRetries: 3,
			RetryInterval:   "1s",
			SuccessKeywords: []string{"thanks", "thank-you", "thankyou", "complete", "completed", "done", "finish", "success", "sent", "kanryo", "kanryou", "arigato"},
			SuccessPhrases:  []string{"thank you", "thanks for", "has been sent", "送信完了", "送信しました", "ありがとうございました", "受け付けました", "完了しました"},
		},
		Discovery: DiscoveryConfig{
			MaxCandidates: 10,
			FallbackPaths: []string{"/contact/", "/contact", "/inquiry/", "/contact-us/", "/contact-other/", "/form/", "/toiawase/", "/otoiawase/"},
		},
		Pipeline: PipelineConfig{
			SubmitTimeout:    "2m",
			DiagnosticsLimit: 16 * 1024,
		},
		Reporter: ReporterConfig{
			Timeout:   "10s",
			RateLimit: "200ms",
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			ThrottleWindow: "100ms",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FORMPILOT_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("FORMPILOT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("FORMPILOT_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("FORMPILOT_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if level := os.Getenv("FORMPILOT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("FORMPILOT_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitString(output, ",")
	}

	if n := os.Getenv("FORMPILOT_MAX_CONCURRENT"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			config.Scheduler.MaxConcurrent = v
		}
	}

	if headless := os.Getenv("FORMPILOT_BROWSER_HEADLESS"); headless != "" {
		if v, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = v
		}
	}
	if execPath := os.Getenv("FORMPILOT_CHROME_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}

	if endpoint := os.Getenv("FORMPILOT_REPORTER_ENDPOINT"); endpoint != "" {
		config.Reporter.Endpoint = endpoint
	}
	if apiKey := os.Getenv("FORMPILOT_REPORTER_API_KEY"); apiKey != "" {
		config.Reporter.APIKey = apiKey
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks duration strings and the reaper schedule
func (c *Config) Validate() error {
	durations := map[string]string{
		"scheduler.tick_interval":   c.Scheduler.TickInterval,
		"scheduler.launch_stagger":  c.Scheduler.LaunchStagger,
		"scheduler.refill_delay":    c.Scheduler.RefillDelay,
		"scheduler.lease_duration":  c.Scheduler.LeaseDuration,
		"browser.load_timeout":      c.Browser.LoadTimeout,
		"browser.settle_delay":      c.Browser.SettleDelay,
		"agent.ping_interval":       c.Agent.PingInterval,
		"agent.retry_interval":      c.Agent.RetryInterval,
		"pipeline.submit_timeout":   c.Pipeline.SubmitTimeout,
		"reporter.timeout":          c.Reporter.Timeout,
		"reporter.rate_limit":       c.Reporter.RateLimit,
		"websocket.throttle_window": c.WebSocket.ThrottleWindow,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q: %w", key, value, err)
		}
	}

	if c.Scheduler.ReapSchedule != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Scheduler.ReapSchedule); err != nil {
			return fmt.Errorf("invalid scheduler.reap_schedule %q: %w", c.Scheduler.ReapSchedule, err)
		}
	}

	return nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// ParseDuration parses s, falling back to def when s is empty or invalid
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// splitString splits a string by separator and trims whitespace
func splitString(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
