package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Felipeflowers17/CA-doc/internal/browser"
	"github.com/Felipeflowers17/CA-doc/internal/database"
	"github.com/Felipeflowers17/CA-doc/internal/etl"
	"github.com/Felipeflowers17/CA-doc/internal/jobs"
	"github.com/Felipeflowers17/CA-doc/internal/scoring"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Browser  BrowserConfig
	Scraper  ScraperConfig
	Scoring  ScoringConfig
	Schedule ScheduleConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	Migrate  bool
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	Stream        string
	RelayInterval time.Duration
	RelayBatch    int
	StreamMaxLen  int64
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	UserAgent      string
	ProxyServer    string
	APIKey         string
}

type ScraperConfig struct {
	FetchTimeout   time.Duration
	NavTimeout     time.Duration
	PageDelay      time.Duration
	PageJitter     time.Duration
	DetailDelay    time.Duration
	MaxDetailDelay time.Duration
}

type ScoringConfig struct {
	PriorityOrganizations []string
	TitleKeywords         []string
	ProductKeywords       []string
	OrganizationPoints    int
	SecondCallPoints      int
	TitleKeywordPoints    int
	ProductKeywordPoints  int
	EligibilityThreshold  int
	FinalThreshold        int
}

type ScheduleConfig struct {
	Interval     time.Duration
	LookbackDays int
	MaxPages     int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	defaults := scoring.DefaultRuleSet()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ca_monitor"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
			Migrate:  getEnvBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", "localhost:6379"),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			Stream:        getEnv("REDIS_STREAM", "stream:tender_events"),
			RelayInterval: getEnvDuration("RELAY_POLL_INTERVAL", 5*time.Second),
			RelayBatch:    getEnvInt("RELAY_BATCH_SIZE", 100),
			StreamMaxLen:  int64(getEnvInt("REDIS_STREAM_MAX_LEN", 1000)),
		},
		Browser: BrowserConfig{
			Headless:       getEnvBool("BROWSER_HEADLESS", true),
			Timeout:        getEnvDuration("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getEnvInt("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getEnvInt("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnv("BROWSER_ACCEPT_LANGUAGE", "es-CL,es;q=0.9,en;q=0.8"),
			TimezoneID:     getEnv("BROWSER_TIMEZONE", "America/Santiago"),
			Locale:         getEnv("BROWSER_LOCALE", "es-CL"),
			UserAgent:      getEnv("BROWSER_USER_AGENT", ""),
			ProxyServer:    getEnv("BROWSER_PROXY", ""),
			APIKey:         getEnv("PORTAL_API_KEY", ""),
		},
		Scraper: ScraperConfig{
			FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
			NavTimeout:     getEnvDuration("NAV_TIMEOUT", 5*time.Second),
			PageDelay:      getEnvDuration("PAGE_DELAY", etl.DefaultPageDelay),
			PageJitter:     getEnvDuration("PAGE_JITTER", time.Second),
			DetailDelay:    getEnvDuration("DETAIL_DELAY", etl.DefaultDetailDelay),
			MaxDetailDelay: getEnvDuration("MAX_DETAIL_DELAY", 10*etl.DefaultDetailDelay),
		},
		Scoring: ScoringConfig{
			PriorityOrganizations: getEnvList("SCORING_ORGANIZATIONS", defaults.PriorityOrganizations),
			TitleKeywords:         getEnvList("SCORING_TITLE_KEYWORDS", defaults.TitleKeywords),
			ProductKeywords:       getEnvList("SCORING_PRODUCT_KEYWORDS", defaults.ProductKeywords),
			OrganizationPoints:    getEnvInt("SCORING_ORGANIZATION_POINTS", defaults.Points.Organization),
			SecondCallPoints:      getEnvInt("SCORING_SECOND_CALL_POINTS", defaults.Points.SecondCall),
			TitleKeywordPoints:    getEnvInt("SCORING_TITLE_KEYWORD_POINTS", defaults.Points.TitleKeyword),
			ProductKeywordPoints:  getEnvInt("SCORING_PRODUCT_KEYWORD_POINTS", defaults.Points.ProductKeyword),
			EligibilityThreshold:  getEnvInt("SCORING_ELIGIBILITY_THRESHOLD", defaults.Thresholds.Eligibility),
			FinalThreshold:        getEnvInt("SCORING_FINAL_THRESHOLD", defaults.Thresholds.Final),
		},
		Schedule: ScheduleConfig{
			Interval:     getEnvDuration("RUN_INTERVAL", 0),
			LookbackDays: getEnvInt("RUN_LOOKBACK_DAYS", 1),
			MaxPages:     getEnvInt("RUN_MAX_PAGES", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("SERVER_PORT must be numeric, got %q", c.Server.Port)
	}

	if c.Database.URL == "" && c.Database.Host == "" {
		return fmt.Errorf("DATABASE_URL or DB_HOST is required")
	}

	if c.Database.MaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1")
	}

	if c.Scraper.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}

	if c.Scraper.NavTimeout <= 0 {
		return fmt.Errorf("NAV_TIMEOUT must be positive")
	}

	if c.Scraper.MaxDetailDelay > 0 && c.Scraper.MaxDetailDelay < c.Scraper.DetailDelay {
		return fmt.Errorf("MAX_DETAIL_DELAY cannot be smaller than DETAIL_DELAY")
	}

	if c.Scoring.EligibilityThreshold > c.Scoring.FinalThreshold {
		return fmt.Errorf("SCORING_ELIGIBILITY_THRESHOLD cannot be greater than SCORING_FINAL_THRESHOLD")
	}

	if c.Schedule.Interval < 0 {
		return fmt.Errorf("RUN_INTERVAL cannot be negative")
	}

	if c.Schedule.MaxPages < 0 {
		return fmt.Errorf("RUN_MAX_PAGES cannot be negative")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func (c *Config) DB() database.Config {
	return database.Config{
		URL:      c.Database.URL,
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.DBName,
		SSLMode:  c.Database.SSLMode,
		MaxConns: int32(c.Database.MaxConns),
	}
}

func (c *Config) Relay() database.RelayConfig {
	return database.RelayConfig{
		PollInterval: c.Redis.RelayInterval,
		BatchSize:    c.Redis.RelayBatch,
		StreamMaxLen: c.Redis.StreamMaxLen,
	}
}

func (c *Config) BrowserOptions() *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = c.Browser.Headless
	opts.Timeout = c.Browser.Timeout
	opts.ViewportWidth = c.Browser.ViewportWidth
	opts.ViewportHeight = c.Browser.ViewportHeight
	opts.AcceptLanguage = c.Browser.AcceptLanguage
	opts.TimezoneID = c.Browser.TimezoneID
	opts.Locale = c.Browser.Locale
	opts.ProxyServer = c.Browser.ProxyServer
	opts.APIKey = c.Browser.APIKey
	if c.Browser.UserAgent != "" {
		opts.UserAgent = c.Browser.UserAgent
	}
	return opts
}

func (c *Config) Pipeline() etl.Config {
	return etl.Config{
		FetchTimeout:   c.Scraper.FetchTimeout,
		NavTimeout:     c.Scraper.NavTimeout,
		PageDelay:      c.Scraper.PageDelay,
		PageJitter:     c.Scraper.PageJitter,
		DetailDelay:    c.Scraper.DetailDelay,
		MaxDetailDelay: c.Scraper.MaxDetailDelay,
	}
}

func (c *Config) Rules() *scoring.Rules {
	return scoring.NewRules(scoring.RuleSet{
		PriorityOrganizations: c.Scoring.PriorityOrganizations,
		TitleKeywords:         c.Scoring.TitleKeywords,
		ProductKeywords:       c.Scoring.ProductKeywords,
		Points: scoring.Points{
			Organization:   c.Scoring.OrganizationPoints,
			SecondCall:     c.Scoring.SecondCallPoints,
			TitleKeyword:   c.Scoring.TitleKeywordPoints,
			ProductKeyword: c.Scoring.ProductKeywordPoints,
		},
		Thresholds: scoring.Thresholds{
			Eligibility: c.Scoring.EligibilityThreshold,
			Final:       c.Scoring.FinalThreshold,
		},
	})
}

func (c *Config) ScheduleConfig() jobs.ScheduleConfig {
	return jobs.ScheduleConfig{
		Interval:     c.Schedule.Interval,
		LookbackDays: c.Schedule.LookbackDays,
		MaxPages:     c.Schedule.MaxPages,
	}
}

// NewLogger builds the process logger on stdout.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Logging.Level)}
	if c.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value. Organization names may contain
// commas, so "|" is accepted as the separator when present.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	sep := ","
	if strings.Contains(value, "|") {
		sep = "|"
	}
	var out []string
	for _, item := range strings.Split(value, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
