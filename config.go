package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Default model routing. Overridable via environment and councils.yaml.
var defaultCouncil = Council{
	Key:  "default",
	Name: "Default Council",
	Members: []string{
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4",
	},
	Chairman: "google/gemini-3-pro-preview",
}

// Config holds all runtime configuration. It is loaded once in main and
// passed to the components that need it rather than read from globals.
type Config struct {
	APIKey     string
	APIURL     string
	ListenAddr string
	DBPath     string

	CORSAllowedOrigins []string
	MaxRequestBodySize int64

	Councils          map[string]Council
	DefaultCouncilKey string
	TitleModel        string

	RequestTimeout time.Duration
	TitleTimeout   time.Duration
	ConnectTimeout time.Duration

	MaxConcurrentRequests int64
	MaxContextMessages    int

	RetryAttempts    int
	RetryBackoffBase time.Duration
	RetryJitter      time.Duration

	FetchCacheTTL time.Duration
}

// councilsFile is the shape of the optional councils.yaml profile file.
type councilsFile struct {
	Councils []Council `yaml:"councils"`
}

// LoadConfig loads configuration from .env, the environment, and an
// optional councils.yaml next to the binary.
func LoadConfig() (*Config, error) {
	// .env is a development convenience; absence is fine.
	for _, envPath := range []string{".env", "../.env"} {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			break
		}
	}

	cfg := &Config{
		APIKey:     os.Getenv("OPENROUTER_API_KEY"),
		APIURL:     envOr("OPENROUTER_API_URL", "https://openrouter.ai/api/v1/chat/completions"),
		ListenAddr: envOr("LISTEN_ADDR", ":8001"),
		DBPath:     envOr("COUNCIL_DB_PATH", "data/council.sqlite"),

		MaxRequestBodySize: 1 << 20,

		Councils:          map[string]Council{defaultCouncil.Key: defaultCouncil},
		DefaultCouncilKey: defaultCouncil.Key,
		TitleModel:        envOr("TITLE_MODEL", "google/gemini-2.5-flash"),

		RequestTimeout: envDurationOr("REQUEST_TIMEOUT", 120*time.Second),
		TitleTimeout:   envDurationOr("TITLE_TIMEOUT", 30*time.Second),
		ConnectTimeout: envDurationOr("CONNECT_TIMEOUT", 10*time.Second),

		MaxConcurrentRequests: envInt64Or("MAX_CONCURRENT_REQUESTS", 4),
		MaxContextMessages:    int(envInt64Or("MAX_CONTEXT_MESSAGES", 8)),

		RetryAttempts:    int(envInt64Or("RETRY_ATTEMPTS", 3)),
		RetryBackoffBase: envDurationOr("RETRY_BACKOFF_BASE", time.Second),
		RetryJitter:      envDurationOr("RETRY_JITTER", 350*time.Millisecond),

		FetchCacheTTL: envDurationOr("FETCH_CACHE_TTL", 5*time.Minute),
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY environment variable is required")
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	if path := envOr("COUNCILS_FILE", "councils.yaml"); path != "" {
		if err := cfg.loadCouncilsFile(path); err != nil {
			return nil, err
		}
	}

	for key, council := range cfg.Councils {
		if err := council.Validate(); err != nil {
			return nil, fmt.Errorf("council %q: %w", key, err)
		}
	}
	if _, ok := cfg.Councils[cfg.DefaultCouncilKey]; !ok {
		return nil, fmt.Errorf("default council %q is not defined", cfg.DefaultCouncilKey)
	}

	return cfg, nil
}

// loadCouncilsFile merges profiles from a YAML file into cfg.Councils.
// A missing file is not an error; a malformed one is.
func (cfg *Config) loadCouncilsFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read councils file: %w", err)
	}

	var file councilsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse councils file: %w", err)
	}

	for _, council := range file.Councils {
		cfg.Councils[council.Key] = council
	}
	return nil
}

// Council returns the profile for key, or the default profile when key
// is empty. Unknown keys are an error.
func (cfg *Config) Council(key string) (Council, error) {
	if key == "" {
		key = cfg.DefaultCouncilKey
	}
	council, ok := cfg.Councils[key]
	if !ok {
		return Council{}, fmt.Errorf("unknown council %q", key)
	}
	return council, nil
}

// Validate enforces the configuration-time council invariants: 1-4
// unique members and a chairman drawn from the membership.
func (c Council) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("council key is required")
	}
	if len(c.Members) < 1 || len(c.Members) > 4 {
		return fmt.Errorf("council must have 1-4 members, got %d", len(c.Members))
	}
	seen := make(map[string]bool, len(c.Members))
	isMember := false
	for _, model := range c.Members {
		if model == "" {
			return fmt.Errorf("council member model must not be empty")
		}
		if seen[model] {
			return fmt.Errorf("duplicate council member %q", model)
		}
		seen[model] = true
		if model == c.Chairman {
			isMember = true
		}
	}
	if !isMember {
		return fmt.Errorf("chairman %q must be a council member", c.Chairman)
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
