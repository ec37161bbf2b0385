package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the zhaoyaojing server.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Worker     WorkerConfig
	Upload     UploadConfig
	AI         AIConfig
	Transcribe TranscribeConfig
	RAG        RAGConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StoreConfig struct {
	Backend       string // memory, redis or postgres
	DatabaseURL   string
	RedisURL      string
	Retention     time.Duration
	SweepInterval time.Duration

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type WorkerConfig struct {
	Count     int
	QueueSize int
}

type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

type AIConfig struct {
	Provider string
	Timeout  time.Duration
	OpenAI   OpenAIConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type TranscribeConfig struct {
	APIToken string
	BaseURL  string
	Version  string
	Timeout  time.Duration
}

type RAGConfig struct {
	BaseURL string
	Timeout time.Duration
	TopK    int
}

var validBackends = map[string]bool{
	"memory":   true,
	"redis":    true,
	"postgres": true,
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Default Replicate Whisper release used for voice-message transcription.
const defaultWhisperVersion = "8099696689d249cf8b122d833c36ac3f75505c666a395ca40ef26f68e7d3d16e"

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ZYJ_PORT", 8080),
			Env:  envString("ZYJ_ENV", "development"),
		},
		Store: StoreConfig{
			Backend:         envString("STORE_BACKEND", "memory"),
			DatabaseURL:     os.Getenv("DATABASE_URL"),
			RedisURL:        os.Getenv("REDIS_URL"),
			Retention:       envDuration("TASK_RETENTION", time.Hour),
			SweepInterval:   envDuration("SWEEP_INTERVAL", 10*time.Minute),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Worker: WorkerConfig{
			Count:     envInt("WORKER_COUNT", 4),
			QueueSize: envInt("QUEUE_SIZE", 64),
		},
		Upload: UploadConfig{
			Dir:      envString("UPLOAD_DIR", "uploads"),
			MaxBytes: envInt64("MAX_UPLOAD_BYTES", 20<<20),
		},
		AI: AIConfig{
			Provider: envString("AI_PROVIDER", "openai"),
			Timeout:  envDurationSecs("AI_TIMEOUT_SECS", 60*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: envString("OPENAI_API_BASE", "https://api.openai.com/v1"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
			},
		},
		Transcribe: TranscribeConfig{
			APIToken: os.Getenv("REPLICATE_API_TOKEN"),
			BaseURL:  envString("REPLICATE_BASE_URL", "https://api.replicate.com"),
			Version:  envString("WHISPER_VERSION", defaultWhisperVersion),
			Timeout:  envDurationSecs("TRANSCRIBE_TIMEOUT_SECS", 120*time.Second),
		},
		RAG: RAGConfig{
			BaseURL: os.Getenv("RAG_BASE_URL"),
			Timeout: envDurationSecs("RAG_TIMEOUT_SECS", 30*time.Second),
			TopK:    envInt("RAG_TOP_K", 5),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis, postgres; got %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
	}
	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when STORE_BACKEND is redis")
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.Worker.QueueSize)
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if !isHTTPURL(c.AI.OpenAI.BaseURL) {
		return fmt.Errorf("OPENAI_API_BASE must start with http:// or https://, got %q", c.AI.OpenAI.BaseURL)
	}

	if c.RAG.BaseURL != "" && !isHTTPURL(c.RAG.BaseURL) {
		return fmt.Errorf("RAG_BASE_URL must start with http:// or https://, got %q", c.RAG.BaseURL)
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
