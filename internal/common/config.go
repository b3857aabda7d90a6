package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration. It is constructed once
// at process start; components receive the subset they need.
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Database    DatabaseConfig   `toml:"database"`
	SpiderDB    SpiderDBConfig   `toml:"spider_db"`
	Redis       RedisConfig      `toml:"redis"`
	Public      PublicConfig     `toml:"public"`
	Index       IndexConfig      `toml:"index"`
	Embedding   EmbeddingConfig  `toml:"embedding"`
	Search      SearchConfig     `toml:"search"`
	Workers     WorkersConfig    `toml:"workers"`
	Storage     StorageConfig    `toml:"storage"`
	Ingest      IngestConfig     `toml:"ingest"`
	LLM         LLMConfig        `toml:"llm"`
	Logging     LoggingConfig    `toml:"logging"`
	Maintenance MaintenanceCfg   `toml:"maintenance"`
	Security    SecurityConfig   `toml:"security"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host"`
}

// DatabaseConfig points at the primary store.
type DatabaseConfig struct {
	URL string `toml:"url" validate:"required"` // DSN; file path or :memory: for SQLite
}

// SpiderDBConfig points at the read-only upstream results database.
type SpiderDBConfig struct {
	URL string `toml:"url"` // read-only results DSN; empty disables VOC extraction
}

// RedisConfig configures the spider enqueue list.
type RedisConfig struct {
	URL     string `toml:"url"`      // redis://[:password@]host:port/db
	ListKey string `toml:"list_key"` // list the external spider drains with RPOP
	Timeout string `toml:"timeout"`  // per-op timeout, duration string
}

// TimeoutDuration returns the parsed per-operation timeout.
func (r RedisConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// PublicConfig carries the externally reachable base URL used to build
// spider callback URLs.
type PublicConfig struct {
	BaseURL string `toml:"base_url"`
}

// IndexConfig selects and toggles the retrieval backends.
type IndexConfig struct {
	Backend       string `toml:"backend" validate:"oneof=vector bm25 hybrid"` // default backend for search
	ESEnabled     bool   `toml:"es_enabled"`
	ESURL         string `toml:"es_url"`
	MilvusEnabled bool   `toml:"milvus_enabled"`
	MilvusURL     string `toml:"milvus_url"`
	VectorEnabled bool   `toml:"vector_enabled"` // embedded vector index
	TextEnabled   bool   `toml:"text_enabled"`   // embedded FTS5 index
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Backend   string `toml:"backend"` // "openai" or "ollama"
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	Dimension int    `toml:"dimension" validate:"gt=0"`
	RateLimit string `toml:"rate_limit"` // min interval between calls, duration string
}

type SearchConfig struct {
	MaxPerDoc int `toml:"max_per_doc" validate:"gt=0"` // per-document diversity cap
}

// WorkersConfig sizes the per-pipeline worker pools.
type WorkersConfig struct {
	IngestConcurrency  int    `toml:"ingest_concurrency" validate:"gte=0"`
	VocConcurrency     int    `toml:"voc_concurrency" validate:"gte=0"`
	PollInterval       string `toml:"poll_interval"`        // idle sleep between empty claims
	IngestLeaseSeconds int    `toml:"ingest_lease_seconds"` // default 60
	VocLeaseSeconds    int    `toml:"voc_lease_seconds"`    // default 600
	MaxRetries         int    `toml:"max_retries"`
}

// PollIntervalDuration returns the parsed idle sleep.
func (w WorkersConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(w.PollInterval)
	if err != nil || d <= 0 {
		return 3 * time.Second
	}
	return d
}

// StorageConfig configures where uploaded files live.
type StorageConfig struct {
	Backend string `toml:"backend" validate:"oneof=local s3"`
	Dir     string `toml:"dir"`
}

// IngestConfig tunes the parse/chunk stages.
type IngestConfig struct {
	PipelineVersion string `toml:"pipeline_version"`
	MaxChars        int    `toml:"max_chars" validate:"gt=0"`
	Overlap         int    `toml:"overlap" validate:"gte=0"`
	OCREnabled      bool   `toml:"ocr_enabled"`
	ASREnabled      bool   `toml:"asr_enabled"`
}

// ModelProfile is one named LLM endpoint in the routing table.
type ModelProfile struct {
	Name        string  `toml:"name"`
	Provider    string  `toml:"provider"` // openai | ollama | claude | gemini
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
	Timeout     string  `toml:"timeout"`
}

// LLMConfig holds the model profiles and the per-flow routing table. Each
// flow code maps to an ordered candidate list of profile names; consumers
// walk the list on error.
type LLMConfig struct {
	Enabled  bool                `toml:"enabled"`
	Profiles []ModelProfile      `toml:"profiles"`
	Routes   map[string][]string `toml:"routes"` // flow_code -> ordered profile names
}

// ProfileByName looks up a configured model profile.
func (l LLMConfig) ProfileByName(name string) (ModelProfile, bool) {
	for _, p := range l.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ModelProfile{}, false
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// MaintenanceCfg drives the cron maintenance jobs.
type MaintenanceCfg struct {
	Enabled            bool   `toml:"enabled"`
	StaleSweepSchedule string `toml:"stale_sweep_schedule"` // cron format
	CleanupSchedule    string `toml:"cleanup_schedule"`
}

// SecurityConfig holds secret key material. The JWT secret doubles as the
// HMAC key for spider callback tokens.
type SecurityConfig struct {
	JWTSecretKey string `toml:"jwt_secret_key"`
}

// NewDefaultConfig creates a configuration with default values. Technical
// parameters are hardcoded here for production stability; only user-facing
// settings belong in audiens.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Database: DatabaseConfig{
			URL: "./data/audiens.db",
		},
		Redis: RedisConfig{
			ListKey: "voc:spider:requests",
			Timeout: "5s",
		},
		Index: IndexConfig{
			Backend:       "hybrid",
			VectorEnabled: true,
			TextEnabled:   true,
		},
		Embedding: EmbeddingConfig{
			Backend:   "ollama",
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
			RateLimit: "100ms",
		},
		Search: SearchConfig{
			MaxPerDoc: 3,
		},
		Workers: WorkersConfig{
			IngestConcurrency:  2,
			VocConcurrency:     1,
			PollInterval:       "3s",
			IngestLeaseSeconds: 60,
			VocLeaseSeconds:    600,
			MaxRetries:         3,
		},
		Storage: StorageConfig{
			Backend: "local",
			Dir:     "./data/uploads",
		},
		Ingest: IngestConfig{
			PipelineVersion: "v1",
			MaxChars:        800,
			Overlap:         80,
		},
		LLM: LLMConfig{
			Enabled: false,
			Routes:  map[string][]string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Maintenance: MaintenanceCfg{
			Enabled:            true,
			StaleSweepSchedule: "0 * * * * *",    // every minute
			CleanupSchedule:    "0 0 */6 * * *",  // every 6 hours
		},
	}
}

// LoadFromFile loads configuration from a TOML file, applies environment
// overrides and validates the result. A missing file is not an error: the
// defaults plus environment are used.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := toml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// Names follow the deployment contract, not a generated prefix scheme.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("AUDIENS_ENV"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("AUDIENS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("AUDIENS_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}

	if v := os.Getenv("DB_URL"); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv("SPIDER_DB_URL"); v != "" {
		config.SpiderDB.URL = v
	}
	if v := os.Getenv("SPIDER_REDIS_URL"); v != "" {
		config.Redis.URL = v
	}
	if v := os.Getenv("SPIDER_REDIS_LIST_KEY"); v != "" {
		config.Redis.ListKey = v
	}
	if v := os.Getenv("SPIDER_REDIS_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			config.Redis.Timeout = fmt.Sprintf("%ds", secs)
		}
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		config.Public.BaseURL = strings.TrimRight(v, "/")
	}

	if v := os.Getenv("INDEX_BACKEND"); v != "" {
		config.Index.Backend = v
	}
	if v := os.Getenv("ES_ENABLED"); v != "" {
		config.Index.ESEnabled = parseBool(v)
	}
	if v := os.Getenv("ES_URL"); v != "" {
		config.Index.ESURL = v
	}
	if v := os.Getenv("MILVUS_ENABLED"); v != "" {
		config.Index.MilvusEnabled = parseBool(v)
	}
	if v := os.Getenv("MILVUS_URL"); v != "" {
		config.Index.MilvusURL = v
	}

	if v := os.Getenv("EMBEDDING_BACKEND"); v != "" {
		config.Embedding.Backend = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		config.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil && dim > 0 {
			config.Embedding.Dimension = dim
		}
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		config.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		config.Embedding.APIKey = v
	}

	if v := os.Getenv("SEARCH_MAX_PER_DOC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Search.MaxPerDoc = n
		}
	}
	if v := os.Getenv("WORKER_POLL_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			config.Workers.PollInterval = fmt.Sprintf("%ds", secs)
		} else if _, derr := time.ParseDuration(v); derr == nil {
			config.Workers.PollInterval = v
		}
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		config.Storage.Dir = v
	}

	if v := os.Getenv("JWT_SECRET_KEY"); v != "" {
		config.Security.JWTSecretKey = v
	}

	if v := os.Getenv("AUDIENS_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("AUDIENS_LOG_OUTPUT"); v != "" {
		config.Logging.Output = splitAndTrim(v, ",")
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitAndTrim(s, delimiter string) []string {
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
