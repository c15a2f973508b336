package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Index drivers.
const (
	IndexDriverHNSW   = "hnsw"
	IndexDriverFlat   = "flat"
	IndexDriverValkey = "valkey"
)

// Embedding cache drivers.
const (
	CacheDriverNone   = "none"
	CacheDriverValkey = "valkey"
	CacheDriverBadger = "badger"
)

// Config holds the Legalytics API configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Extract   ExtractConfig   `yaml:"extract"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings. No keys disables auth.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	ShutdownSec     int      `yaml:"shutdown_timeout_sec"`
	MaxUploadMB     int      `yaml:"max_upload_mb"`
	CORSOrigins     []string `yaml:"cors_origins"`
	RateLimitRPS    float64  `yaml:"rate_limit_rps"` // 0 = unlimited
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
}

// CorpusConfig locates the precomputed corpus artifacts.
type CorpusConfig struct {
	Dir            string `yaml:"dir"`
	IDsFile        string `yaml:"ids_file"`
	TextsFile      string `yaml:"texts_file"`
	EmbeddingsFile string `yaml:"embeddings_file"`
	IndexFile      string `yaml:"index_file"`
}

// IndexConfig holds nearest-neighbour index settings.
type IndexConfig struct {
	Driver          string  `yaml:"driver"` // hnsw, flat, valkey (default: hnsw)
	M               int     `yaml:"m"`
	Ml              float64 `yaml:"ml"`
	EFSearch        int     `yaml:"ef_search"`
	EFConstruction  int     `yaml:"ef_construction"`
	Seed            int64   `yaml:"seed"`
	BuildIfMissing  bool    `yaml:"build_if_missing"`
	PersistOnBuild  bool    `yaml:"persist_on_build"`
	ValkeyBatchSize int     `yaml:"valkey_batch_size"`
}

// SearchConfig holds retrieval settings.
type SearchConfig struct {
	DefaultTopK   int    `yaml:"default_top_k"`
	MaxTopK       int    `yaml:"max_top_k"`
	CandidateK    int    `yaml:"candidate_k"`
	MaxQueryChars int    `yaml:"max_query_chars"`
	TimeoutSec    int    `yaml:"timeout_sec"`
	Workers       int    `yaml:"workers"`
	Queue         int    `yaml:"queue"` // searches allowed to wait for a worker (default: 4 per worker)
	RankScope     string `yaml:"rank_scope"` // corpus, candidates (default: corpus)
	PreviewRunes  int    `yaml:"preview_runes"`
}

// ExtractConfig holds PDF extraction settings.
type ExtractConfig struct {
	MaxPages     int  `yaml:"max_pages"`
	JudgmentOnly bool `yaml:"judgment_only"`
}

// EmbeddingConfig holds query embedding settings.
type EmbeddingConfig struct {
	Provider         string `yaml:"provider"`
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	Model            string `yaml:"model"`
	Dimensions       int    `yaml:"dimensions"`
	QueryInstruction string `yaml:"query_instruction"`
	TimeoutSec       int    `yaml:"timeout_sec"`
}

// DatabaseConfig holds Valkey connection settings used by the valkey index and cache.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// CacheConfig holds query embedding cache settings.
type CacheConfig struct {
	Driver     string `yaml:"driver"` // none, valkey, badger (default: none)
	BadgerPath string `yaml:"badger_path"`
	TTLHours   int    `yaml:"ttl_hours"` // 0 = no expiry
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse expands env variables in data, decodes it, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxUploadMB <= 0 {
		c.HTTP.MaxUploadMB = 32
	}
	if c.HTTP.RateLimitBurst <= 0 {
		c.HTTP.RateLimitBurst = 10
	}

	if c.Corpus.Dir == "" {
		c.Corpus.Dir = "data"
	}
	if c.Corpus.IDsFile == "" {
		c.Corpus.IDsFile = "case_ids.json"
	}
	if c.Corpus.TextsFile == "" {
		c.Corpus.TextsFile = "case_texts.json"
	}
	if c.Corpus.EmbeddingsFile == "" {
		c.Corpus.EmbeddingsFile = "case_embeddings.bin"
	}
	if c.Corpus.IndexFile == "" {
		c.Corpus.IndexFile = "case_index.hnsw"
	}

	if c.Index.Driver == "" {
		c.Index.Driver = IndexDriverHNSW
	}
	if c.Index.M <= 0 {
		c.Index.M = 16
	}
	if c.Index.Ml <= 0 {
		c.Index.Ml = 0.25
	}
	if c.Index.EFSearch <= 0 {
		c.Index.EFSearch = 64
	}
	if c.Index.EFConstruction <= 0 {
		c.Index.EFConstruction = 200
	}
	if c.Index.Seed == 0 {
		c.Index.Seed = 42
	}
	if c.Index.ValkeyBatchSize <= 0 {
		c.Index.ValkeyBatchSize = 1000
	}

	if c.Search.DefaultTopK <= 0 {
		c.Search.DefaultTopK = 3
	}
	if c.Search.MaxTopK <= 0 {
		c.Search.MaxTopK = 20
	}
	if c.Search.CandidateK <= 0 {
		c.Search.CandidateK = c.Search.MaxTopK
	}
	if c.Search.MaxQueryChars <= 0 {
		c.Search.MaxQueryChars = 20000
	}
	if c.Search.TimeoutSec <= 0 {
		c.Search.TimeoutSec = 30
	}
	if c.Search.Workers <= 0 {
		c.Search.Workers = 16
	}
	if c.Search.RankScope == "" {
		c.Search.RankScope = "corpus"
	}
	if c.Search.PreviewRunes <= 0 {
		c.Search.PreviewRunes = 300
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.TimeoutSec <= 0 {
		c.Embedding.TimeoutSec = 20
	}

	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheDriverNone
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("http.rate_limit_rps must not be negative, got %v", c.HTTP.RateLimitRPS)
	}

	switch c.Index.Driver {
	case IndexDriverHNSW, IndexDriverFlat:
	case IndexDriverValkey:
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required for index.driver %q", c.Index.Driver)
		}
	default:
		return fmt.Errorf("index.driver must be one of hnsw, flat, valkey, got %q", c.Index.Driver)
	}

	switch c.Search.RankScope {
	case "corpus", "candidates":
	default:
		return fmt.Errorf("search.rank_scope must be \"corpus\" or \"candidates\", got %q", c.Search.RankScope)
	}
	if c.Search.DefaultTopK > c.Search.MaxTopK {
		return fmt.Errorf("search.default_top_k (%d) exceeds search.max_top_k (%d)",
			c.Search.DefaultTopK, c.Search.MaxTopK)
	}
	if c.Search.CandidateK < c.Search.MaxTopK {
		return fmt.Errorf("search.candidate_k (%d) must be at least search.max_top_k (%d)",
			c.Search.CandidateK, c.Search.MaxTopK)
	}

	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if c.Embedding.Dimensions < 0 {
		return fmt.Errorf("embedding.dimensions must not be negative, got %d", c.Embedding.Dimensions)
	}

	switch c.Cache.Driver {
	case CacheDriverNone, CacheDriverBadger:
	case CacheDriverValkey:
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required for cache.driver %q", c.Cache.Driver)
		}
	default:
		return fmt.Errorf("cache.driver must be one of none, valkey, badger, got %q", c.Cache.Driver)
	}
	return nil
}

// UsesValkey reports whether any component needs a Valkey connection.
func (c *Config) UsesValkey() bool {
	return c.Index.Driver == IndexDriverValkey || c.Cache.Driver == CacheDriverValkey
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
