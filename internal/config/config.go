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

// Config holds the corpusdex pipeline configuration.
type Config struct {
	Embedding        EmbeddingConfig        `yaml:"embedding"`
	Ingestion        IngestionConfig        `yaml:"ingestion"`
	Retrieval        RetrievalConfig        `yaml:"retrieval"`
	Database         DatabaseConfig         `yaml:"database"`
	FolderMonitoring FolderMonitoringConfig `yaml:"folder_monitoring"`
	Logging          LoggingConfig          `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // openai, ollama
	Model       string `yaml:"model_name"`
	Dimension   int    `yaml:"dimension"`
	BatchSize   int    `yaml:"batch_size"`
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	MaxInFlight int    `yaml:"max_in_flight"` // bounded fan-out for batch embedding
	MaxRetries  int    `yaml:"max_retries"`
	CooldownSec int    `yaml:"cooldown_sec"` // breaker cool-down after repeated failures
}

// IngestionConfig holds ingestion pipeline settings.
type IngestionConfig struct {
	ChunkSize        int      `yaml:"chunk_size"`
	ChunkOverlap     int      `yaml:"chunk_overlap"`
	SupportedFormats []string `yaml:"supported_formats"`
	MaxFileSizeMB    int      `yaml:"max_file_size_mb"`
	BatchSize        int      `yaml:"batch_size"`
}

// RetrievalConfig holds retrieval settings.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	RerankTopK          int     `yaml:"rerank_top_k"`
	EnableReranking     bool    `yaml:"enable_reranking"`
}

// DatabaseConfig holds the persisted index layout.
type DatabaseConfig struct {
	IndexPath      string `yaml:"index_path"`
	MetadataPath   string `yaml:"metadata_path"`
	BackupPath     string `yaml:"backup_path"`
	MaxBackupCount int    `yaml:"max_backup_count"`
}

// FolderMonitoringConfig holds folder monitoring settings.
type FolderMonitoringConfig struct {
	Enabled             bool     `yaml:"enabled"`
	CheckIntervalSec    int      `yaml:"check_interval_seconds"`
	MonitoredFolders    []string `yaml:"monitored_folders"`
	SupportedExtensions []string `yaml:"supported_extensions"`
	MaxFileSizeMB       int      `yaml:"max_file_size_mb"`
	AutoIngest          bool     `yaml:"auto_ingest"`
	Recursive           bool     `yaml:"recursive"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
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
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = 1024
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 96
	}
	if c.Embedding.MaxInFlight <= 0 {
		c.Embedding.MaxInFlight = 4
	}
	if c.Embedding.MaxRetries <= 0 {
		c.Embedding.MaxRetries = 3
	}
	if c.Embedding.CooldownSec <= 0 {
		c.Embedding.CooldownSec = 60
	}
	if c.Ingestion.ChunkSize <= 0 {
		c.Ingestion.ChunkSize = 1000
	}
	if c.Ingestion.ChunkOverlap <= 0 {
		c.Ingestion.ChunkOverlap = 200
	}
	if len(c.Ingestion.SupportedFormats) == 0 {
		c.Ingestion.SupportedFormats = []string{".txt", ".md", ".json", ".csv", ".html"}
	}
	if c.Ingestion.MaxFileSizeMB <= 0 {
		c.Ingestion.MaxFileSizeMB = 100
	}
	if c.Ingestion.BatchSize <= 0 {
		c.Ingestion.BatchSize = 10
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.SimilarityThreshold == 0 {
		c.Retrieval.SimilarityThreshold = 0.7
	}
	if c.Retrieval.RerankTopK <= 0 {
		c.Retrieval.RerankTopK = 3
	}
	if c.Database.IndexPath == "" {
		c.Database.IndexPath = "data/vectors/index.bin"
	}
	if c.Database.MetadataPath == "" {
		c.Database.MetadataPath = "data/metadata/meta.db"
	}
	if c.Database.BackupPath == "" {
		c.Database.BackupPath = "data/backups"
	}
	if c.Database.MaxBackupCount <= 0 {
		c.Database.MaxBackupCount = 5
	}
	if c.FolderMonitoring.CheckIntervalSec <= 0 {
		c.FolderMonitoring.CheckIntervalSec = 60
	}
	if len(c.FolderMonitoring.SupportedExtensions) == 0 {
		c.FolderMonitoring.SupportedExtensions = c.Ingestion.SupportedFormats
	}
	if c.FolderMonitoring.MaxFileSizeMB <= 0 {
		c.FolderMonitoring.MaxFileSizeMB = c.Ingestion.MaxFileSizeMB
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "openai", "ollama":
		// ok
	default:
		return fmt.Errorf("embedding.provider must be \"openai\" or \"ollama\", got %q", c.Embedding.Provider)
	}
	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf(
			"ingestion.chunk_overlap (%d) must be less than ingestion.chunk_size (%d)",
			c.Ingestion.ChunkOverlap, c.Ingestion.ChunkSize,
		)
	}
	if c.Retrieval.SimilarityThreshold < -1 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf(
			"retrieval.similarity_threshold must be in [-1, 1], got %f",
			c.Retrieval.SimilarityThreshold,
		)
	}
	if c.FolderMonitoring.Enabled && len(c.FolderMonitoring.MonitoredFolders) == 0 {
		return fmt.Errorf("folder_monitoring.monitored_folders is required when monitoring is enabled")
	}
	return nil
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
