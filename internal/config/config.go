package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/docagent/internal/models"
)

// LLM provider names.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Store backend names.
const (
	StoreFile      = "file"
	StoreSurrealDB = "surrealdb"
)

// Config holds all configuration values.
type Config struct {
	// Storage
	DataDir string
	Store   string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Reasoning service
	LLMProvider     string
	LLMModel        string
	LLMTimeout      time.Duration
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AWSRegion       string

	// Ingestion
	IngestWorkers int

	// Rolling memory
	MemoryMaxLength int
	MemoryStrategy  models.OverflowStrategy

	// Server
	ServerPort string
	ServerURL  string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	dataDir := getEnv("DOCAGENT_DATA_DIR", defaultDataDir())
	return Config{
		DataDir: dataDir,
		Store:   strings.ToLower(getEnv("DOCAGENT_STORE", StoreFile)),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "docagent"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "docagent"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider:     strings.ToLower(getEnv("DOCAGENT_LLM_PROVIDER", ProviderOllama)),
		LLMModel:        getEnv("DOCAGENT_LLM_MODEL", "llama3.2"),
		LLMTimeout:      parseDuration(getEnv("DOCAGENT_LLM_TIMEOUT", ""), 2*time.Minute),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		IngestWorkers: clamp(parseInt(getEnv("DOCAGENT_INGEST_WORKERS", ""), 1), 1, 10),

		MemoryMaxLength: max(parseInt(getEnv("DOCAGENT_MEMORY_MAX", ""), 8000), 1),
		MemoryStrategy:  parseStrategy(getEnv("DOCAGENT_MEMORY_STRATEGY", "")),

		ServerPort: getEnv("DOCAGENT_SERVER_PORT", "8484"),
		ServerURL:  getEnv("DOCAGENT_SERVER_URL", "http://localhost:8484"),

		LogFile:  getEnv("DOCAGENT_LOG_FILE", filepath.Join(os.TempDir(), "docagent.log")),
		LogLevel: parseLogLevel(getEnv("DOCAGENT_LOG_LEVEL", "INFO")),
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".docagent")
	}
	return filepath.Join(os.TempDir(), "docagent")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

func clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func parseStrategy(s string) models.OverflowStrategy {
	if st, err := models.ParseStrategy(strings.ToLower(s)); err == nil {
		return st
	}
	return models.StrategyTruncate
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
