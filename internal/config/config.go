package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the full runtime configuration for the engine.
// Values are sourced from the environment (optionally via a .env file),
// with viper-bound flags taking precedence where set.
type Config struct {
	// HTTP
	Port int
	Host string

	// LLM providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Default models per agent role
	RouterModel  string
	PlannerModel string
	WorkerModel  string

	// Default sampling temperature for all roles
	Temperature float64

	// Orchestration bounds
	FailedTaskLimit int // planner gives up after this many failed-validation tasks
	MaxRetryTasks   int // per-worker attempt budget

	// Persistence
	DatabasePath        string
	CollateralsBasePath string

	// Sandbox service endpoint for untrusted code execution
	SandboxURL string

	// Logging
	LogFile  string
	LogLevel string
}

// Load builds a Config from the environment. A .env file in the working
// directory is honoured when present but never required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                envInt("PORT", 8080),
		Host:                envStr("HOST", "0.0.0.0"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		RouterModel:         envStr("ROUTER_MODEL", "gpt-4o-mini"),
		PlannerModel:        envStr("PLANNER_MODEL", "gpt-4o"),
		WorkerModel:         envStr("WORKER_MODEL", "gpt-4o"),
		Temperature:         envFloat("MODEL_TEMPERATURE", 0.1),
		FailedTaskLimit:     envInt("FAILED_TASK_LIMIT", 3),
		MaxRetryTasks:       envInt("MAX_RETRY_TASKS", 5),
		DatabasePath:        envStr("DATABASE_PATH", "data/datapilot.db"),
		CollateralsBasePath: envStr("COLLATERALS_BASE_PATH", "data/collaterals"),
		SandboxURL:          envStr("SANDBOX_URL", "http://localhost:8194"),
		LogFile:             envStr("LOG_FILE", ""),
		LogLevel:            envStr("LOG_LEVEL", "info"),
	}

	// Flags registered through viper override environment values. Flag
	// defaults are zero values so an unset flag never shadows the env.
	if port := viper.GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if path := viper.GetString("database-path"); path != "" {
		cfg.DatabasePath = path
	}
	if path := viper.GetString("collaterals-path"); path != "" {
		cfg.CollateralsBasePath = path
	}

	return cfg, cfg.Validate()
}

// Validate checks bounds that would otherwise surface as confusing runtime
// behavior deep inside handlers.
func (c *Config) Validate() error {
	if c.FailedTaskLimit < 1 {
		return fmt.Errorf("FAILED_TASK_LIMIT must be >= 1, got %d", c.FailedTaskLimit)
	}
	if c.MaxRetryTasks < 1 {
		return fmt.Errorf("MAX_RETRY_TASKS must be >= 1, got %d", c.MaxRetryTasks)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.CollateralsBasePath == "" {
		return fmt.Errorf("COLLATERALS_BASE_PATH is required")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
