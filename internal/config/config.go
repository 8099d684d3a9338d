// Package config loads the supervisor's runtime configuration from
// the environment (and an optional .env file), per spec.md §6.
// Grounded on the teacher's github.com/joho/godotenv dependency and
// cmd/pulse/config.go's readPassword/getPassphrase interactive-prompt
// idiom (var readPassword = term.ReadPassword, swappable in tests).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/term"
)

// Config holds every environment variable spec.md §6 defines.
type Config struct {
	RunID        string
	Port         int
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	LLMTemp      float64
	LLMTimeout   int
	AutoInterval int
	MaxRetries   int
	ExecTimeout  int
	GlobalExec   int
	DataDir      string

	FilterMinConfidence      float64
	FilterAcceptMediumThreat bool
}

// ReloadableFields narrows Config to the fields spec.md §7 permits a
// SIGHUP to change at runtime; everything else requires a restart.
type ReloadableFields struct {
	MaxRetries  int
	ExecTimeout int
	GlobalExec  int
	LLMModel    string
	LLMTemp     float64
	LLMTimeout  int
}

func (c Config) Reloadable() ReloadableFields {
	return ReloadableFields{
		MaxRetries:  c.MaxRetries,
		ExecTimeout: c.ExecTimeout,
		GlobalExec:  c.GlobalExec,
		LLMModel:    c.LLMModel,
		LLMTemp:     c.LLMTemp,
		LLMTimeout:  c.LLMTimeout,
	}
}

// readPassword is swappable in tests, mirroring cmd/pulse/config.go's
// package-level indirection over term.ReadPassword.
var readPassword = term.ReadPassword

// Load reads .env (if present, ignored if missing) then the process
// environment, applying spec.md §6's defaults. LLM_API_KEY is prompted
// for interactively when unset and stdin is a terminal, matching the
// teacher's getPassphrase behaviour.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Config{
		RunID:        envOr("RUN_ID", "run_local"),
		Port:         envInt("DEFENDER_PORT", 8000),
		LLMBaseURL:   envOr("LLM_BASE_URL", ""),
		LLMAPIKey:    os.Getenv("LLM_API_KEY"),
		LLMModel:     envOr("LLM_MODEL", "gpt-4o-mini"),
		LLMTemp:      envFloat("LLM_TEMPERATURE", 0.2),
		LLMTimeout:   envInt("LLM_TIMEOUT_SECS", 60),
		AutoInterval: envInt("AUTO_RESPONDER_INTERVAL_SECS", 5),
		MaxRetries:   envInt("MAX_EXECUTION_RETRIES", 3),
		ExecTimeout:  envInt("EXEC_TIMEOUT_SECS", 600),
		GlobalExec:   envInt("GLOBAL_EXEC_CONCURRENCY", 8),
		DataDir:      envOr("DEFENDER_DATA_DIR", "/var/lib/defender-core"),

		FilterMinConfidence:      envFloat("FILTER_MIN_CONFIDENCE", 0.8),
		FilterAcceptMediumThreat: envBool("FILTER_ACCEPT_MEDIUM_THREAT", false),
	}

	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = promptAPIKey()
	}
	if cfg.LLMAPIKey == "" {
		return Config{}, fmt.Errorf("config: LLM_API_KEY is required")
	}

	return cfg, nil
}

func promptAPIKey() string {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return ""
	}
	fmt.Print("LLM API key: ")
	bytePassword, err := readPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(bytePassword))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
