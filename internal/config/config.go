package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TelegramToken string
	APIBase       string
	WebAddr       string

	LogLevel string
	Debug    bool

	PreferIPv4 bool

	PollInterval         time.Duration
	GenerateTimeout      time.Duration
	InterruptTimeout     time.Duration
	HTTPTimeout          time.Duration
	RequestTimeout       time.Duration
	SessionIdleTTL       time.Duration
	ProgressEditInterval time.Duration
	TextMergeDebounce    time.Duration
	MaxConcurrent        int

	Language    string
	AspectRatio string
	NERMinScore float64
}

func Load() (Config, error) {
	cfg := Config{
		APIBase:              strings.TrimRight(strings.TrimSpace(getEnv("API_BASE", "http://localhost:8001")), "/"),
		WebAddr:              strings.TrimSpace(getEnv("WEB_ADDR", ":8080")),
		LogLevel:             strings.ToLower(strings.TrimSpace(getEnv("LOG_LEVEL", "info"))),
		Debug:                getEnvBool("DEBUG", false),
		PreferIPv4:           getEnvBool("PREFER_IPV4", true),
		PollInterval:         time.Duration(getEnvInt("PROGRESS_POLL_MS", 700)) * time.Millisecond,
		GenerateTimeout:      time.Duration(getEnvInt("GENERATE_TIMEOUT_SECONDS", 300)) * time.Second,
		InterruptTimeout:     time.Duration(getEnvInt("INTERRUPT_TIMEOUT_SECONDS", 5)) * time.Second,
		HTTPTimeout:          time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 60)) * time.Second,
		RequestTimeout:       time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 60)) * time.Second,
		SessionIdleTTL:       time.Duration(getEnvInt("SESSION_IDLE_MINUTES", 120)) * time.Minute,
		ProgressEditInterval: time.Duration(getEnvInt("PROGRESS_EDIT_MS", 2000)) * time.Millisecond,
		TextMergeDebounce:    time.Duration(getEnvInt("TEXT_MERGE_DEBOUNCE_MS", 1200)) * time.Millisecond,
		MaxConcurrent:        getEnvInt("MAX_CONCURRENT", 4),
		Language:             strings.ToLower(strings.TrimSpace(getEnv("COMPOSE_LANGUAGE", "vietnamese"))),
		AspectRatio:          strings.TrimSpace(getEnv("ASPECT_RATIO", "")),
		NERMinScore:          getEnvFloat("NER_MIN_SCORE", 0),
	}

	cfg.TelegramToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))

	if cfg.APIBase == "" {
		return Config{}, errors.New("API_BASE must not be empty")
	}

	if cfg.PollInterval < 100*time.Millisecond {
		cfg.PollInterval = 700 * time.Millisecond
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 300 * time.Second
	}
	if cfg.InterruptTimeout <= 0 {
		cfg.InterruptTimeout = 5 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = 120 * time.Minute
	}
	if cfg.ProgressEditInterval <= 0 {
		cfg.ProgressEditInterval = 2 * time.Second
	}
	if cfg.TextMergeDebounce <= 0 {
		cfg.TextMergeDebounce = 1200 * time.Millisecond
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.NERMinScore < 0 {
		cfg.NERMinScore = 0
	}
	if cfg.NERMinScore > 1 {
		cfg.NERMinScore = 1
	}

	return cfg, nil
}

// RequireTelegram reports whether the bot token is present; only cmd/bot needs it.
func (c Config) RequireTelegram() error {
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
