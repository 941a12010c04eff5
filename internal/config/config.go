package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every setting the gateway reads at startup.
type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	AI     AIConfig
	Chat   ChatConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	chatCfg, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Auth:   loadAuthConfig(),
		AI:     ai,
		Chat:   chatCfg,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Allow passing ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AuthConfig carries the JWT verification settings and the account list the
// authenticator resolves subjects against.
type AuthConfig struct {
	JWTSecret string
	Accounts  string
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: getEnvOrDefault("JWT_SECRET", "change-me"),
		Accounts:  strings.TrimSpace(os.Getenv("CHAT_ACCOUNTS")),
	}
}

// AIConfig describes the generation model binding.
type AIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature *float64
	MaxTokens   *int
}

// Enabled reports whether the generation credential is present. A disabled
// AI config is not an error: the gateway stays up and reports the missing
// credential per message.
func (c AIConfig) Enabled() bool {
	return c.APIKey != ""
}

// NewChatModel builds the model instance from this config.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("OPENAI_API_KEY is not configured")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &openai.ChatModelConfig{
		APIKey:      c.APIKey,
		Model:       c.Model,
		BaseURL:     c.BaseURL,
		Temperature: temperature,
		MaxTokens:   c.MaxTokens,
	}

	return openai.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("OPENAI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("OPENAI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		Model:       getEnvOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		BaseURL:     strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

// ChatConfig carries the per-connection gateway limits.
type ChatConfig struct {
	RateWindow     time.Duration
	RateMax        int
	HistoryLimit   int
	RetrievalTopK  int
	AccumulatorCap int
}

func loadChatConfig() (ChatConfig, error) {
	cfg := ChatConfig{
		RateWindow:     30 * time.Second,
		RateMax:        6,
		HistoryLimit:   5,
		RetrievalTopK:  5,
		AccumulatorCap: 256 << 10,
	}

	if v, err := parseOptionalIntEnv("CHAT_RATE_WINDOW_SECONDS"); err != nil {
		return ChatConfig{}, err
	} else if v != nil {
		if *v < 1 {
			return ChatConfig{}, fmt.Errorf("CHAT_RATE_WINDOW_SECONDS must be positive, got %d", *v)
		}
		cfg.RateWindow = time.Duration(*v) * time.Second
	}

	if v, err := parseOptionalIntEnv("CHAT_RATE_MAX_MESSAGES"); err != nil {
		return ChatConfig{}, err
	} else if v != nil {
		if *v < 1 {
			return ChatConfig{}, fmt.Errorf("CHAT_RATE_MAX_MESSAGES must be positive, got %d", *v)
		}
		cfg.RateMax = *v
	}

	if v, err := parseOptionalIntEnv("CHAT_HISTORY_LIMIT"); err != nil {
		return ChatConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.HistoryLimit = *v
	}

	if v, err := parseOptionalIntEnv("CHAT_RETRIEVAL_TOP_K"); err != nil {
		return ChatConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.RetrievalTopK = *v
	}

	if v, err := parseOptionalIntEnv("CHAT_ACCUMULATOR_CAP_BYTES"); err != nil {
		return ChatConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.AccumulatorCap = *v
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
