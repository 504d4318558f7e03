package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/OmChillure/friday/internal/handlers"
	"github.com/OmChillure/friday/internal/services"
	"github.com/OmChillure/friday/internal/session"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	provider(systemPrompt string, logger *slog.Logger) (session.Provider, error)
	titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model" env:"LLM_MODEL"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port                 string        `yaml:"port" env:"PORT"`
	LogLevel             string        `yaml:"logLevel" env:"LOG_LEVEL"`
	SystemPrompt         string        `yaml:"systemPrompt" env:"SYSTEM_PROMPT"`
	TitleGeneratorPrompt string        `yaml:"titleGeneratorPrompt" env:"TITLE_GENERATOR_PROMPT"`
	LLM                  llmConfig     `yaml:"llm"`
	Store                storeConfig   `yaml:"store"`
	Session              sessionConfig `yaml:"session"`
}

type storeConfig struct {
	Backend string      `yaml:"backend" env:"STORE_BACKEND"`
	Path    string      `yaml:"path" env:"STORE_PATH"`
	Redis   redisConfig `yaml:"redis"`
}

type redisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type sessionConfig struct {
	IdleTimeout    time.Duration `yaml:"idleTimeout" env:"SESSION_IDLE_TIMEOUT"`
	Retention      time.Duration `yaml:"retention" env:"SESSION_RETENTION"`
	PersistTimeout time.Duration `yaml:"persistTimeout" env:"SESSION_PERSIST_TIMEOUT"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey" env:"LLM_API_KEY"`
	Endpoint      string `yaml:"endpoint"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host" env:"LLM_HOST"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey" env:"LLM_API_KEY"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey" env:"LLM_API_KEY"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey" env:"LLM_API_KEY"`
}

type relayConfig struct {
	BaseLLMConfig `yaml:",inline"`
	URL           string `yaml:"url" env:"LLM_RELAY_URL"`
}

const (
	envPrefix = "FRIDAY_"

	defaultPort = "8080"
)

// loadConfig decodes the YAML config in r and applies the FRIDAY_ environment overlay on top of it.
func loadConfig(r io.Reader) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	opts := env.Options{Prefix: envPrefix}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}
	if err := env.ParseWithOptions(cfg.LLM, opts); err != nil {
		return config{}, fmt.Errorf("error parsing llm environment: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "bolt"
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string         `yaml:"port"`
		LogLevel             string         `yaml:"logLevel"`
		SystemPrompt         string         `yaml:"systemPrompt"`
		TitleGeneratorPrompt string         `yaml:"titleGeneratorPrompt"`
		LLM                  map[string]any `yaml:"llm"`
		Store                storeConfig    `yaml:"store"`
		Session              sessionConfig  `yaml:"session"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt
	c.Store = rawConfig.Store
	c.Session = rawConfig.Session

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gemini":
		llm = &geminiConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "relay":
		llm = &relayConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c config) sessionConfig() session.Config {
	return session.Config{
		IdleTimeout:    c.Session.IdleTimeout,
		Retention:      c.Session.Retention,
		PersistTimeout: c.Session.PersistTimeout,
	}
}

type documentStore interface {
	handlers.Store
	Close() error
}

func (s storeConfig) open(ctx context.Context, defaultPath string) (documentStore, error) {
	switch s.Backend {
	case "bolt":
		path := s.Path
		if path == "" {
			path = defaultPath
		}
		boltDB, err := services.NewBoltDB(path)
		if err != nil {
			return nil, err
		}
		return boltDB, nil
	case "redis":
		if s.Redis.Addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		redis, err := services.NewRedis(ctx, s.Redis.Addr, s.Redis.Password, s.Redis.DB)
		if err != nil {
			return nil, err
		}
		return redis, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", s.Backend)
	}
}

func (g geminiConfig) newGemini(systemPrompt string, logger *slog.Logger) (services.Gemini, error) {
	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return services.Gemini{}, fmt.Errorf("apiKey is required")
	}
	gemini := services.NewGemini(apiKey, g.Model, systemPrompt, g.Parameters, logger)
	if g.Endpoint != "" {
		gemini = gemini.WithEndpoint(g.Endpoint)
	}
	return gemini, nil
}

func (g geminiConfig) provider(systemPrompt string, logger *slog.Logger) (session.Provider, error) {
	return g.newGemini(systemPrompt, logger)
}

func (g geminiConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return g.newGemini(titlePrompt, logger)
}

func (o ollamaConfig) newOllama(systemPrompt string, logger *slog.Logger) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o ollamaConfig) provider(systemPrompt string, logger *slog.Logger) (session.Provider, error) {
	return o.newOllama(systemPrompt, logger)
}

func (o ollamaConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOllama(titlePrompt, logger)
}

func (a anthropicConfig) newAnthropic(systemPrompt string, logger *slog.Logger) (services.Anthropic, error) {
	if a.Model == "" {
		return services.Anthropic{}, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens, a.Parameters, logger), nil
}

func (a anthropicConfig) provider(systemPrompt string, logger *slog.Logger) (session.Provider, error) {
	return a.newAnthropic(systemPrompt, logger)
}

func (a anthropicConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return a.newAnthropic(titlePrompt, logger)
}

func (o openAIConfig) newOpenAI(systemPrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openAIConfig) provider(systemPrompt string, logger *slog.Logger) (session.Provider, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openAIConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenAI(titlePrompt, logger)
}

func (o openRouterConfig) newOpenRouter(systemPrompt string, logger *slog.Logger) (services.OpenRouter, error) {
	if o.Model == "" {
		return services.OpenRouter{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openRouterConfig) provider(systemPrompt string, logger *slog.Logger) (session.Provider, error) {
	return o.newOpenRouter(systemPrompt, logger)
}

func (o openRouterConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenRouter(titlePrompt, logger)
}

func (r relayConfig) provider(_ string, logger *slog.Logger) (session.Provider, error) {
	if r.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	return services.NewRelay(r.URL, logger), nil
}

// titleGen returns nil: the relay protocol only streams replies.
func (r relayConfig) titleGen(_ string, _ *slog.Logger) (handlers.TitleGenerator, error) {
	return nil, nil
}
