// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPromptTemplate is the roast prompt; {tweet_text} is replaced with the original post.
const DefaultPromptTemplate = `
You are a witty roast bot. Create a funny and clever roast for the following tweet.
Keep it playful and avoid being mean-spirited or offensive.

Tweet: {tweet_text}

Generate a roast response in under 280 characters:
`

// PromptPlaceholder marks where the original post text goes in the prompt template.
const PromptPlaceholder = "{tweet_text}"

// Overflow policies for generated text longer than the reply limit.
const (
	OverflowTruncate = "truncate"
	OverflowReject   = "reject"
)

// Generator providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

type Config struct {
	Env      string
	LogLevel slog.Level
	Port     string

	Twitter   TwitterConfig
	OAuth     OAuthConfig
	Generator GeneratorConfig
	Roast     RoastConfig
	Poll      PollConfig
	Storage   StorageConfig
}

type TwitterConfig struct {
	APIURL string

	// OAuth 1.0a user context.
	AppKey       string
	AppSecret    string
	AccessToken  string
	AccessSecret string

	// OAuth2 user context.
	OAuth2AccessToken  string
	OAuth2RefreshToken string

	ReplyMinInterval time.Duration
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	StateTTL     time.Duration
	MaxPending   int
}

type GeneratorConfig struct {
	Provider string

	GoogleAPIKey string
	GeminiModel  string
	GeminiAPIURL string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
}

type RoastConfig struct {
	PromptTemplate string
	MaxChars       int
	Overflow       string
}

type PollConfig struct {
	Interval         time.Duration
	PassTimeout      time.Duration
	MentionsMaxPages int
}

type StorageConfig struct {
	Bucket          string
	LocalPath       string
	SQLitePath      string
	CredentialsJSON string
}

// Load reads configuration from the environment.
// In development a .env file in the working directory is loaded first.
func Load() (Config, error) {
	if getEnv("BOT_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	env := getEnv("BOT_ENV", "development")
	level := slog.LevelInfo
	if env == "development" {
		level = slog.LevelDebug
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}

	cfg := Config{
		Env:      env,
		LogLevel: level,
		Port:     getEnv("PORT", "3000"),
		Twitter: TwitterConfig{
			APIURL:             getEnv("TWITTER_API_URL", "https://api.twitter.com"),
			AppKey:             getEnv("TWITTER_APP_KEY", ""),
			AppSecret:          getEnv("TWITTER_APP_SECRET", ""),
			AccessToken:        getEnv("TWITTER_ACCESS_TOKEN", ""),
			AccessSecret:       getEnv("TWITTER_ACCESS_SECRET", ""),
			OAuth2AccessToken:  getEnv("TWITTER_OAUTH2_ACCESS_TOKEN", ""),
			OAuth2RefreshToken: getEnv("TWITTER_OAUTH2_REFRESH_TOKEN", ""),
			ReplyMinInterval:   getEnvDuration("REPLY_MIN_INTERVAL", 2*time.Second),
		},
		OAuth: OAuthConfig{
			ClientID:     getEnv("TWITTER_CLIENT_ID", ""),
			ClientSecret: getEnv("TWITTER_CLIENT_SECRET", ""),
			AuthURL:      getEnv("TWITTER_AUTH_URL", "https://twitter.com/i/oauth2/authorize"),
			TokenURL:     getEnv("TWITTER_TOKEN_URL", "https://api.twitter.com/2/oauth2/token"),
			RedirectURL:  getEnv("OAUTH_REDIRECT_URL", "http://localhost:3000/callback"),
			Scopes:       strings.Fields(getEnv("OAUTH_SCOPES", "tweet.read tweet.write users.read")),
			StateTTL:     getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute),
			MaxPending:   getEnvInt("OAUTH_MAX_PENDING", 1),
		},
		Generator: GeneratorConfig{
			Provider:      getEnv("GENERATOR_PROVIDER", ""),
			GoogleAPIKey:  getEnv("GOOGLE_API_KEY", ""),
			GeminiModel:   getEnv("GEMINI_MODEL", "gemini-1.5-pro"),
			GeminiAPIURL:  getEnv("GEMINI_API_URL", "https://generativelanguage.googleapis.com/v1beta"),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Roast: RoastConfig{
			PromptTemplate: getEnv("ROAST_PROMPT_TEMPLATE", DefaultPromptTemplate),
			MaxChars:       getEnvInt("ROAST_MAX_CHARS", 280),
			Overflow:       getEnv("ROAST_OVERFLOW", OverflowTruncate),
		},
		Poll: PollConfig{
			Interval:         getEnvDuration("POLL_INTERVAL", 60*time.Second),
			PassTimeout:      getEnvDuration("PASS_TIMEOUT", 5*time.Minute),
			MentionsMaxPages: getEnvInt("MENTIONS_MAX_PAGES", 5),
		},
		Storage: StorageConfig{
			Bucket:          getEnv("STORAGE_BUCKET", ""),
			LocalPath:       getEnv("LOCAL_STORAGE", ""),
			SQLitePath:      getEnv("SQLITE_PATH", ""),
			CredentialsJSON: getEnv("GOOGLE_CREDENTIALS_JSON", ""),
		},
	}

	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = ProviderMock
		if cfg.Generator.GoogleAPIKey != "" {
			cfg.Generator.Provider = ProviderGemini
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at first use.
func (c Config) Validate() error {
	if !strings.Contains(c.Roast.PromptTemplate, PromptPlaceholder) {
		return fmt.Errorf("ROAST_PROMPT_TEMPLATE must contain %s", PromptPlaceholder)
	}
	if c.Roast.MaxChars <= 0 {
		return errors.New("ROAST_MAX_CHARS must be positive")
	}
	if c.Roast.Overflow != OverflowTruncate && c.Roast.Overflow != OverflowReject {
		return fmt.Errorf("ROAST_OVERFLOW must be %q or %q, got %q", OverflowTruncate, OverflowReject, c.Roast.Overflow)
	}
	if c.Poll.Interval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if c.OAuth.MaxPending <= 0 {
		return errors.New("OAUTH_MAX_PENDING must be positive")
	}

	switch c.Generator.Provider {
	case ProviderGemini:
		if c.Generator.GoogleAPIKey == "" {
			return errors.New("GOOGLE_API_KEY is required for the gemini provider")
		}
	case ProviderOpenAI:
		if c.Generator.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai provider")
		}
	case ProviderMock:
	default:
		return fmt.Errorf("unknown GENERATOR_PROVIDER %q", c.Generator.Provider)
	}

	if c.IsProduction() && !c.Twitter.OAuth1Enabled() && !c.Twitter.OAuth2Enabled() {
		return errors.New("TWITTER_APP_KEY/TWITTER_APP_SECRET/TWITTER_ACCESS_TOKEN/TWITTER_ACCESS_SECRET or TWITTER_OAUTH2_ACCESS_TOKEN is required")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c TwitterConfig) OAuth1Enabled() bool {
	return c.AppKey != "" && c.AppSecret != "" && c.AccessToken != "" && c.AccessSecret != ""
}

func (c TwitterConfig) OAuth2Enabled() bool {
	return c.OAuth2AccessToken != ""
}

func (c OAuthConfig) Enabled() bool {
	return c.ClientID != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare milliseconds ("60000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
