// Package main runs the roast reply bot: a poller that answers mentions with
// generated roasts, plus a small HTTP surface for health and OAuth.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"roast-bot/config"
	"roast-bot/generate"
	"roast-bot/oauth"
	"roast-bot/poll"
	"roast-bot/server"
	"roast-bot/storage"
	"roast-bot/twitter"
)

const checkpointName = "mentions"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Bot stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Bot stopped")
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	holder := twitter.NewTokenHolder(nil)
	handshake := oauth.New(&oauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		StateTTL:     cfg.OAuth.StateTTL,
		MaxPending:   cfg.OAuth.MaxPending,
		OnToken: func(src oauth2.TokenSource) {
			holder.Set(src)
			logger.Info("Installed new OAuth2 token for the platform client")
		},
		Logger: logger.With("component", "oauth"),
	})

	platform := newPlatformClient(ctx, cfg, holder, handshake, logger)

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}
	roaster := generate.NewRoaster(provider, generate.Options{
		Template: cfg.Roast.PromptTemplate,
		MaxChars: cfg.Roast.MaxChars,
		Truncate: cfg.Roast.Overflow == config.OverflowTruncate,
	}, logger.With("component", "generate"))

	store, closeStore, err := newCheckpointStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	poller := poll.New(&poll.Config{
		Platform:   platform,
		Roaster:    roaster,
		Store:      store,
		IsSystemic: twitter.IsAuthError,
		Logger:     logger.With("component", "poll"),
	})

	scheduler := poll.NewScheduler(poller, cfg.Poll.Interval, cfg.Poll.PassTimeout, logger.With("component", "scheduler"))
	scheduler.Start(ctx)
	defer scheduler.Stop()

	srv := server.New(&server.Config{
		Poller:      poller,
		Handshake:   handshake,
		Logger:      logger.With("component", "server"),
		PassTimeout: cfg.Poll.PassTimeout,
	})

	logger.Info("Roast bot started",
		"env", cfg.Env,
		"generator", provider.Name(),
		"poll_interval", cfg.Poll.Interval,
		"oauth2_handshake", handshake.Configured())

	return srv.ListenAndServe(ctx, cfg.Port)
}

// newPlatformClient prefers OAuth 1.0a user context when fully configured,
// otherwise authorizes with the OAuth2 token holder.
func newPlatformClient(ctx context.Context, cfg config.Config, holder *twitter.TokenHolder, handshake *oauth.Handshake, logger *slog.Logger) *twitter.Client {
	tc := &twitter.Config{
		BaseURL:          cfg.Twitter.APIURL,
		ReplyMinInterval: cfg.Twitter.ReplyMinInterval,
		MaxPages:         cfg.Poll.MentionsMaxPages,
		Logger:           logger.With("component", "twitter"),
	}

	switch {
	case cfg.Twitter.OAuth1Enabled():
		logger.Info("Using OAuth 1.0a user context")
		tc.HTTPClient = twitter.OAuth1HTTPClient(ctx,
			cfg.Twitter.AppKey, cfg.Twitter.AppSecret,
			cfg.Twitter.AccessToken, cfg.Twitter.AccessSecret)
	case cfg.Twitter.OAuth2Enabled():
		logger.Info("Using configured OAuth2 user token")
		holder.Set(handshake.TokenSource(ctx, configuredToken(cfg.Twitter)))
		tc.HTTPClient = twitter.OAuth2HTTPClient(holder)
	default:
		logger.Warn("No platform credentials configured, visit /auth to authorize the bot")
		tc.HTTPClient = twitter.OAuth2HTTPClient(holder)
	}

	return twitter.New(tc)
}

// configuredToken builds the startup OAuth2 token. Its real expiry is unknown,
// so with a refresh token it is marked expired and refreshed on first use.
func configuredToken(tc config.TwitterConfig) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  tc.OAuth2AccessToken,
		RefreshToken: tc.OAuth2RefreshToken,
		TokenType:    "Bearer",
	}
	if tok.RefreshToken != "" {
		tok.Expiry = time.Now().Add(-time.Minute)
	}
	return tok
}

func newProvider(cfg config.Config, logger *slog.Logger) (generate.Provider, error) {
	l := logger.With("component", "generate")
	switch cfg.Generator.Provider {
	case config.ProviderGemini:
		return generate.NewGeminiProvider(cfg.Generator.GoogleAPIKey, cfg.Generator.GeminiModel, cfg.Generator.GeminiAPIURL, l), nil
	case config.ProviderOpenAI:
		return generate.NewOpenAIProvider(cfg.Generator.OpenAIAPIKey, cfg.Generator.OpenAIBaseURL, cfg.Generator.OpenAIModel, l), nil
	case config.ProviderMock:
		logger.Info("Mock generator enabled (no GOOGLE_API_KEY)")
		return generate.NewMockProvider(l), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Generator.Provider)
	}
}

// newCheckpointStore picks the watermark backend: Cloud Storage, SQLite, a
// local directory, or memory (lost on restart).
func newCheckpointStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (poll.Checkpoint, func(), error) {
	l := logger.With("component", "storage")
	noop := func() {}

	switch {
	case cfg.Storage.Bucket != "":
		var opts []option.ClientOption
		if cfg.Storage.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.Storage.CredentialsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, noop, fmt.Errorf("initialize storage client: %w", err)
		}
		store, err := storage.New(client, cfg.Storage.Bucket, "", checkpointName, l)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		logger.Info("Watermark stored in Cloud Storage", "bucket", cfg.Storage.Bucket)
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	case cfg.Storage.SQLitePath != "":
		store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath, checkpointName)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Watermark stored in SQLite", "path", cfg.Storage.SQLitePath)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close SQLite store", "error", err)
			}
		}, nil

	case cfg.Storage.LocalPath != "":
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0o755); err != nil {
			return nil, noop, fmt.Errorf("create local storage directory: %w", err)
		}
		store, err := storage.New(nil, "", cfg.Storage.LocalPath, checkpointName, l)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Watermark stored locally", "storage_path", cfg.Storage.LocalPath)
		return store, noop, nil
	}

	logger.Info("Watermark kept in memory only")
	return storage.NewMemoryStore(), noop, nil
}
