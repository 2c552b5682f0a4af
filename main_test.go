package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"roast-bot/config"
	"roast-bot/generate"
	"roast-bot/oauth"
	"roast-bot/storage"
	"roast-bot/twitter"
)

var discard = slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.Config{Env: "production", LogLevel: slog.LevelInfo}, &buf).Info("Hello", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("production log line is not JSON: %q", buf.String())
	}
	if entry["msg"] != "Hello" || entry["k"] != "v" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	newLogger(config.Config{Env: "development", LogLevel: slog.LevelInfo}, &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at info level: %q", buf.String())
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		gen      config.GeneratorConfig
		wantName string
		wantErr  bool
	}{
		{name: "mock", gen: config.GeneratorConfig{Provider: config.ProviderMock}, wantName: "mock"},
		{name: "gemini", gen: config.GeneratorConfig{Provider: config.ProviderGemini, GoogleAPIKey: "k", GeminiModel: "gemini-1.5-pro"}, wantName: "gemini/gemini-1.5-pro"},
		{name: "unknown", gen: config.GeneratorConfig{Provider: "llama"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := newProvider(config.Config{Generator: tt.gen}, discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}

	p, err := newProvider(config.Config{Generator: config.GeneratorConfig{Provider: config.ProviderOpenAI, OpenAIAPIKey: "k", OpenAIModel: "m"}}, discard)
	if err != nil {
		t.Fatalf("newProvider(openai) error = %v", err)
	}
	if _, ok := p.(*generate.OpenAIProvider); !ok {
		t.Errorf("newProvider(openai) = %T", p)
	}
}

func TestNewCheckpointStore(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		storage func(dir string) config.StorageConfig
		check   func(t *testing.T, store any)
	}{
		{
			name:    "memory by default",
			storage: func(string) config.StorageConfig { return config.StorageConfig{} },
			check: func(t *testing.T, store any) {
				if _, ok := store.(*storage.MemoryStore); !ok {
					t.Errorf("store = %T, want *storage.MemoryStore", store)
				}
			},
		},
		{
			name:    "local directory",
			storage: func(dir string) config.StorageConfig { return config.StorageConfig{LocalPath: filepath.Join(dir, "data")} },
			check: func(t *testing.T, store any) {
				if _, ok := store.(*storage.Store); !ok {
					t.Errorf("store = %T, want *storage.Store", store)
				}
			},
		},
		{
			name: "sqlite wins over local",
			storage: func(dir string) config.StorageConfig {
				return config.StorageConfig{SQLitePath: filepath.Join(dir, "bot.db"), LocalPath: dir}
			},
			check: func(t *testing.T, store any) {
				if _, ok := store.(*storage.SQLiteStore); !ok {
					t.Errorf("store = %T, want *storage.SQLiteStore", store)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{Storage: tt.storage(t.TempDir())}
			store, closeStore, err := newCheckpointStore(ctx, cfg, discard)
			if err != nil {
				t.Fatalf("newCheckpointStore() error = %v", err)
			}
			defer closeStore()
			tt.check(t, store)

			if err := store.SetLastMentionID(ctx, "12"); err != nil {
				t.Fatalf("SetLastMentionID() error = %v", err)
			}
			if got, err := store.LastMentionID(ctx); err != nil || got != "12" {
				t.Errorf("LastMentionID() = %q, %v", got, err)
			}
		})
	}
}

func TestNewPlatformClientWithoutCredentials(t *testing.T) {
	holder := twitter.NewTokenHolder(nil)
	hs := oauth.New(&oauth.Config{Logger: discard})

	c := newPlatformClient(context.Background(), config.Config{Twitter: config.TwitterConfig{APIURL: "http://127.0.0.1:1"}}, holder, hs, discard)
	_, err := c.Me(context.Background())
	if !twitter.IsAuthError(err) {
		t.Errorf("Me() without token error = %v, want auth error", err)
	}
}

func TestNewPlatformClientWithOAuth2Token(t *testing.T) {
	holder := twitter.NewTokenHolder(nil)
	hs := oauth.New(&oauth.Config{Logger: discard})

	cfg := config.Config{Twitter: config.TwitterConfig{APIURL: "http://127.0.0.1:1", OAuth2AccessToken: "tok"}}
	_ = newPlatformClient(context.Background(), cfg, holder, hs, discard)

	if !holder.HasToken() {
		t.Fatal("configured OAuth2 token was not installed")
	}
	tok, err := holder.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "tok" {
		t.Errorf("AccessToken = %q, want tok", tok.AccessToken)
	}
}

func TestNewPlatformClientRefreshesConfiguredToken(t *testing.T) {
	var refreshes atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "r1" {
			t.Errorf("token request form = %v, want refresh_token grant with r1", r.PostForm)
		}
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"r2","token_type":"bearer","expires_in":7200}`)
	}))
	defer tokenSrv.Close()

	holder := twitter.NewTokenHolder(nil)
	hs := oauth.New(&oauth.Config{ClientID: "client", TokenURL: tokenSrv.URL, Logger: discard})

	cfg := config.Config{Twitter: config.TwitterConfig{
		APIURL:             "http://127.0.0.1:1",
		OAuth2AccessToken:  "stale",
		OAuth2RefreshToken: "r1",
	}}
	_ = newPlatformClient(context.Background(), cfg, holder, hs, discard)

	tok, err := holder.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, want refreshed token", tok.AccessToken)
	}
	if got := refreshes.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}

	// The refreshed token is reused until it expires
	if _, err := holder.Token(); err != nil {
		t.Fatalf("second Token() error = %v", err)
	}
	if got := refreshes.Load(); got != 1 {
		t.Errorf("token endpoint called %d times after reuse, want 1", got)
	}
}

func TestConfiguredToken(t *testing.T) {
	withRefresh := configuredToken(config.TwitterConfig{OAuth2AccessToken: "a", OAuth2RefreshToken: "r"})
	if withRefresh.Valid() {
		t.Error("token with a refresh token should start expired so it is refreshed")
	}

	accessOnly := configuredToken(config.TwitterConfig{OAuth2AccessToken: "a"})
	if !accessOnly.Valid() {
		t.Error("access-only token should be used as is")
	}
}
