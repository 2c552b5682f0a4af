// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"roast-bot/poll"
)

// Poller interface for triggering passes.
type Poller interface {
	RunPass(ctx context.Context) (*poll.PassResult, error)
}

// Handshake interface for the OAuth2 flow.
type Handshake interface {
	Start(ctx context.Context) (string, error)
	Finish(ctx context.Context, state, code string) (*oauth2.Token, error)
}

// Server handles HTTP requests.
type Server struct {
	poller      Poller
	handshake   Handshake
	logger      *slog.Logger
	passTimeout time.Duration
}

// Config holds server configuration.
type Config struct {
	Poller      Poller
	Handshake   Handshake
	Logger      *slog.Logger
	PassTimeout time.Duration // bounds passes started from /pollz
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:      cfg.Poller,
		handshake:   cfg.Handshake,
		logger:      cfg.Logger,
		passTimeout: cfg.PassTimeout,
	}
}

// Handler returns the router for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/auth", s.handleAuth)
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,               // Time to read request headers and body
		WriteTimeout:      s.passTimeout + 30*time.Second, // /pollz holds the response for a whole pass
		IdleTimeout:       120 * time.Second,              // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,                // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := fmt.Fprint(w, "Bot is running!"); err != nil {
		s.logger.Warn("Failed to write root response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	authURL, err := s.handshake.Start(r.Context())
	if err != nil {
		s.logger.Error("Failed to start OAuth flow", "error", err)
		http.Error(w, "Authentication unavailable", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		s.logger.Warn("Authorization server returned an error", "error", denied, "description", q.Get("error_description"))
	}

	if _, err := s.handshake.Finish(r.Context(), q.Get("state"), q.Get("code")); err != nil {
		s.logger.Error("Authentication failed", "error", err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := fmt.Fprint(w, "Authentication successful!"); err != nil {
		s.logger.Warn("Failed to write callback response", "error", err)
	}
}

// pollResponse is the /pollz summary.
type pollResponse struct {
	Status     string `json:"status"`
	PassID     string `json:"pass_id"`
	Mentions   int    `json:"mentions"`
	Replied    int    `json:"replied"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Watermark  string `json:"watermark"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	// A disconnecting client must not cut a pass short mid-batch
	ctx := context.WithoutCancel(r.Context())
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	result, err := s.poller.RunPass(ctx)
	if errors.Is(err, poll.ErrPassInProgress) {
		http.Error(w, "Pass already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("Poll pass failed", "error", err)
		http.Error(w, "Pass failed", http.StatusInternalServerError)
		return
	}

	resp := pollResponse{
		Status:     "completed",
		PassID:     result.PassID,
		Mentions:   result.Mentions,
		Replied:    result.Count(poll.OutcomeReplied),
		Skipped:    result.Count(poll.OutcomeNoReference) + result.Count(poll.OutcomeNoPost) + result.Count(poll.OutcomeOwnMention),
		Failed:     result.Count(poll.OutcomeFailed),
		Watermark:  result.Watermark,
		DurationMS: result.Duration.Milliseconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
