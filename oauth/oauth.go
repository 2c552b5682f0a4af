// Package oauth implements the operator-driven OAuth2 authorization code flow
// with PKCE used to (re)issue the bot's user access token.
package oauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrNotConfigured means no OAuth2 client id is set.
	ErrNotConfigured = errors.New("oauth2 client not configured")
	// ErrUnknownState means the callback state matches no pending attempt.
	ErrUnknownState = errors.New("unknown or expired oauth state")
	// ErrMissingCode means the callback carried no authorization code.
	ErrMissingCode = errors.New("missing authorization code")
)

// TokenHandler receives a token source built from freshly issued tokens.
type TokenHandler func(src oauth2.TokenSource)

// Config holds handshake settings.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	StateTTL     time.Duration
	MaxPending   int
	OnToken      TokenHandler
	HTTPClient   *http.Client // used for token exchange and refresh; nil means http.DefaultClient
	Logger       *slog.Logger
}

// Handshake runs authorization attempts.
type Handshake struct {
	oauth      *oauth2.Config
	pending    *pendingStore
	onToken    TokenHandler
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a handshake. It is valid with an empty client id, but Start fails
// with ErrNotConfigured until one is provided.
func New(cfg *Config) *Handshake {
	style := oauth2.AuthStyleInHeader
	if cfg.ClientSecret == "" {
		// Public clients send the id in the form body
		style = oauth2.AuthStyleInParams
	}

	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = 1
	}

	return &Handshake{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: style,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		pending:    newPendingStore(ttl, maxPending),
		onToken:    cfg.OnToken,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// Configured reports whether a client id is set.
func (h *Handshake) Configured() bool {
	return h.oauth.ClientID != ""
}

// Start begins an attempt and returns the consent URL to redirect the operator to.
func (h *Handshake) Start(ctx context.Context) (string, error) {
	if !h.Configured() {
		return "", ErrNotConfigured
	}

	verifier := oauth2.GenerateVerifier()
	state := rand.Text()

	if evicted := h.pending.add(state, verifier, time.Now()); evicted > 0 {
		h.logger.Info("Discarded earlier OAuth attempts", "evicted", evicted)
	}

	authURL := h.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	h.logger.Info("OAuth attempt started", "redirect_url", h.oauth.RedirectURL, "scopes", h.oauth.Scopes)
	return authURL, nil
}

// Finish completes the attempt identified by state by exchanging code for tokens.
// The attempt is consumed whether or not the exchange succeeds.
func (h *Handshake) Finish(ctx context.Context, state, code string) (*oauth2.Token, error) {
	if !h.Configured() {
		return nil, ErrNotConfigured
	}

	verifier, ok := h.pending.take(state, time.Now())
	if !ok {
		h.logger.Warn("OAuth callback with unknown or expired state")
		return nil, ErrUnknownState
	}
	if code == "" {
		return nil, ErrMissingCode
	}

	tok, err := h.oauth.Exchange(h.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	h.logger.Info("OAuth tokens issued, store these securely",
		"access_token", tok.AccessToken,
		"refresh_token", tok.RefreshToken,
		"expiry", tok.Expiry)

	if h.onToken != nil {
		h.onToken(h.TokenSource(context.WithoutCancel(ctx), tok))
	}
	return tok, nil
}

// TokenSource returns a source that refreshes tok through the token endpoint
// when it expires. ctx must outlive the source. Refresh tokens rotated by the
// endpoint are logged like the ones issued by Finish.
func (h *Handshake) TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource {
	return &rotationLogger{
		src:     h.oauth.TokenSource(h.clientContext(ctx), tok),
		logger:  h.logger,
		refresh: tok.RefreshToken,
	}
}

type rotationLogger struct {
	src    oauth2.TokenSource
	logger *slog.Logger

	mu      sync.Mutex
	refresh string
}

func (r *rotationLogger) Token() (*oauth2.Token, error) {
	tok, err := r.src.Token()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tok.RefreshToken != "" && tok.RefreshToken != r.refresh {
		r.refresh = tok.RefreshToken
		r.logger.Info("OAuth tokens refreshed, store these securely",
			"access_token", tok.AccessToken,
			"refresh_token", tok.RefreshToken,
			"expiry", tok.Expiry)
	}
	return tok, nil
}

func (h *Handshake) clientContext(ctx context.Context) context.Context {
	if h.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
}

type attempt struct {
	verifier  string
	createdAt time.Time
}

// pendingStore holds started attempts keyed by state.
type pendingStore struct {
	mu       sync.Mutex
	attempts map[string]attempt
	ttl      time.Duration
	max      int
}

func newPendingStore(ttl time.Duration, maxPending int) *pendingStore {
	return &pendingStore{
		attempts: make(map[string]attempt),
		ttl:      ttl,
		max:      maxPending,
	}
}

// add records an attempt, evicting the oldest ones beyond capacity.
// Returns the number evicted.
func (p *pendingStore) add(state, verifier string, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked(now)

	evicted := 0
	for len(p.attempts) >= p.max {
		oldest := ""
		for s, a := range p.attempts {
			if oldest == "" || a.createdAt.Before(p.attempts[oldest].createdAt) {
				oldest = s
			}
		}
		delete(p.attempts, oldest)
		evicted++
	}

	p.attempts[state] = attempt{verifier: verifier, createdAt: now}
	return evicted
}

// take removes and returns the verifier for state if it exists and has not expired.
func (p *pendingStore) take(state string, now time.Time) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked(now)

	a, ok := p.attempts[state]
	if !ok || state == "" {
		return "", false
	}
	delete(p.attempts, state)
	return a.verifier, true
}

func (p *pendingStore) pruneLocked(now time.Time) {
	for s, a := range p.attempts {
		if now.Sub(a.createdAt) > p.ttl {
			delete(p.attempts, s)
		}
	}
}

func (p *pendingStore) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.attempts)
}
