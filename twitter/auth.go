package twitter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dghubble/oauth1"
	"golang.org/x/oauth2"
)

const requestTimeout = 30 * time.Second

// OAuth1HTTPClient returns an HTTP client that signs requests with OAuth 1.0a user context.
func OAuth1HTTPClient(ctx context.Context, appKey, appSecret, accessToken, accessSecret string) *http.Client {
	config := oauth1.NewConfig(appKey, appSecret)
	client := config.Client(ctx, oauth1.NewToken(accessToken, accessSecret))
	client.Timeout = requestTimeout
	return client
}

// TokenHolder is a swappable OAuth2 token source.
// The OAuth handshake installs fresh tokens into it while the poller keeps using it.
type TokenHolder struct {
	mu  sync.RWMutex
	src oauth2.TokenSource
}

// NewTokenHolder creates a holder; src may be nil until a token is installed.
func NewTokenHolder(src oauth2.TokenSource) *TokenHolder {
	return &TokenHolder{src: src}
}

// Token implements oauth2.TokenSource.
func (h *TokenHolder) Token() (*oauth2.Token, error) {
	h.mu.RLock()
	src := h.src
	h.mu.RUnlock()

	if src == nil {
		return nil, ErrNoToken
	}
	return src.Token()
}

// Set replaces the current token source.
func (h *TokenHolder) Set(src oauth2.TokenSource) {
	h.mu.Lock()
	h.src = src
	h.mu.Unlock()
}

// HasToken reports whether a token source has been installed.
func (h *TokenHolder) HasToken() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.src != nil
}

// OAuth2HTTPClient returns an HTTP client authorizing requests with the holder's current token.
// The transport asks the holder on every request so a swapped source takes effect immediately.
func OAuth2HTTPClient(holder *TokenHolder) *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &oauth2.Transport{
			Source: holder,
			Base:   http.DefaultTransport,
		},
	}
}
