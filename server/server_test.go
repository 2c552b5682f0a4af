package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"roast-bot/oauth"
	"roast-bot/poll"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type stubPoller struct {
	result *poll.PassResult
	err    error
}

func (p *stubPoller) RunPass(ctx context.Context) (*poll.PassResult, error) {
	return p.result, p.err
}

type stubHandshake struct {
	url string
	err error
}

func (h *stubHandshake) Start(ctx context.Context) (string, error) { return h.url, h.err }

func (h *stubHandshake) Finish(ctx context.Context, state, code string) (*oauth2.Token, error) {
	if h.err != nil {
		return nil, h.err
	}
	return &oauth2.Token{AccessToken: "a"}, nil
}

func newTestServer(p Poller, h Handshake) http.Handler {
	return New(&Config{Poller: p, Handshake: h, Logger: testLogger, PassTimeout: time.Minute}).Handler()
}

func TestStaticRoutes(t *testing.T) {
	h := newTestServer(&stubPoller{}, &stubHandshake{})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "root", method: http.MethodGet, path: "/", wantStatus: http.StatusOK, wantBody: "Bot is running!"},
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK, wantBody: `{"status":"healthy"}`},
		{name: "root wrong method", method: http.MethodPost, path: "/", wantStatus: http.StatusMethodNotAllowed},
		{name: "health wrong method", method: http.MethodDelete, path: "/health", wantStatus: http.StatusMethodNotAllowed},
		{name: "pollz wrong method", method: http.MethodGet, path: "/pollz", wantStatus: http.StatusMethodNotAllowed},
		{name: "auth wrong method", method: http.MethodPost, path: "/auth", wantStatus: http.StatusMethodNotAllowed},
		{name: "unknown path", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestPollEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		poller     *stubPoller
		wantStatus int
	}{
		{
			name: "completed",
			poller: &stubPoller{result: &poll.PassResult{
				PassID:    "p1",
				Mentions:  2,
				Watermark: "11",
				Results: []poll.MentionResult{
					{MentionID: "10", Outcome: poll.OutcomeReplied},
					{MentionID: "11", Outcome: poll.OutcomeNoReference},
				},
			}},
			wantStatus: http.StatusOK,
		},
		{name: "in progress", poller: &stubPoller{err: poll.ErrPassInProgress}, wantStatus: http.StatusConflict},
		{name: "failed", poller: &stubPoller{result: &poll.PassResult{}, err: errors.New("boom")}, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestServer(tt.poller, &stubHandshake{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp pollResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Replied != 1 || resp.Skipped != 1 || resp.Watermark != "11" || resp.PassID != "p1" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

// ctxPoller records the context state a pass starts with.
type ctxPoller struct {
	err         error
	hasDeadline bool
}

func (p *ctxPoller) RunPass(ctx context.Context) (*poll.PassResult, error) {
	p.err = ctx.Err()
	_, p.hasDeadline = ctx.Deadline()
	return &poll.PassResult{}, nil
}

func TestPollSurvivesClientDisconnect(t *testing.T) {
	p := &ctxPoller{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pollz", nil).WithContext(ctx)
	newTestServer(p, &stubHandshake{}).ServeHTTP(rec, req)

	if p.err != nil {
		t.Errorf("pass context error = %v, want live context", p.err)
	}
	if !p.hasDeadline {
		t.Error("pass context should carry the pass timeout")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthNotConfigured(t *testing.T) {
	rec := httptest.NewRecorder()
	h := newTestServer(&stubPoller{}, &stubHandshake{err: oauth.ErrNotConfigured})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// pkceTokenServer accepts an exchange only when the verifier hashes to a
// challenge previously sent to the consent URL.
type pkceTokenServer struct {
	mu         sync.Mutex
	challenges map[string]bool
}

func (s *pkceTokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	s.mu.Lock()
	ok := s.challenges[challenge]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
		return
	}
	fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","token_type":"bearer","expires_in":7200}`)
}

func startAuth(t *testing.T, h http.Handler, ts *pkceTokenServer) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("/auth status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	ts.mu.Lock()
	ts.challenges[loc.Query().Get("code_challenge")] = true
	ts.mu.Unlock()
	return loc.Query().Get("state")
}

func callback(h http.Handler, state, code string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	target := "/callback?" + url.Values{"state": {state}, "code": {code}}.Encode()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestOAuthFlow(t *testing.T) {
	ts := &pkceTokenServer{challenges: map[string]bool{}}
	tokenSrv := httptest.NewServer(ts)
	defer tokenSrv.Close()

	var installed oauth2.TokenSource
	hs := oauth.New(&oauth.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      "https://example.com/i/oauth2/authorize",
		TokenURL:     tokenSrv.URL,
		RedirectURL:  "http://localhost:3000/callback",
		Scopes:       []string{"tweet.read", "tweet.write", "users.read"},
		OnToken:      func(src oauth2.TokenSource) { installed = src },
		Logger:       testLogger,
	})
	h := newTestServer(&stubPoller{}, hs)

	t.Run("success", func(t *testing.T) {
		state := startAuth(t, h, ts)
		rec := callback(h, state, "code-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("/callback status = %d, want 200", rec.Code)
		}
		if rec.Body.String() != "Authentication successful!" {
			t.Errorf("body = %q", rec.Body.String())
		}
		if installed == nil {
			t.Error("token not installed")
		}
	})

	t.Run("second auth invalidates first", func(t *testing.T) {
		first := startAuth(t, h, ts)
		_ = startAuth(t, h, ts)

		rec := callback(h, first, "code-2")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("/callback status = %d, want 500", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Authentication failed") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("missing code", func(t *testing.T) {
		state := startAuth(t, h, ts)
		if rec := callback(h, state, ""); rec.Code != http.StatusInternalServerError {
			t.Errorf("/callback status = %d, want 500", rec.Code)
		}
	})

	t.Run("no prior auth", func(t *testing.T) {
		if rec := callback(h, "made-up", "code"); rec.Code != http.StatusInternalServerError {
			t.Errorf("/callback status = %d, want 500", rec.Code)
		}
	})
}
