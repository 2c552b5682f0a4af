package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// GeminiProvider generates text via the Gemini generateContent REST API.
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	retryDelay time.Duration
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(apiKey, model, baseURL string, logger *slog.Logger) *GeminiProvider {
	return &GeminiProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		retryDelay: time.Second,
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// geminiStatusError is a non-2xx response from the Gemini API.
type geminiStatusError struct {
	StatusCode int
	Body       string
}

func (e *geminiStatusError) Error() string {
	return fmt.Sprintf("gemini HTTP %d: %s", e.StatusCode, e.Body)
}

// Name implements Provider.
func (g *GeminiProvider) Name() string {
	return "gemini/" + g.model
}

// Generate implements Provider.
func (g *GeminiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))

	var text string
	err = retry.Do(
		func() error {
			g.logger.Debug("Gemini API request starting",
				"method", "POST",
				"model", g.model,
				"prompt_length", len(prompt))

			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("x-goog-api-key", g.apiKey)

			resp, err := g.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gemini API request failed, will retry",
					"model", g.model,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					g.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
				return &geminiStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			}

			var parsed geminiResponse
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}

			if len(parsed.Candidates) == 0 {
				reason := "no candidates"
				if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
					reason = "prompt blocked: " + parsed.PromptFeedback.BlockReason
				}
				return retry.Unrecoverable(errors.New(reason))
			}

			var sb strings.Builder
			for _, part := range parsed.Candidates[0].Content.Parts {
				sb.WriteString(part.Text)
			}
			text = sb.String()

			g.logger.Info("Gemini API request completed",
				"model", g.model,
				"duration_ms", duration.Milliseconds(),
				"finish_reason", parsed.Candidates[0].FinishReason,
				"output_length", len(text))

			return nil
		},
		retry.Attempts(3),
		retry.Delay(g.retryDelay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(g.retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Only rate limits and server errors are worth repeating
			var statusErr *geminiStatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
			}
			return true
		}),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gemini request after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return "", err
	}
	return text, nil
}
