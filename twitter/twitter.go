// Package twitter is a minimal client for the platform's v2 API: account lookup,
// mention timeline, post lookup and replies.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"roast-bot/pkg/roast"
)

const (
	mentionsPageSize = 100
	maxErrorBody     = 4096
)

// Client talks to the platform API.
type Client struct {
	client   *http.Client
	baseURL  string
	limiter  *rate.Limiter
	maxPages int
	logger   *slog.Logger

	retryDelay time.Duration
}

// Config holds client configuration.
type Config struct {
	HTTPClient       *http.Client
	BaseURL          string
	ReplyMinInterval time.Duration // Minimum spacing between replies, 0 disables limiting
	MaxPages         int           // Mention pages followed per lookup
	Logger           *slog.Logger
}

// New creates a new platform client.
func New(cfg *Config) *Client {
	limit := rate.Inf
	if cfg.ReplyMinInterval > 0 {
		limit = rate.Every(cfg.ReplyMinInterval)
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	return &Client{
		client:   cfg.HTTPClient,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		limiter:  rate.NewLimiter(limit, 1),
		maxPages: maxPages,
		logger:   cfg.Logger,

		retryDelay: time.Second,
	}
}

type userResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

type tweetData struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	AuthorID         string `json:"author_id"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type timelineResponse struct {
	Data []tweetData `json:"data"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

type tweetResponse struct {
	Data   *tweetData `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Type   string `json:"type"`
	} `json:"errors"`
}

type createTweetRequest struct {
	Text  string            `json:"text"`
	Reply *createTweetReply `json:"reply,omitempty"`
}

type createTweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type createTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Me resolves the authenticated account.
func (c *Client) Me(ctx context.Context) (*roast.Account, error) {
	var resp userResponse
	if err := c.do(ctx, isRetryable, http.MethodGet, "/2/users/me", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("lookup authenticated user: %w", err)
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return nil, fmt.Errorf("lookup authenticated user: empty response")
	}
	return &roast.Account{ID: resp.Data.ID, Username: resp.Data.Username}, nil
}

// MentionsSince returns mentions of userID with ids strictly greater than sinceID,
// in the order the platform returns them. An empty sinceID returns the most recent mentions.
func (c *Client) MentionsSince(ctx context.Context, userID, sinceID string) ([]*roast.Mention, error) {
	var mentions []*roast.Mention
	var nextToken string

	for page := 1; page <= c.maxPages; page++ {
		query := url.Values{}
		query.Set("max_results", strconv.Itoa(mentionsPageSize))
		query.Set("tweet.fields", "author_id,referenced_tweets")
		if sinceID != "" {
			query.Set("since_id", sinceID)
		}
		if nextToken != "" {
			query.Set("pagination_token", nextToken)
		}

		var resp timelineResponse
		path := "/2/users/" + url.PathEscape(userID) + "/mentions"
		if err := c.do(ctx, isRetryable, http.MethodGet, path, query, nil, &resp); err != nil {
			return nil, fmt.Errorf("fetch mentions page %d: %w", page, err)
		}

		for i := range resp.Data {
			mentions = append(mentions, toMention(&resp.Data[i]))
		}

		c.logger.Debug("Mentions page fetched",
			"page", page,
			"result_count", resp.Meta.ResultCount,
			"newest_id", resp.Meta.NewestID,
			"has_next", resp.Meta.NextToken != "")

		if resp.Meta.NextToken == "" {
			return mentions, nil
		}
		nextToken = resp.Meta.NextToken
	}

	c.logger.Warn("Mention pagination limit reached, older mentions in this window are skipped",
		"max_pages", c.maxPages,
		"fetched", len(mentions))
	return mentions, nil
}

// Post fetches a post by id. It returns nil, nil when the post has no data
// (deleted, withheld or not visible to the bot).
func (c *Client) Post(ctx context.Context, id string) (*roast.Post, error) {
	query := url.Values{}
	query.Set("tweet.fields", "author_id")

	var resp tweetResponse
	err := c.do(ctx, isRetryable, http.MethodGet, "/2/tweets/"+url.PathEscape(id), query, nil, &resp)
	if IsNotFound(err) {
		c.logger.Debug("Post not found", "post_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch post %s: %w", id, err)
	}

	if resp.Data == nil {
		if len(resp.Errors) > 0 {
			c.logger.Debug("Post lookup returned no data", "post_id", id, "reason", resp.Errors[0].Title)
		}
		return nil, nil
	}

	return &roast.Post{
		ID:       resp.Data.ID,
		Text:     html.UnescapeString(resp.Data.Text),
		AuthorID: resp.Data.AuthorID,
	}, nil
}

// Reply posts text as a reply to inReplyTo and returns the new post id.
func (c *Client) Reply(ctx context.Context, text, inReplyTo string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("reply rate limiter: %w", err)
	}

	body := createTweetRequest{
		Text:  text,
		Reply: &createTweetReply{InReplyToTweetID: inReplyTo},
	}

	var resp createTweetResponse
	if err := c.do(ctx, isRetryableCreate, http.MethodPost, "/2/tweets", nil, body, &resp); err != nil {
		return "", fmt.Errorf("post reply to %s: %w", inReplyTo, err)
	}
	return resp.Data.ID, nil
}

func toMention(t *tweetData) *roast.Mention {
	m := &roast.Mention{
		ID:       t.ID,
		Text:     html.UnescapeString(t.Text),
		AuthorID: t.AuthorID,
	}
	if len(t.ReferencedTweets) > 0 {
		m.ReferencedPostID = t.ReferencedTweets[0].ID
	}
	return m
}

// do sends one API request, repeating it while retryIf allows, and decodes a
// 2xx JSON body into out.
func (c *Client) do(ctx context.Context, retryIf func(error) bool, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	return retry.Do(
		func() error {
			var reqBody io.Reader = http.NoBody
			if payload != nil {
				reqBody = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Twitter API request failed",
					"method", method,
					"path", path,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Twitter API request completed",
				"method", method,
				"path", path,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return newAPIError(resp, path)
			}

			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &decodeError{err: err}
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryIf),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Twitter API request after error", "attempt", n, "path", path, "error", err)
		}),
	)
}

func newAPIError(resp *http.Response, path string) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Endpoint: path}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apiErr
	}

	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &problem) == nil {
		apiErr.Title = problem.Title
		apiErr.Detail = problem.Detail
	}
	return apiErr
}
