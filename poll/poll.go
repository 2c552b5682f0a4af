// Package poll runs mention passes: fetch new mentions, roast the posts they
// reference and reply, advancing a watermark so nothing is processed twice.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"roast-bot/pkg/roast"
)

// ErrPassInProgress is returned when a pass is requested while another is running.
var ErrPassInProgress = errors.New("poll pass already in progress")

// Platform interface for the social-media API.
type Platform interface {
	Me(ctx context.Context) (*roast.Account, error)
	MentionsSince(ctx context.Context, userID, sinceID string) ([]*roast.Mention, error)
	Post(ctx context.Context, id string) (*roast.Post, error)
	Reply(ctx context.Context, text, inReplyTo string) (string, error)
}

// Roaster interface for generating reply text.
type Roaster interface {
	Roast(ctx context.Context, postText string) (string, error)
}

// Checkpoint interface for watermark persistence.
type Checkpoint interface {
	LastMentionID(ctx context.Context) (string, error)
	SetLastMentionID(ctx context.Context, id string) error
}

// IsSystemic reports whether an error affects every mention, so the pass should stop.
type IsSystemic func(error) bool

// Outcome is what happened to a single mention.
type Outcome string

const (
	OutcomeReplied     Outcome = "replied"
	OutcomeNoReference Outcome = "no_reference"
	OutcomeNoPost      Outcome = "no_post"
	OutcomeOwnMention  Outcome = "own_mention"
	OutcomeFailed      Outcome = "failed"
)

// MentionResult records the processing of one mention.
type MentionResult struct {
	MentionID string  `json:"mention_id"`
	Outcome   Outcome `json:"outcome"`
	ReplyID   string  `json:"reply_id,omitempty"`
	Err       error   `json:"-"`
}

// PassResult summarizes one pass.
type PassResult struct {
	PassID    string          `json:"pass_id"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Mentions  int             `json:"mentions"`
	Results   []MentionResult `json:"results"`
	Watermark string          `json:"watermark"`
	Aborted   bool            `json:"aborted"`
}

// Count returns how many mentions ended with outcome o.
func (r *PassResult) Count(o Outcome) int {
	n := 0
	for i := range r.Results {
		if r.Results[i].Outcome == o {
			n++
		}
	}
	return n
}

// Poller handles mention polling logic.
type Poller struct {
	platform   Platform
	roaster    Roaster
	store      Checkpoint
	isSystemic IsSystemic
	logger     *slog.Logger

	running sync.Mutex // held for the whole pass

	mu        sync.RWMutex
	watermark string
	loaded    bool
}

// Config holds poller dependencies.
type Config struct {
	Platform   Platform
	Roaster    Roaster
	Store      Checkpoint
	IsSystemic IsSystemic
	Logger     *slog.Logger
}

// New creates a new poller.
func New(cfg *Config) *Poller {
	return &Poller{
		platform:   cfg.Platform,
		roaster:    cfg.Roaster,
		store:      cfg.Store,
		isSystemic: cfg.IsSystemic,
		logger:     cfg.Logger,
	}
}

// Watermark returns the id of the most recently processed mention, "" if unset.
func (p *Poller) Watermark() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.watermark
}

// RunPass performs one polling pass. Passes never overlap: a call made while
// another pass is running returns ErrPassInProgress immediately.
//
// Failures of individual mentions are recorded in the result and the batch
// continues. Systemic failures end the pass early and are returned as an error
// together with the partial result.
func (p *Poller) RunPass(ctx context.Context) (*PassResult, error) {
	if !p.running.TryLock() {
		return nil, ErrPassInProgress
	}
	defer p.running.Unlock()

	result := &PassResult{
		PassID:    uuid.NewString(),
		StartedAt: time.Now(),
	}
	logger := p.logger.With("pass_id", result.PassID)
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		result.Watermark = p.Watermark()
	}()

	if err := p.loadWatermark(ctx); err != nil {
		return result, fmt.Errorf("load watermark: %w", err)
	}

	me, err := p.platform.Me(ctx)
	if err != nil {
		return result, fmt.Errorf("resolve bot account: %w", err)
	}

	since := p.Watermark()
	mentions, err := p.platform.MentionsSince(ctx, me.ID, since)
	if err != nil {
		return result, fmt.Errorf("fetch mentions: %w", err)
	}
	result.Mentions = len(mentions)

	if len(mentions) == 0 {
		logger.Debug("No new mentions", "since_id", since)
		return result, nil
	}

	logger.Info("Processing mentions", "count", len(mentions), "since_id", since, "account", me.Username)

	for i, m := range mentions {
		if err := ctx.Err(); err != nil {
			result.Aborted = true
			logger.Warn("Context cancelled, stopping pass", "processed", i, "remaining", len(mentions)-i, "error", err)
			return result, err
		}

		// Advance before processing so a failed reply is never retried
		p.advance(ctx, logger, m.ID)

		mr := p.processMention(ctx, logger, me, m)
		result.Results = append(result.Results, mr)

		if mr.Err == nil {
			continue
		}
		if p.systemic(mr.Err) {
			result.Aborted = true
			logger.Error("Systemic error, aborting pass",
				"mention_id", m.ID,
				"remaining", len(mentions)-i-1,
				"error", mr.Err)
			return result, fmt.Errorf("mention %s: %w", m.ID, mr.Err)
		}
		logger.Warn("Mention failed, continuing with batch", "mention_id", m.ID, "error", mr.Err)
	}

	logger.Info("Poll pass completed",
		"mentions", result.Mentions,
		"replied", result.Count(OutcomeReplied),
		"skipped", result.Count(OutcomeNoReference)+result.Count(OutcomeNoPost)+result.Count(OutcomeOwnMention),
		"failed", result.Count(OutcomeFailed),
		"watermark", p.Watermark())

	return result, nil
}

func (p *Poller) processMention(ctx context.Context, logger *slog.Logger, me *roast.Account, m *roast.Mention) MentionResult {
	mr := MentionResult{MentionID: m.ID}

	if m.AuthorID != "" && m.AuthorID == me.ID {
		logger.Debug("Skipping own mention", "mention_id", m.ID)
		mr.Outcome = OutcomeOwnMention
		return mr
	}

	if !m.HasReference() {
		logger.Debug("Mention has no referenced post", "mention_id", m.ID)
		mr.Outcome = OutcomeNoReference
		return mr
	}

	post, err := p.platform.Post(ctx, m.ReferencedPostID)
	if err != nil {
		mr.Outcome = OutcomeFailed
		mr.Err = fmt.Errorf("fetch referenced post: %w", err)
		return mr
	}
	if post == nil || strings.TrimSpace(post.Text) == "" {
		logger.Debug("Referenced post has no data", "mention_id", m.ID, "post_id", m.ReferencedPostID)
		mr.Outcome = OutcomeNoPost
		return mr
	}

	text, err := p.roaster.Roast(ctx, post.Text)
	if err != nil {
		mr.Outcome = OutcomeFailed
		mr.Err = fmt.Errorf("generate roast: %w", err)
		return mr
	}

	replyID, err := p.platform.Reply(ctx, text, m.ID)
	if err != nil {
		mr.Outcome = OutcomeFailed
		mr.Err = fmt.Errorf("post reply: %w", err)
		return mr
	}

	logger.Info("Roast posted",
		"mention_id", m.ID,
		"post_id", post.ID,
		"reply_id", replyID,
		"length", len([]rune(text)))

	mr.Outcome = OutcomeReplied
	mr.ReplyID = replyID
	return mr
}

// advance moves the watermark forward to id if it is newer, and checkpoints it.
func (p *Poller) advance(ctx context.Context, logger *slog.Logger, id string) {
	p.mu.Lock()
	if !roast.IDGreater(id, p.watermark) {
		p.mu.Unlock()
		return
	}
	p.watermark = id
	p.mu.Unlock()

	if err := p.store.SetLastMentionID(ctx, id); err != nil {
		logger.Warn("Failed to checkpoint watermark", "mention_id", id, "error", err)
	}
}

func (p *Poller) loadWatermark(ctx context.Context) error {
	p.mu.RLock()
	loaded := p.loaded
	p.mu.RUnlock()
	if loaded {
		return nil
	}

	id, err := p.store.LastMentionID(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if roast.IDGreater(id, p.watermark) {
		p.watermark = id
	}
	p.loaded = true
	p.mu.Unlock()

	p.logger.Info("Watermark loaded", "last_mention_id", id)
	return nil
}

func (p *Poller) systemic(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return p.isSystemic != nil && p.isSystemic(err)
}
