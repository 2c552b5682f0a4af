// Package generate produces roast replies via pluggable text-generation providers.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	placeholder = "{tweet_text}"
	ellipsis    = "…"
)

var (
	// ErrEmptyRoast is returned when the provider produced no usable text.
	ErrEmptyRoast = errors.New("generated roast is empty")
	// ErrRoastTooLong is returned under the reject policy when the text exceeds the limit.
	ErrRoastTooLong = errors.New("generated roast exceeds reply limit")
)

// Provider defines the interface for text-generation implementations.
type Provider interface {
	// Generate returns the model's text for prompt.
	Generate(ctx context.Context, prompt string) (string, error)
	// Name identifies the provider and model in logs.
	Name() string
}

// Roaster turns original post text into a reply using a provider.
type Roaster struct {
	provider Provider
	template string
	maxChars int
	truncate bool // Oversized output is cut to maxChars instead of rejected
	logger   *slog.Logger
}

// Options configure a Roaster.
type Options struct {
	Template string
	MaxChars int
	Truncate bool
}

// NewRoaster creates a roaster with the given provider.
func NewRoaster(provider Provider, opts Options, logger *slog.Logger) *Roaster {
	return &Roaster{
		provider: provider,
		template: opts.Template,
		maxChars: opts.MaxChars,
		truncate: opts.Truncate,
		logger:   logger,
	}
}

// Prompt substitutes postText into the template once.
func (r *Roaster) Prompt(postText string) string {
	return strings.Replace(r.template, placeholder, postText, 1)
}

// Roast generates a reply for postText that fits the reply limit.
func (r *Roaster) Roast(ctx context.Context, postText string) (string, error) {
	text, err := r.provider.Generate(ctx, r.Prompt(postText))
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", r.provider.Name(), err)
	}

	text = clean(text)
	if text == "" {
		return "", ErrEmptyRoast
	}

	if n := utf8.RuneCountInString(text); r.maxChars > 0 && n > r.maxChars {
		if !r.truncate {
			return "", fmt.Errorf("%w: %d > %d characters", ErrRoastTooLong, n, r.maxChars)
		}
		r.logger.Warn("Generated roast over limit, truncating",
			"provider", r.provider.Name(),
			"length", n,
			"limit", r.maxChars)
		text = truncate(text, r.maxChars)
	}

	return text, nil
}

// clean trims whitespace and a single pair of wrapping quotes models like to add.
func clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

// truncate cuts s to at most limit runes, preferring a word boundary, and appends an ellipsis.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 1 {
		return string(runes[:limit])
	}

	cut := runes[:limit-1]
	if i := lastSpace(cut); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace) + ellipsis
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
