// Package roast contains the core domain types for the roast reply bot.
package roast

import "strings"

// Account is the bot's own platform account.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Mention is a platform post that references the bot's account.
type Mention struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	AuthorID         string `json:"author_id"`
	ReferencedPostID string `json:"referenced_post_id"` // First referenced post, empty if none
}

// HasReference reports whether the mention points at another post.
func (m *Mention) HasReference() bool {
	return m.ReferencedPostID != ""
}

// Post is an original post whose text gets roasted.
type Post struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	AuthorID string `json:"author_id"`
}

// IDGreater reports whether platform id a sorts after b.
// Ids are decimal snowflakes, so a longer digit string is always larger.
// An empty b (unset watermark) is smaller than any non-empty a.
func IDGreater(a, b string) bool {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}
