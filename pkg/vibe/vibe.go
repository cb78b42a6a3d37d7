// Package vibe contains the core domain types for the nightlife ingestion service.
package vibe

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a social media source.
type Platform string

// Supported platforms.
const (
	Twitter   Platform = "twitter"
	Instagram Platform = "instagram"
	TikTok    Platform = "tiktok"
)

// Platforms lists every supported platform in trigger order.
var Platforms = []Platform{Twitter, Instagram, TikTok}

// ParsePlatform converts a raw name into a Platform.
func ParsePlatform(name string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", name)
}

// CandidatePost is a normalized, not yet filtered post produced by an adapter.
type CandidatePost struct {
	CreatedAt  time.Time // When the original content was posted
	ExternalID string    // Platform-scoped id, stable across scrapes of the same item
	Username   string
	Text       string
	MediaURL   string // Empty when the post has no media
	Location   string
	Likes      int
}

// Normalize trims text fields, clamps negative likes and fills a missing username.
func (c *CandidatePost) Normalize() {
	c.ExternalID = strings.TrimSpace(c.ExternalID)
	c.Username = strings.TrimPrefix(strings.TrimSpace(c.Username), "@")
	c.Text = strings.TrimSpace(c.Text)
	c.MediaURL = strings.TrimSpace(c.MediaURL)
	if c.Username == "" {
		c.Username = "unknown_user"
	}
	if c.Likes < 0 {
		c.Likes = 0
	}
}

// StoredPost is a persisted, append-only post record.
type StoredPost struct {
	Timestamp  time.Time `json:"timestamp"`  // Original creation time of the content
	CreatedAt  time.Time `json:"created_at"` // Ingestion time, drives retention
	ID         string    `json:"id"`
	Platform   Platform  `json:"platform"`
	ExternalID string    `json:"external_id"`
	Username   string    `json:"username"`
	Caption    string    `json:"caption"`
	MediaURL   string    `json:"media_url,omitempty"`
	Location   string    `json:"location"`
	PostURL    string    `json:"post_url"`
	Keywords   []string  `json:"keywords"`
	Likes      int       `json:"likes"`
	VibeScore  int       `json:"vibe_score"`
}

// Key returns the dedup key of the post.
func (p *StoredPost) Key() string {
	return DedupKey(p.Platform, p.ExternalID)
}

// DedupKey joins a platform and external id into a single comparable key.
func DedupKey(platform Platform, externalID string) string {
	return string(platform) + "\x00" + externalID
}

// PostURL builds the public link for a post on its platform.
func PostURL(platform Platform, username, externalID string) string {
	switch platform {
	case Twitter:
		return fmt.Sprintf("https://twitter.com/%s/status/%s", username, externalID)
	case Instagram:
		return "https://instagram.com/p/" + externalID
	case TikTok:
		return fmt.Sprintf("https://tiktok.com/@%s/video/%s", username, externalID)
	default:
		return ""
	}
}

// Query filters the display read of stored posts.
type Query struct {
	Location string   // Case-insensitive substring; empty matches all
	Platform Platform // Exact match; empty matches all
	Limit    int
}
