// Package domain contains core domain types for the HelpMe Slack bot.
package domain

import (
	"time"
)

// LinkState correlates one linking attempt with the Slack identity that started it.
// It is consumed at most once.
type LinkState struct {
	StateID     string    `json:"state_id"`
	TeamID      string    `json:"team_id"`
	UserID      string    `json:"user_id"`
	ChannelID   string    `json:"channel_id,omitempty"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the state can no longer be consumed at now.
func (s *LinkState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// UserLink binds a Slack identity to a HelpMe identity and chat token.
type UserLink struct {
	TeamID         string
	UserID         string
	BackendUserID  int64
	BackendEmail   string
	BackendName    string
	OrganizationID *int64
	ChatToken      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasToken returns true if the link carries a usable chat token.
func (l *UserLink) HasToken() bool {
	return l != nil && l.ChatToken != ""
}

// DisplayName returns the HelpMe name, falling back to the email.
func (l *UserLink) DisplayName() string {
	if l.BackendName != "" {
		return l.BackendName
	}
	if l.BackendEmail != "" {
		return l.BackendEmail
	}
	return "unknown"
}
