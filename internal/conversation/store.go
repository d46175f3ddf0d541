// Package conversation keeps the bot's per-user position in the login flow.
// The state is a cache: losing it only sends the user back to /start, the
// AuthSession row stays the record of truth.
package conversation

import (
	"context"
	"slices"
	"time"
)

// Stage is where a Telegram user is in the login dialog.
type Stage string

const (
	StageAwaitingContact      Stage = "awaiting_contact"
	StageAwaitingSubscription Stage = "awaiting_subscription"
)

// State links a Telegram user to the AuthSession they are completing.
type State struct {
	SessionID string    `json:"session_id"`
	Stage     Stage     `json:"stage"`
	ChatID    int64     `json:"chat_id"`
	PromptID  int       `json:"prompt_id,omitempty"`
	Missing   []string  `json:"missing,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// SameMissing reports whether the last shown list of missing chats equals ids.
func (s State) SameMissing(ids []string) bool {
	return slices.Equal(s.Missing, ids)
}

// Store persists conversation states keyed by Telegram user id.
type Store interface {
	// Get returns false when there is no live state for the user.
	Get(ctx context.Context, telegramID int64) (State, bool, error)
	Put(ctx context.Context, telegramID int64, state State) error
	Delete(ctx context.Context, telegramID int64) error
	// Sweep drops states older than the store's TTL and reports how many.
	Sweep(ctx context.Context) (int, error)
}

type expiry struct {
	ttl time.Duration
	now func() time.Time
}

func newExpiry(ttl time.Duration, now func() time.Time) expiry {
	if now == nil {
		now = time.Now
	}
	return expiry{ttl: ttl, now: now}
}

func (e expiry) expired(state State) bool {
	return !e.now().Before(state.StartedAt.Add(e.ttl))
}
