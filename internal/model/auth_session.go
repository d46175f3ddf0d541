package model

import "time"

// SessionState is the handshake progress of an AuthSession.
type SessionState string

const (
	SessionPending              SessionState = "pending"
	SessionAwaitingSubscription SessionState = "awaiting_subscription"
	SessionAuthorized           SessionState = "authorized"
	SessionExpired              SessionState = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s SessionState) Terminal() bool {
	return s == SessionAuthorized || s == SessionExpired
}

// AuthSession tracks one website visitor through the bot login.
type AuthSession struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"uniqueIndex;size:64"`
	TelegramID  int64  `gorm:"index"`
	PhoneNumber string
	State       SessionState `gorm:"index;size:32"`
	UserID      *uint
	AppToken    string
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

// ExpiredAt reports whether the handshake window has passed at now.
func (s *AuthSession) ExpiredAt(now time.Time) bool {
	return s.State == SessionExpired || !now.Before(s.ExpiresAt)
}

// BoundTo reports whether the session is bound to the given Telegram user.
func (s *AuthSession) BoundTo(telegramID int64) bool {
	return s.TelegramID != 0 && s.TelegramID == telegramID
}
