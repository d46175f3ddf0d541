package model

import "time"

// AuthToken is the single-use credential minted by the bot once the handshake succeeds.
type AuthToken struct {
	ID         uint      `gorm:"primaryKey"`
	Token      string    `gorm:"uniqueIndex;size:64"`
	SessionID  string    `gorm:"uniqueIndex;size:64"`
	UserID     uint      `gorm:"index"`
	ExpiresAt  time.Time `gorm:"index"`
	ConsumedAt *time.Time
	CreatedAt  time.Time
}
