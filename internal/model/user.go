package model

import "time"

// Role values for User.Role.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// User stores Telegram user metadata and community standing.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TelegramID   int64     `gorm:"uniqueIndex" json:"telegramId"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Username     string    `json:"username"`
	PhoneNumber  string    `json:"-"`
	AvatarFileID string    `json:"avatarFileId,omitempty"`
	Reputation   int       `gorm:"default:0" json:"reputation"`
	IsBlocked    bool      `gorm:"default:false" json:"isBlocked"`
	Role         string    `gorm:"default:member" json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Profile holds the mutable fields refreshed from Telegram on every login.
type Profile struct {
	FirstName    string
	LastName     string
	Username     string
	PhoneNumber  string
	AvatarFileID string
}
