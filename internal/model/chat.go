package model

import (
	"strconv"
	"strings"
)

// RequiredChat is a group or channel a user must belong to before login.
type RequiredChat struct {
	ID         string `yaml:"id"`
	Title      string `yaml:"title"`
	InviteLink string `yaml:"invite_link"`
}

// Normalize fills the title and link for public @username chats.
func (c RequiredChat) Normalize() RequiredChat {
	c.ID = strings.TrimSpace(c.ID)
	if strings.HasPrefix(c.ID, "@") {
		name := strings.TrimPrefix(c.ID, "@")
		if c.InviteLink == "" {
			c.InviteLink = "https://t.me/" + name
		}
		if c.Title == "" {
			c.Title = name
		}
	}
	if c.Title == "" {
		c.Title = c.ID
	}
	return c
}

// NumericID returns the chat id when it is numeric (e.g. -1001234567890).
func (c RequiredChat) NumericID() (int64, bool) {
	id, err := strconv.ParseInt(c.ID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
