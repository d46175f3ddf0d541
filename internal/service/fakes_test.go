package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memberKey struct {
	chat string
	user int64
}

// fakeChatMembers answers GetChatMember from a table; unknown pairs fail like
// Telegram does for users that never joined.
type fakeChatMembers struct {
	mu       sync.Mutex
	statuses map[memberKey]string
	calls    int
}

func newFakeChatMembers() *fakeChatMembers {
	return &fakeChatMembers{statuses: make(map[memberKey]string)}
}

func (f *fakeChatMembers) Set(chat string, user int64, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[memberKey{chat, user}] = status
}

func (f *fakeChatMembers) GetChatMember(cfg tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	chat := cfg.SuperGroupUsername
	if chat == "" {
		chat = formatChatID(cfg.ChatID)
	}
	status, ok := f.statuses[memberKey{chat, cfg.UserID}]
	if !ok {
		return tgbotapi.ChatMember{}, errors.New("Bad Request: user not found")
	}
	return tgbotapi.ChatMember{Status: status}, nil
}

type fakeAvatars struct {
	fileID string
	err    error
}

func (f fakeAvatars) AvatarFileID(context.Context, int64) (string, error) {
	return f.fileID, f.err
}

// rotatingAvatars lets a test change the profile photo between logins.
type rotatingAvatars struct {
	mu     sync.Mutex
	fileID string
	err    error
}

func (f *rotatingAvatars) Set(fileID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileID, f.err = fileID, err
}

func (f *rotatingAvatars) AvatarFileID(context.Context, int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileID, f.err
}
