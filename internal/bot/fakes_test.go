package bot_test

import (
	"errors"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// fakeTelegram records outgoing calls and answers chat member lookups.
type fakeTelegram struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	members  map[memberKey]string
	nextID   int
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{members: make(map[memberKey]string), nextID: 100}
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeTelegram) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeTelegram) GetChatMember(cfg tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.members[memberKey{cfg.SuperGroupUsername, cfg.UserID}]
	if !ok {
		return tgbotapi.ChatMember{}, errors.New("Bad Request: user not found")
	}
	return tgbotapi.ChatMember{Status: status}, nil
}

func (f *fakeTelegram) Join(chat string, user int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[memberKey{chat, user}] = "member"
}

func (f *fakeTelegram) Sent() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

func (f *fakeTelegram) Requests() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.requests...)
}

// LastMessage returns the most recent plain message sent.
func (f *fakeTelegram) LastMessage() (tgbotapi.MessageConfig, bool) {
	sent := f.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if msg, ok := sent[i].(tgbotapi.MessageConfig); ok {
			return msg, true
		}
	}
	return tgbotapi.MessageConfig{}, false
}
