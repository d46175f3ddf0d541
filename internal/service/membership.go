package service

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bishkek-meetup/internal/logger"
	"bishkek-meetup/internal/model"
)

// ChatMemberGetter is the part of the Telegram API the verifier needs.
// *tgbotapi.BotAPI satisfies it.
type ChatMemberGetter interface {
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

// MembershipVerifier asks Telegram whether a user belongs to the required chats.
type MembershipVerifier struct {
	api    ChatMemberGetter
	chats  []model.RequiredChat
	logger zerolog.Logger
}

func NewMembershipVerifier(api ChatMemberGetter, chats []model.RequiredChat) *MembershipVerifier {
	return &MembershipVerifier{
		api:    api,
		chats:  chats,
		logger: logger.Component("membership"),
	}
}

// RequiredChats returns the configured chats.
func (v *MembershipVerifier) RequiredChats() []model.RequiredChat {
	return v.chats
}

// IsMember reports whether telegramID is a member, administrator or owner of chat.
// Lookup failures count as "not a member".
func (v *MembershipVerifier) IsMember(ctx context.Context, telegramID int64, chat model.RequiredChat) bool {
	if ctx.Err() != nil {
		return false
	}
	cfg := tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{UserID: telegramID},
	}
	if id, ok := chat.NumericID(); ok {
		cfg.ChatID = id
	} else {
		cfg.SuperGroupUsername = chat.ID
	}

	member, err := v.api.GetChatMember(cfg)
	if err != nil {
		v.logger.Warn().Err(err).Int64("telegram_id", telegramID).Str("chat", chat.ID).Msg("chat member lookup failed")
		return false
	}
	return memberLike(member.Status)
}

// Missing checks every required chat concurrently and returns the ones the
// user has not joined, in configuration order.
func (v *MembershipVerifier) Missing(ctx context.Context, telegramID int64) ([]model.RequiredChat, error) {
	results := make([]bool, len(v.chats))
	g, gctx := errgroup.WithContext(ctx)
	for i, chat := range v.chats {
		i, chat := i, chat
		g.Go(func() error {
			results[i] = v.IsMember(gctx, telegramID, chat)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var missing []model.RequiredChat
	for i, ok := range results {
		if !ok {
			missing = append(missing, v.chats[i])
		}
	}
	return missing, nil
}

func memberLike(status string) bool {
	switch status {
	case "creator", "administrator", "member":
		return true
	default:
		return false
	}
}
