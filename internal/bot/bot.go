package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"bishkek-meetup/internal/conversation"
	"bishkek-meetup/internal/logger"
	"bishkek-meetup/internal/model"
	"bishkek-meetup/internal/service"
)

// Messenger is the part of the Telegram API the handler talks to.
// *tgbotapi.BotAPI satisfies it.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// UpdateSource delivers updates via long polling.
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handshake is the set of login transitions the bot drives.
type Handshake interface {
	BindTelegramUser(ctx context.Context, sessionID string, telegramID int64) error
	AttachContact(ctx context.Context, sessionID string, telegramID int64, phone string) error
	Complete(ctx context.Context, sessionID string, identity service.Identity) (*service.Outcome, error)
}

// Bot walks Telegram users through the website login.
type Bot struct {
	api           Messenger
	handshake     Handshake
	conversations conversation.Store
	siteURL       string
	now           func() time.Time
	logger        zerolog.Logger
}

// Options configures a Bot.
type Options struct {
	SiteURL string
	Now     func() time.Time
}

func New(api Messenger, handshake Handshake, conversations conversation.Store, opts Options) *Bot {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Bot{
		api:           api,
		handshake:     handshake,
		conversations: conversations,
		siteURL:       strings.TrimRight(opts.SiteURL, "/"),
		now:           now,
		logger:        logger.Component("bot"),
	}
}

// NewAPI authorizes the bot token against Telegram.
func NewAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log := logger.Component("bot")
	log.Info().Str("account", api.Self.UserName).Msg("bot authorized")
	return api, nil
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context, src UpdateSource) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := src.GetUpdatesChan(updateConfig)

	b.logger.Info().Msg("start polling updates")

	go func() {
		<-ctx.Done()
		src.StopReceivingUpdates()
	}()

	for update := range updates {
		b.HandleUpdate(ctx, update)
	}
	return nil
}

// HandleUpdate dispatches one update. Only private chats are served.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
			b.logger.Error().Err(err).Msg("handle callback")
		}
	case update.Message != nil:
		if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
			return
		}
		if err := b.handleMessage(ctx, update.Message); err != nil {
			b.logger.Error().Err(err).Msg("handle message")
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	switch {
	case msg.IsCommand():
		b.logger.Info().Int64("telegram_id", msg.From.ID).Str("command", msg.Command()).Msg("command")
		return b.handleCommand(ctx, msg)
	case msg.Contact != nil:
		return b.handleContact(ctx, msg)
	default:
		return b.sendText(msg.Chat.ID, textUnknownInput)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.sendText(msg.Chat.ID, textHelp)
	default:
		return b.sendText(msg.Chat.ID, textUnknownCommand)
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	payload := strings.TrimSpace(msg.CommandArguments())
	sessionID := strings.TrimPrefix(payload, service.StartPrefix)
	if !strings.HasPrefix(payload, service.StartPrefix) || sessionID == "" {
		return b.sendText(msg.Chat.ID, welcomeText(msg.From.FirstName))
	}

	log := b.logger.With().Str("session_id", sessionID).Int64("telegram_id", msg.From.ID).Logger()
	if err := b.handshake.BindTelegramUser(ctx, sessionID, msg.From.ID); err != nil {
		log.Info().Err(err).Msg("bind session refused")
		return b.replyError(ctx, msg.Chat.ID, msg.From.ID, sessionID, err)
	}

	state := conversation.State{
		SessionID: sessionID,
		Stage:     conversation.StageAwaitingContact,
		ChatID:    msg.Chat.ID,
		StartedAt: b.now(),
	}
	if err := b.conversations.Put(ctx, msg.From.ID, state); err != nil {
		log.Error().Err(err).Msg("store conversation")
		return b.sendText(msg.Chat.ID, textInternalError)
	}

	log.Info().Msg("session bound")
	return b.sendWithReplyMarkup(msg.Chat.ID, textAskContact, contactKeyboard())
}

func (b *Bot) handleContact(ctx context.Context, msg *tgbotapi.Message) error {
	state, ok, err := b.conversations.Get(ctx, msg.From.ID)
	if err != nil {
		b.logger.Error().Err(err).Int64("telegram_id", msg.From.ID).Msg("load conversation")
		return b.sendText(msg.Chat.ID, textInternalError)
	}
	if !ok || state.Stage != conversation.StageAwaitingContact {
		return b.sendWithReplyMarkup(msg.Chat.ID, textNoActiveSession, tgbotapi.NewRemoveKeyboard(true))
	}
	if msg.Contact.UserID != msg.From.ID {
		return b.sendWithReplyMarkup(msg.Chat.ID, textForeignContact, contactKeyboard())
	}

	if err := b.handshake.AttachContact(ctx, state.SessionID, msg.From.ID, msg.Contact.PhoneNumber); err != nil {
		return b.replyError(ctx, msg.Chat.ID, msg.From.ID, state.SessionID, err)
	}
	if err := b.sendWithReplyMarkup(msg.Chat.ID, textContactSaved, tgbotapi.NewRemoveKeyboard(true)); err != nil {
		return err
	}

	return b.advance(ctx, msg.From, state, nil)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil {
		return nil
	}
	if cb.Message == nil || cb.Message.Chat == nil {
		return b.ack(cb, "", false)
	}
	if !strings.HasPrefix(cb.Data, cbCheckSubscription) {
		return b.ack(cb, "", false)
	}

	sessionID := strings.TrimPrefix(cb.Data, cbCheckSubscription)
	b.logger.Info().Int64("telegram_id", cb.From.ID).Str("session_id", sessionID).Msg("subscription re-check")

	state, ok, err := b.conversations.Get(ctx, cb.From.ID)
	if err != nil {
		b.logger.Error().Err(err).Int64("telegram_id", cb.From.ID).Msg("load conversation")
		if ackErr := b.ack(cb, "", false); ackErr != nil {
			b.logger.Warn().Err(ackErr).Msg("callback ack")
		}
		return b.sendText(cb.Message.Chat.ID, textInternalError)
	}
	if !ok || state.SessionID != sessionID {
		// The conversation cache may be gone; the session row still decides.
		state = conversation.State{
			SessionID: sessionID,
			Stage:     conversation.StageAwaitingSubscription,
			ChatID:    cb.Message.Chat.ID,
			StartedAt: b.now(),
		}
	}
	state.PromptID = cb.Message.MessageID

	return b.advance(ctx, cb.From, state, cb)
}

// advance runs the membership gate and moves the conversation on. cb is set
// when the attempt came from the "subscribed" button and is answered exactly once.
func (b *Bot) advance(ctx context.Context, from *tgbotapi.User, state conversation.State, cb *tgbotapi.CallbackQuery) error {
	log := b.logger.With().Str("session_id", state.SessionID).Int64("telegram_id", from.ID).Logger()

	outcome, err := b.handshake.Complete(ctx, state.SessionID, service.Identity{
		TelegramID: from.ID,
		FirstName:  from.FirstName,
		LastName:   from.LastName,
		Username:   from.UserName,
	})
	if err != nil {
		log.Info().Err(err).Msg("completion refused")
		if ackErr := b.ack(cb, "", false); ackErr != nil {
			log.Warn().Err(ackErr).Msg("callback ack")
		}
		return b.replyError(ctx, state.ChatID, from.ID, state.SessionID, err)
	}

	if outcome.Authorized {
		if err := b.ack(cb, "", false); err != nil {
			log.Warn().Err(err).Msg("callback ack")
		}
		b.release(ctx, from.ID, state.SessionID)
		return b.sendSuccess(state.ChatID, b.returnLink(state.SessionID, outcome.Token.Token))
	}

	ids := chatIDs(outcome.Missing)
	if cb != nil && state.Stage == conversation.StageAwaitingSubscription && state.SameMissing(ids) {
		return b.ack(cb, textStillMissing, true)
	}

	text := missingText(outcome.Missing)
	markup := subscribeKeyboard(state.SessionID, outcome.Missing)
	if cb != nil && state.PromptID != 0 {
		if err := b.ack(cb, "", false); err != nil {
			log.Warn().Err(err).Msg("callback ack")
		}
		edit := tgbotapi.NewEditMessageTextAndMarkup(state.ChatID, state.PromptID, text, markup)
		edit.ParseMode = tgbotapi.ModeHTML
		if _, err := b.api.Send(edit); err != nil {
			return err
		}
	} else {
		sent, err := b.sendInline(state.ChatID, text, markup)
		if err != nil {
			return err
		}
		state.PromptID = sent.MessageID
	}

	state.Stage = conversation.StageAwaitingSubscription
	state.Missing = ids
	if err := b.conversations.Put(ctx, from.ID, state); err != nil {
		log.Warn().Err(err).Msg("store conversation")
	}
	log.Info().Strs("missing", ids).Msg("awaiting subscription")
	return nil
}

// replyError maps a handshake error to a chat reply. Errors that end the
// flow also drop the conversation; anything unexpected keeps it for a retry.
func (b *Bot) replyError(ctx context.Context, chatID, telegramID int64, sessionID string, err error) error {
	var (
		text     string
		markup   interface{} = tgbotapi.NewRemoveKeyboard(true)
		finished             = true
	)
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrBindingMismatch),
		errors.Is(err, service.ErrSessionNotPending):
		text = textSessionNotFound
	case errors.Is(err, service.ErrSessionExpired):
		text = textSessionExpired
	case errors.Is(err, service.ErrAlreadyAuthorized):
		text = textAlreadyAuthed
	case errors.Is(err, service.ErrUserBlocked):
		text = textUserBlocked
	case errors.Is(err, service.ErrContactRequired):
		text, markup, finished = textContactRequired, contactKeyboard(), false
		state := conversation.State{
			SessionID: sessionID,
			Stage:     conversation.StageAwaitingContact,
			ChatID:    chatID,
			StartedAt: b.now(),
		}
		if putErr := b.conversations.Put(ctx, telegramID, state); putErr != nil {
			b.logger.Warn().Err(putErr).Msg("store conversation")
		}
	default:
		b.logger.Error().Err(err).Int64("telegram_id", telegramID).Str("session_id", sessionID).Msg("handshake step failed")
		text, markup, finished = textInternalError, nil, false
	}

	if finished {
		b.release(ctx, telegramID, sessionID)
	}
	if markup == nil {
		return b.sendText(chatID, text)
	}
	return b.sendWithReplyMarkup(chatID, text, markup)
}

// release drops the user's conversation if it belongs to sessionID.
func (b *Bot) release(ctx context.Context, telegramID int64, sessionID string) {
	state, ok, err := b.conversations.Get(ctx, telegramID)
	if err == nil && (!ok || state.SessionID != sessionID) {
		return
	}
	if err := b.conversations.Delete(ctx, telegramID); err != nil {
		b.logger.Warn().Err(err).Int64("telegram_id", telegramID).Msg("release conversation")
	}
}

func (b *Bot) returnLink(sessionID, token string) string {
	query := url.Values{}
	query.Set("sessionId", sessionID)
	query.Set("token", token)
	return b.siteURL + "/auth/telegram?" + query.Encode()
}

func (b *Bot) sendSuccess(chatID int64, link string) error {
	msg := tgbotapi.NewMessage(chatID, successText(link))
	msg.ParseMode = tgbotapi.ModeHTML
	// Telegram refuses URL buttons that point at plain http hosts.
	if strings.HasPrefix(link, "https://") {
		msg.ReplyMarkup = backToSiteKeyboard(link)
	}
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) ack(cb *tgbotapi.CallbackQuery, text string, alert bool) error {
	if cb == nil {
		return nil
	}
	answer := tgbotapi.NewCallback(cb.ID, text)
	if alert {
		answer = tgbotapi.NewCallbackWithAlert(cb.ID, text)
	}
	_, err := b.api.Request(answer)
	return err
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendInline(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	return b.api.Send(msg)
}

func chatIDs(chats []model.RequiredChat) []string {
	ids := make([]string, 0, len(chats))
	for _, chat := range chats {
		ids = append(ids, chat.ID)
	}
	return ids
}
