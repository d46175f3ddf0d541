package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bishkek-meetup/internal/model"
)

const cbCheckSubscription = "check_sub:"

func contactKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButtonContact(btnShareContact),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

// subscribeKeyboard has one URL button per missing chat that has a link and a
// final "subscribed" button carrying the session id.
func subscribeKeyboard(sessionID string, missing []model.RequiredChat) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(missing)+1)
	for _, chat := range missing {
		if chat.InviteLink == "" {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("➕ "+chat.Title, chat.InviteLink),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(btnSubscribed, cbCheckSubscription+sessionID),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func backToSiteKeyboard(link string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(btnBackToSite, link),
		),
	)
}
