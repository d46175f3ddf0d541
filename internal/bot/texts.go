package bot

import (
	"fmt"
	"html"
	"strings"

	"bishkek-meetup/internal/model"
)

const (
	btnShareContact = "📱 Поделиться контактом"
	btnSubscribed   = "✅ Я подписался"
	btnBackToSite   = "🌐 Вернуться на сайт"
)

const (
	textHelp = "ℹ️ <b>Как войти на сайт</b>\n" +
		"1. Нажми «Войти через Telegram» на сайте.\n" +
		"2. Открой бота по ссылке и поделись контактом.\n" +
		"3. Подпишись на чаты сообщества, если ещё не подписан.\n" +
		"4. Вернись на сайт по ссылке из бота.\n\n" +
		"Ссылка действует 5 минут. Если время вышло, начни заново на сайте."
	textAskContact = "🔐 Подтверди вход на сайт Bishkek Meetups.\n" +
		"Нажми кнопку ниже, чтобы поделиться контактом."
	textContactSaved    = "Спасибо! Проверяю подписки…"
	textNoActiveSession = "Нет активной сессии входа. Начни вход на сайте и открой бота по ссылке оттуда."
	textSessionNotFound = "Сессия не найдена. Начни вход заново на сайте."
	textSessionExpired  = "⌛ Время на вход истекло. Начни заново на сайте."
	textAlreadyAuthed   = "✅ Ты уже авторизован. Вернись на сайт."
	textContactRequired = "Сначала поделись контактом кнопкой ниже."
	textForeignContact  = "Это чужой контакт. Поделись своим контактом кнопкой ниже."
	textUserBlocked     = "⛔ Доступ к сайту для этого аккаунта закрыт."
	textStillMissing    = "Подписки пока не видно. Подпишись на все чаты и нажми кнопку ещё раз."
	textUnknownInput    = "Я помогаю войти на сайт. Начни вход на сайте или набери /help."
	textUnknownCommand  = "Команда не поддерживается. Загляни в /help."
	textInternalError   = "😔 Что-то пошло не так. Попробуй ещё раз чуть позже."
)

func welcomeText(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "друг"
	}
	return fmt.Sprintf(
		"👋 Привет, %s!\n<b>Я бот сообщества Bishkek Meetups.</b>\n\n"+
			"Через меня можно войти на сайт: нажми «Войти через Telegram» на сайте и открой ссылку.\n"+
			"Подсказки: /help",
		escape(name),
	)
}

func missingText(missing []model.RequiredChat) string {
	var b strings.Builder
	b.WriteString("📢 Чтобы войти, подпишись на чаты сообщества:\n")
	for _, chat := range missing {
		b.WriteString(fmt.Sprintf("• %s\n", escape(chat.Title)))
	}
	b.WriteString("\nПосле подписки нажми «Я подписался».")
	return b.String()
}

func successText(link string) string {
	return fmt.Sprintf(
		"🎉 <b>Готово!</b> Вход подтверждён.\n<a href=\"%s\">Вернись на сайт</a>, чтобы продолжить.",
		escape(link),
	)
}

func escape(s string) string {
	return html.EscapeString(s)
}
