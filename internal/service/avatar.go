package service

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// AvatarFetcher looks up a user's current profile photo.
type AvatarFetcher interface {
	AvatarFileID(ctx context.Context, telegramID int64) (string, error)
}

// ProfilePhotoGetter is satisfied by *tgbotapi.BotAPI.
type ProfilePhotoGetter interface {
	GetUserProfilePhotos(config tgbotapi.UserProfilePhotosConfig) (tgbotapi.UserProfilePhotos, error)
}

var errNoAvatar = errors.New("user has no profile photo")

// TelegramAvatars resolves the file id of the largest size of the newest photo.
type TelegramAvatars struct {
	api ProfilePhotoGetter
}

func NewTelegramAvatars(api ProfilePhotoGetter) *TelegramAvatars {
	return &TelegramAvatars{api: api}
}

func (a *TelegramAvatars) AvatarFileID(_ context.Context, telegramID int64) (string, error) {
	photos, err := a.api.GetUserProfilePhotos(tgbotapi.UserProfilePhotosConfig{UserID: telegramID, Limit: 1})
	if err != nil {
		return "", err
	}
	if photos.TotalCount == 0 || len(photos.Photos) == 0 || len(photos.Photos[0]) == 0 {
		return "", errNoAvatar
	}
	sizes := photos.Photos[0]
	return sizes[len(sizes)-1].FileID, nil
}
