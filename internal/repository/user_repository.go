package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"bishkek-meetup/internal/model"
)

// UserRepository handles CRUD for users.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// UpsertFromTelegram finds or creates a user based on TelegramID and updates profile info.
// Reputation, block status and role are never touched here. The lookup and the
// write share one transaction so concurrent logins of the same user cannot
// both take the create branch.
func (r *UserRepository) UpsertFromTelegram(ctx context.Context, telegramID int64, profile model.Profile) (*model.User, bool, error) {
	var (
		user    model.User
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("telegram_id = ?", telegramID).First(&user).Error
		switch {
		case err == nil:
			return updateProfile(tx, &user, profile)
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = model.User{
				TelegramID:   telegramID,
				FirstName:    profile.FirstName,
				LastName:     profile.LastName,
				Username:     profile.Username,
				PhoneNumber:  profile.PhoneNumber,
				AvatarFileID: profile.AvatarFileID,
				Role:         model.RoleMember,
			}
			if err := tx.Create(&user).Error; err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			created = true
			return nil
		default:
			return fmt.Errorf("find user: %w", err)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return &user, created, nil
}

func updateProfile(tx *gorm.DB, user *model.User, profile model.Profile) error {
	updates := map[string]interface{}{
		"first_name": profile.FirstName,
		"last_name":  profile.LastName,
		"username":   profile.Username,
	}
	if profile.PhoneNumber != "" {
		updates["phone_number"] = profile.PhoneNumber
	}
	if profile.AvatarFileID != "" {
		updates["avatar_file_id"] = profile.AvatarFileID
	}
	if err := tx.Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	user.FirstName, user.LastName, user.Username = profile.FirstName, profile.LastName, profile.Username
	if profile.PhoneNumber != "" {
		user.PhoneNumber = profile.PhoneNumber
	}
	if profile.AvatarFileID != "" {
		user.AvatarFileID = profile.AvatarFileID
	}
	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
