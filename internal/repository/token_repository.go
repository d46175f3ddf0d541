package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bishkek-meetup/internal/model"
)

// TokenRepository stores single-use AuthTokens.
type TokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Issue stores a token; a session can hold only one.
func (r *TokenRepository) Issue(ctx context.Context, token *model.AuthToken) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return issueToken(tx, token)
	})
}

func issueToken(tx *gorm.DB, token *model.AuthToken) error {
	var existing int64
	if err := tx.Model(&model.AuthToken{}).Where("session_id = ?", token.SessionID).Count(&existing).Error; err != nil {
		return fmt.Errorf("count session tokens: %w", err)
	}
	if existing > 0 {
		return ErrTokenAlreadyIssued
	}
	if err := tx.Create(token).Error; err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// FindByToken returns ErrTokenNotFound for unknown values.
func (r *TokenRepository) FindByToken(ctx context.Context, value string) (*model.AuthToken, error) {
	var token model.AuthToken
	err := r.db.WithContext(ctx).Where("token = ?", value).First(&token).Error
	switch {
	case err == nil:
		return &token, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrTokenNotFound
	default:
		return nil, fmt.Errorf("find token: %w", err)
	}
}

// FindBySession returns ErrTokenNotFound when the session has no token.
func (r *TokenRepository) FindBySession(ctx context.Context, sessionID string) (*model.AuthToken, error) {
	var token model.AuthToken
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&token).Error
	switch {
	case err == nil:
		return &token, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrTokenNotFound
	default:
		return nil, fmt.Errorf("find session token: %w", err)
	}
}

// ConsumeBySession marks the session's token used if it is still fresh.
func (r *TokenRepository) ConsumeBySession(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.AuthToken{}).
		Where("session_id = ? AND consumed_at IS NULL", sessionID).
		Update("consumed_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("consume session token: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteExpired removes tokens whose exchange window closed before now.
func (r *TokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&model.AuthToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
