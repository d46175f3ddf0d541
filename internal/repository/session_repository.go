package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bishkek-meetup/internal/model"
)

var openStates = []model.SessionState{model.SessionPending, model.SessionAwaitingSubscription}

// SessionRepository stores AuthSession rows. Every state change is a
// conditional UPDATE so concurrent writers cannot move a session backwards.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *model.AuthSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get returns gorm.ErrRecordNotFound for unknown ids.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*model.AuthSession, error) {
	var session model.AuthSession
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// Bind attaches a Telegram user to a pending session. The first user wins;
// the same user may bind again.
func (r *SessionRepository) Bind(ctx context.Context, sessionID string, telegramID int64, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.AuthSession{}).
		Where("session_id = ? AND state = ? AND expires_at > ? AND (telegram_id = 0 OR telegram_id = ?)",
			sessionID, model.SessionPending, now, telegramID).
		Update("telegram_id", telegramID)
	if res.Error != nil {
		return false, fmt.Errorf("bind session: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetPhone stores the shared contact on an open session owned by telegramID.
func (r *SessionRepository) SetPhone(ctx context.Context, sessionID string, telegramID int64, phone string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.AuthSession{}).
		Where("session_id = ? AND telegram_id = ? AND state IN ? AND expires_at > ?",
			sessionID, telegramID, openStates, now).
		Update("phone_number", phone)
	if res.Error != nil {
		return false, fmt.Errorf("set session phone: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkAwaitingSubscription moves a pending session to awaiting_subscription.
// A session already awaiting counts as success.
func (r *SessionRepository) MarkAwaitingSubscription(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.AuthSession{}).
		Where("session_id = ? AND state IN ? AND expires_at > ?", sessionID, openStates, now).
		Update("state", model.SessionAwaitingSubscription)
	if res.Error != nil {
		return false, fmt.Errorf("mark awaiting subscription: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkExpired moves a non-terminal session to expired.
func (r *SessionRepository) MarkExpired(ctx context.Context, sessionID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.AuthSession{}).
		Where("session_id = ? AND state IN ?", sessionID, openStates).
		Update("state", model.SessionExpired)
	if res.Error != nil {
		return false, fmt.Errorf("mark session expired: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkAuthorized moves an open session owned by telegramID to authorized and
// issues its AuthToken in the same transaction. ErrStateConflict means the
// session was no longer open; ErrTokenAlreadyIssued means another writer won.
func (r *SessionRepository) MarkAuthorized(ctx context.Context, sessionID string, telegramID int64, token *model.AuthToken, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.AuthSession{}).
			Where("session_id = ? AND telegram_id = ? AND state IN ? AND expires_at > ?",
				sessionID, telegramID, openStates, now).
			Updates(map[string]interface{}{
				"state":   model.SessionAuthorized,
				"user_id": token.UserID,
			})
		if res.Error != nil {
			return fmt.Errorf("mark session authorized: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStateConflict
		}
		token.SessionID = sessionID
		return issueToken(tx, token)
	})
}

// Claim stores the application token on an authorized session unless one is
// already stored. Only one caller can get true for a given session.
func (r *SessionRepository) Claim(ctx context.Context, sessionID, appToken string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.AuthSession{}).
		Where("session_id = ? AND state = ? AND (app_token = '' OR app_token IS NULL)", sessionID, model.SessionAuthorized).
		Updates(map[string]interface{}{
			"app_token":  appToken,
			"claimed_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim session: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&model.AuthSession{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes every session whose window closed before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&model.AuthSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
