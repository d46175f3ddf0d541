package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"bishkek-meetup/internal/logger"
	"bishkek-meetup/internal/model"
	"bishkek-meetup/internal/repository"
)

// StartPrefix marks a /start payload that carries a login session id.
const StartPrefix = "auth_"

// Status is the outcome reported to the browser.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAuthorized        Status = "authorized"
	StatusAlreadyAuthorized Status = "already_authorized"
	StatusExpired           Status = "expired"
	StatusNotFound          Status = "not_found"
	StatusInvalid           Status = "invalid"
)

// Result is what the exchange endpoints return.
type Result struct {
	Status Status
	Token  string
	User   *model.User
}

// NewSession is returned when the website starts a login.
type NewSession struct {
	SessionID string
	BotLink   string
	ExpiresAt time.Time
}

// Identity is the Telegram user talking to the bot.
type Identity struct {
	TelegramID int64
	FirstName  string
	LastName   string
	Username   string
}

// Outcome is the result of a membership-gated completion attempt.
type Outcome struct {
	Authorized bool
	Missing    []model.RequiredChat
	Token      *model.AuthToken
	User       *model.User
}

// HandshakeConfig holds the handshake timings and links.
type HandshakeConfig struct {
	BotUsername string
	Timeout     time.Duration
	TokenTTL    time.Duration
	// Retention keeps closed sessions readable so late polls still see
	// "expired". Zero means Timeout.
	Retention time.Duration
	Now       func() time.Time
}

// HandshakeDeps wires the collaborators. AppTokens is needed by the web side,
// Verifier and Avatars by the bot side.
type HandshakeDeps struct {
	Sessions  *repository.SessionRepository
	Tokens    *repository.TokenRepository
	Users     *repository.UserRepository
	AppTokens *AppTokenIssuer
	Verifier  *MembershipVerifier
	Avatars   AvatarFetcher
}

// HandshakeService owns every AuthSession transition. The polling endpoint,
// the token exchange endpoint and the bot all go through it.
type HandshakeService struct {
	deps   HandshakeDeps
	cfg    HandshakeConfig
	now    func() time.Time
	logger zerolog.Logger
}

func NewHandshakeService(deps HandshakeDeps, cfg HandshakeConfig) *HandshakeService {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &HandshakeService{
		deps:   deps,
		cfg:    cfg,
		now:    now,
		logger: logger.Component("handshake"),
	}
}

// BotLink returns the deep link that opens the bot with the session attached.
func (s *HandshakeService) BotLink(sessionID string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%s", s.cfg.BotUsername, StartPrefix, sessionID)
}

// CreateSession stores a fresh pending session.
func (s *HandshakeService) CreateSession(ctx context.Context) (*NewSession, error) {
	now := s.now()
	session := &model.AuthSession{
		SessionID: uuid.NewString(),
		State:     model.SessionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Timeout),
	}
	if err := s.deps.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("session_id", session.SessionID).Msg("session created")
	return &NewSession{
		SessionID: session.SessionID,
		BotLink:   s.BotLink(session.SessionID),
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// CheckStatus answers a browser poll. Repeated calls after authorization
// return the same application token.
func (s *HandshakeService) CheckStatus(ctx context.Context, sessionID string) (*Result, error) {
	session, err := s.deps.Sessions.Get(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Result{Status: StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if session.ExpiredAt(now) {
		s.expire(ctx, session)
		return &Result{Status: StatusExpired}, nil
	}
	if session.State != model.SessionAuthorized {
		return &Result{Status: StatusPending}, nil
	}

	token, user, _, err := s.claim(ctx, session, now)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusAuthorized, Token: token, User: user}, nil
}

// ExchangeToken trades the bot-issued AuthToken for the application token.
func (s *HandshakeService) ExchangeToken(ctx context.Context, sessionID, value string) (*Result, error) {
	if sessionID == "" || value == "" {
		return &Result{Status: StatusInvalid}, nil
	}

	token, err := s.deps.Tokens.FindByToken(ctx, value)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return &Result{Status: StatusInvalid}, nil
	}
	if err != nil {
		return nil, err
	}
	if token.SessionID != sessionID {
		return &Result{Status: StatusInvalid}, nil
	}

	session, err := s.deps.Sessions.Get(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Result{Status: StatusInvalid}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if session.ExpiredAt(now) {
		s.expire(ctx, session)
		return &Result{Status: StatusExpired}, nil
	}

	if token.ConsumedAt != nil {
		return &Result{Status: StatusAlreadyAuthorized}, nil
	}
	if !now.Before(token.ExpiresAt) {
		return &Result{Status: StatusExpired}, nil
	}
	if session.State != model.SessionAuthorized {
		return &Result{Status: StatusInvalid}, nil
	}

	// The AuthToken is retired by the winning claim, so a failed claim leaves
	// it usable for a retry.
	appToken, user, won, err := s.claim(ctx, session, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return &Result{Status: StatusAlreadyAuthorized}, nil
	}
	return &Result{Status: StatusAuthorized, Token: appToken, User: user}, nil
}

// claim performs the one-time "first authorization" side effect: minting the
// application token and retiring the AuthToken. Losers of a concurrent claim
// read the winner's token and get won=false.
func (s *HandshakeService) claim(ctx context.Context, session *model.AuthSession, now time.Time) (string, *model.User, bool, error) {
	if session.UserID == nil {
		return "", nil, false, fmt.Errorf("authorized session %s has no user", session.SessionID)
	}
	user, err := s.deps.Users.FindByID(ctx, *session.UserID)
	if err != nil {
		return "", nil, false, fmt.Errorf("load session user: %w", err)
	}
	if session.AppToken != "" {
		return session.AppToken, user, false, nil
	}

	candidate, err := s.deps.AppTokens.Issue(user)
	if err != nil {
		return "", nil, false, err
	}
	won, err := s.deps.Sessions.Claim(ctx, session.SessionID, candidate, now)
	if err != nil {
		return "", nil, false, err
	}
	if !won {
		current, err := s.deps.Sessions.Get(ctx, session.SessionID)
		if err != nil {
			return "", nil, false, fmt.Errorf("reload claimed session: %w", err)
		}
		if current.AppToken == "" {
			return "", nil, false, fmt.Errorf("session %s lost claim without a stored token", session.SessionID)
		}
		return current.AppToken, user, false, nil
	}

	if _, err := s.deps.Tokens.ConsumeBySession(ctx, session.SessionID, now); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.SessionID).Msg("retire auth token")
	}
	s.logger.Info().Str("session_id", session.SessionID).Uint("user_id", user.ID).Msg("session claimed")
	return candidate, user, true, nil
}

// BindTelegramUser attaches the bot user to the session from a /start payload.
// Restarting an open session by its own user is allowed.
func (s *HandshakeService) BindTelegramUser(ctx context.Context, sessionID string, telegramID int64) error {
	ok, err := s.deps.Sessions.Bind(ctx, sessionID, telegramID, s.now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = s.lookupForUser(ctx, sessionID, telegramID)
	return err
}

// AttachContact stores the phone number the user shared with the bot.
func (s *HandshakeService) AttachContact(ctx context.Context, sessionID string, telegramID int64, phone string) error {
	ok, err := s.deps.Sessions.SetPhone(ctx, sessionID, telegramID, phone, s.now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.lookupForUser(ctx, sessionID, telegramID); err != nil {
		return err
	}
	return ErrSessionNotPending
}

// Complete runs the membership gate for a bound session. When every required
// chat is joined the user is upserted, the AuthToken is issued and the session
// becomes authorized; otherwise the session waits for subscriptions.
func (s *HandshakeService) Complete(ctx context.Context, sessionID string, identity Identity) (*Outcome, error) {
	if s.deps.Verifier == nil {
		return nil, errors.New("membership verifier not configured")
	}

	session, err := s.lookupForUser(ctx, sessionID, identity.TelegramID)
	if err != nil {
		return nil, err
	}
	if session.PhoneNumber == "" {
		return nil, ErrContactRequired
	}

	missing, err := s.deps.Verifier.Missing(ctx, identity.TelegramID)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		ok, err := s.deps.Sessions.MarkAwaitingSubscription(ctx, sessionID, s.now())
		if err != nil {
			return nil, err
		}
		if !ok {
			if _, err := s.lookupForUser(ctx, sessionID, identity.TelegramID); err != nil {
				return nil, err
			}
		}
		return &Outcome{Missing: missing}, nil
	}

	user, err := s.upsertUser(ctx, identity, session.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if user.IsBlocked {
		return nil, ErrUserBlocked
	}

	value, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	token := &model.AuthToken{
		Token:     value,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.cfg.TokenTTL),
	}
	err = s.deps.Sessions.MarkAuthorized(ctx, sessionID, identity.TelegramID, token, now)
	if errors.Is(err, repository.ErrStateConflict) || errors.Is(err, repository.ErrTokenAlreadyIssued) {
		if _, lookupErr := s.lookupForUser(ctx, sessionID, identity.TelegramID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, ErrSessionNotPending
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("session_id", sessionID).Int64("telegram_id", identity.TelegramID).
		Uint("user_id", user.ID).Msg("session authorized")
	return &Outcome{Authorized: true, Token: token, User: user}, nil
}

// upsertUser refreshes the profile on every login. An empty avatar leaves the
// stored one unchanged.
func (s *HandshakeService) upsertUser(ctx context.Context, identity Identity, phone string) (*model.User, error) {
	user, created, err := s.deps.Users.UpsertFromTelegram(ctx, identity.TelegramID, model.Profile{
		FirstName:    identity.FirstName,
		LastName:     identity.LastName,
		Username:     identity.Username,
		PhoneNumber:  phone,
		AvatarFileID: s.avatarFileID(ctx, identity.TelegramID),
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info().Int64("telegram_id", identity.TelegramID).Uint("user_id", user.ID).Msg("user registered")
	}
	return user, nil
}

func (s *HandshakeService) avatarFileID(ctx context.Context, telegramID int64) string {
	if s.deps.Avatars == nil {
		return ""
	}
	fileID, err := s.deps.Avatars.AvatarFileID(ctx, telegramID)
	if err != nil {
		s.logger.Debug().Err(err).Int64("telegram_id", telegramID).Msg("avatar lookup skipped")
		return ""
	}
	return fileID
}

// lookupForUser loads a session on behalf of a bot user and maps its
// condition to an error kind. It returns the session when it is still open
// and bound to telegramID.
func (s *HandshakeService) lookupForUser(ctx context.Context, sessionID string, telegramID int64) (*model.AuthSession, error) {
	session, err := s.deps.Sessions.Get(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.TelegramID != 0 && !session.BoundTo(telegramID) {
		return nil, ErrBindingMismatch
	}
	if session.State == model.SessionAuthorized {
		return nil, ErrAlreadyAuthorized
	}
	if session.ExpiredAt(s.now()) {
		s.expire(ctx, session)
		return nil, ErrSessionExpired
	}
	if session.TelegramID == 0 {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// CurrentUser validates an application bearer token.
func (s *HandshakeService) CurrentUser(ctx context.Context, bearer string) (*model.User, error) {
	if bearer == "" {
		return nil, ErrUnauthorized
	}
	claims, err := s.deps.AppTokens.Parse(bearer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	user, err := s.deps.Users.FindByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: unknown user %d", ErrUnauthorized, userID)
	}
	if err != nil {
		return nil, err
	}
	if user.IsBlocked {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrUserBlocked)
	}
	return user, nil
}

// Sweep deletes sessions and tokens whose window closed more than the
// retention period ago.
func (s *HandshakeService) Sweep(ctx context.Context) error {
	retention := s.cfg.Retention
	if retention <= 0 {
		retention = s.cfg.Timeout
	}
	cutoff := s.now().Add(-retention)
	sessions, err := s.deps.Sessions.DeleteExpired(ctx, cutoff)
	if err != nil {
		return err
	}
	tokens, err := s.deps.Tokens.DeleteExpired(ctx, cutoff)
	if err != nil {
		return err
	}
	if sessions > 0 || tokens > 0 {
		s.logger.Info().Int64("sessions", sessions).Int64("tokens", tokens).Msg("expired handshakes removed")
	}
	return nil
}

func (s *HandshakeService) expire(ctx context.Context, session *model.AuthSession) {
	if session.State.Terminal() {
		return
	}
	if _, err := s.deps.Sessions.MarkExpired(ctx, session.SessionID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.SessionID).Msg("mark session expired")
	}
}

func newOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
