package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"bishkek-meetup/internal/model"
	"bishkek-meetup/internal/repository"
	"bishkek-meetup/internal/repository/repotest"
	"bishkek-meetup/internal/service"
)

const (
	userA   int64 = 1001
	userB   int64 = 2002
	timeout       = 5 * time.Minute
)

var requiredChats = []model.RequiredChat{
	{ID: "@bishkek_meetups", Title: "Bishkek Meetups"},
	{ID: "-1001234567890", Title: "Meetup Chat", InviteLink: "https://t.me/+invite"},
}

type handshakeFixture struct {
	svc      *service.HandshakeService
	db       *gorm.DB
	clock    *fakeClock
	members  *fakeChatMembers
	sessions *repository.SessionRepository
	tokens   *repository.TokenRepository
	users    *repository.UserRepository
}

func newHandshakeFixture(t *testing.T, avatars service.AvatarFetcher) *handshakeFixture {
	t.Helper()
	db := repotest.NewDB(t)
	clock := newFakeClock()
	members := newFakeChatMembers()
	f := &handshakeFixture{
		db:       db,
		clock:    clock,
		members:  members,
		sessions: repository.NewSessionRepository(db),
		tokens:   repository.NewTokenRepository(db),
		users:    repository.NewUserRepository(db),
	}
	f.svc = service.NewHandshakeService(service.HandshakeDeps{
		Sessions:  f.sessions,
		Tokens:    f.tokens,
		Users:     f.users,
		AppTokens: service.NewAppTokenIssuer(strings.Repeat("s", 32), 24*time.Hour, clock.Now),
		Verifier:  service.NewMembershipVerifier(members, requiredChats),
		Avatars:   avatars,
	}, service.HandshakeConfig{
		BotUsername: "bishkek_meetup_bot",
		Timeout:     timeout,
		TokenTTL:    timeout,
		Now:         clock.Now,
	})
	return f
}

func (f *handshakeFixture) joinAll(user int64) {
	for _, chat := range requiredChats {
		f.members.Set(chat.ID, user, "member")
	}
}

func identity(id int64) service.Identity {
	return service.Identity{TelegramID: id, FirstName: "Aigerim", Username: "aigerim"}
}

// startToContact walks a fresh session through /start and contact sharing.
func (f *handshakeFixture) startToContact(t *testing.T, user int64) string {
	t.Helper()
	ctx := context.Background()
	created, err := f.svc.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, f.svc.BindTelegramUser(ctx, created.SessionID, user))
	require.NoError(t, f.svc.AttachContact(ctx, created.SessionID, user, "+996555000111"))
	return created.SessionID
}

func (f *handshakeFixture) authorize(t *testing.T, user int64) (string, *service.Outcome) {
	t.Helper()
	f.joinAll(user)
	sessionID := f.startToContact(t, user)
	outcome, err := f.svc.Complete(context.Background(), sessionID, identity(user))
	require.NoError(t, err)
	require.True(t, outcome.Authorized)
	return sessionID, outcome
}

func TestHandshake_CreateSession(t *testing.T) {
	f := newHandshakeFixture(t, nil)

	created, err := f.svc.CreateSession(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, "https://t.me/bishkek_meetup_bot?start=auth_"+created.SessionID, created.BotLink)
	assert.Equal(t, f.clock.Now().Add(timeout), created.ExpiresAt)

	other, err := f.svc.CreateSession(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, created.SessionID, other.SessionID)

	res, err := f.svc.CheckStatus(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusPending, res.Status)
}

func TestHandshake_CheckStatusUnknown(t *testing.T) {
	f := newHandshakeFixture(t, nil)

	res, err := f.svc.CheckStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, service.StatusNotFound, res.Status)
}

func TestHandshake_FullLoginAuthorizes(t *testing.T) {
	f := newHandshakeFixture(t, fakeAvatars{fileID: "photo-file"})
	sessionID, outcome := f.authorize(t, userA)

	assert.NotEmpty(t, outcome.Token.Token)
	assert.Equal(t, sessionID, outcome.Token.SessionID)
	assert.Equal(t, "photo-file", outcome.User.AvatarFileID)

	res, err := f.svc.CheckStatus(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusAuthorized, res.Status)
	assert.NotEmpty(t, res.Token)
	require.NotNil(t, res.User)
	assert.Equal(t, 0, res.User.Reputation)
	assert.Equal(t, userA, res.User.TelegramID)
	assert.Equal(t, "+996555000111", res.User.PhoneNumber)

	me, err := f.svc.CurrentUser(context.Background(), res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, me.ID)
}

func TestHandshake_MissingMembershipBlocksAuthorization(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	f.members.Set(requiredChats[0].ID, userA, "member")
	sessionID := f.startToContact(t, userA)

	outcome, err := f.svc.Complete(ctx, sessionID, identity(userA))
	require.NoError(t, err)
	assert.False(t, outcome.Authorized)
	require.Len(t, outcome.Missing, 1)
	assert.Equal(t, requiredChats[1].ID, outcome.Missing[0].ID)

	// "I subscribed" before actually subscribing.
	outcome, err = f.svc.Complete(ctx, sessionID, identity(userA))
	require.NoError(t, err)
	assert.False(t, outcome.Authorized)

	session, err := f.sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionAwaitingSubscription, session.State)

	_, err = f.tokens.FindBySession(ctx, sessionID)
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)

	res, err := f.svc.CheckStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusPending, res.Status)

	f.members.Set(requiredChats[1].ID, userA, "member")
	outcome, err = f.svc.Complete(ctx, sessionID, identity(userA))
	require.NoError(t, err)
	assert.True(t, outcome.Authorized)
}

func TestHandshake_LeftOrKickedIsNotMember(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	f.members.Set(requiredChats[0].ID, userA, "left")
	f.members.Set(requiredChats[1].ID, userA, "kicked")
	sessionID := f.startToContact(t, userA)

	outcome, err := f.svc.Complete(context.Background(), sessionID, identity(userA))
	require.NoError(t, err)
	assert.False(t, outcome.Authorized)
	assert.Len(t, outcome.Missing, 2)
}

func TestHandshake_ExpiredSessionRejectsBot(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	created, err := f.svc.CreateSession(ctx)
	require.NoError(t, err)

	f.clock.Advance(timeout + time.Second)

	err = f.svc.BindTelegramUser(ctx, created.SessionID, userA)
	assert.ErrorIs(t, err, service.ErrSessionExpired)

	err = f.svc.AttachContact(ctx, created.SessionID, userA, "+996555000111")
	assert.Error(t, err)

	res, err := f.svc.CheckStatus(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusExpired, res.Status)

	session, err := f.sessions.Get(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, session.State)
}

func TestHandshake_ExpiryWinsOverAnyState(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, _ := f.authorize(t, userA)

	f.clock.Advance(timeout + time.Millisecond)

	res, err := f.svc.CheckStatus(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusExpired, res.Status)
	assert.Empty(t, res.Token)

	session, err := f.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionAuthorized, session.State, "authorized never moves back")
}

func TestHandshake_ExpiredWhileAwaitingContact(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	created, err := f.svc.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, f.svc.BindTelegramUser(ctx, created.SessionID, userA))

	f.clock.Advance(timeout)

	err = f.svc.AttachContact(ctx, created.SessionID, userA, "+996555000111")
	assert.ErrorIs(t, err, service.ErrSessionExpired)
}

func TestHandshake_CheckStatusIsIdempotent(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, _ := f.authorize(t, userA)
	ctx := context.Background()

	first, err := f.svc.CheckStatus(ctx, sessionID)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)
	second, err := f.svc.CheckStatus(ctx, sessionID)
	require.NoError(t, err)

	assert.Equal(t, service.StatusAuthorized, second.Status)
	assert.Equal(t, first.Token, second.Token)

	token, err := f.tokens.FindBySession(ctx, sessionID)
	require.NoError(t, err)
	assert.NotNil(t, token.ConsumedAt, "claim retires the auth token")
}

func TestHandshake_ConcurrentPollsShareToken(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, _ := f.authorize(t, userA)

	const tabs = 4
	results := make([]*service.Result, tabs)
	errs := make([]error, tabs)
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.CheckStatus(context.Background(), sessionID)
		}()
	}
	wg.Wait()

	for i := 0; i < tabs; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, service.StatusAuthorized, results[i].Status)
		assert.Equal(t, results[0].Token, results[i].Token)
	}
}

func TestHandshake_ExchangeToken(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, outcome := f.authorize(t, userA)
	ctx := context.Background()

	res, err := f.svc.ExchangeToken(ctx, sessionID, outcome.Token.Token)
	require.NoError(t, err)
	assert.Equal(t, service.StatusAuthorized, res.Status)
	assert.NotEmpty(t, res.Token)
	require.NotNil(t, res.User)

	again, err := f.svc.ExchangeToken(ctx, sessionID, outcome.Token.Token)
	require.NoError(t, err)
	assert.Equal(t, service.StatusAlreadyAuthorized, again.Status)
	assert.Empty(t, again.Token)

	polled, err := f.svc.CheckStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, res.Token, polled.Token, "both entry points agree on the application token")
}

func TestHandshake_ExchangeAfterPollIsAlreadyAuthorized(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, outcome := f.authorize(t, userA)
	ctx := context.Background()

	_, err := f.svc.CheckStatus(ctx, sessionID)
	require.NoError(t, err)

	res, err := f.svc.ExchangeToken(ctx, sessionID, outcome.Token.Token)
	require.NoError(t, err)
	assert.Equal(t, service.StatusAlreadyAuthorized, res.Status)
}

func TestHandshake_ExchangeSurvivesFailedClaim(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, outcome := f.authorize(t, userA)
	ctx := context.Background()

	var failing atomic.Bool
	failing.Store(true)
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_claim", func(tx *gorm.DB) {
		if failing.Load() && tx.Statement.Table == "auth_sessions" {
			_ = tx.AddError(errors.New("database is locked"))
		}
	}))

	_, err := f.svc.ExchangeToken(ctx, sessionID, outcome.Token.Token)
	require.Error(t, err)

	token, err := f.tokens.FindByToken(ctx, outcome.Token.Token)
	require.NoError(t, err)
	assert.Nil(t, token.ConsumedAt, "a failed claim must leave the token usable")

	failing.Store(false)
	res, err := f.svc.ExchangeToken(ctx, sessionID, outcome.Token.Token)
	require.NoError(t, err)
	assert.Equal(t, service.StatusAuthorized, res.Status)
	assert.NotEmpty(t, res.Token)

	token, err = f.tokens.FindByToken(ctx, outcome.Token.Token)
	require.NoError(t, err)
	assert.NotNil(t, token.ConsumedAt)
}

func TestHandshake_ExchangeRejectsBadTokens(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, outcome := f.authorize(t, userA)
	otherSession, _ := f.authorize(t, userB)
	ctx := context.Background()

	tests := []struct {
		name      string
		sessionID string
		token     string
		want      service.Status
	}{
		{"empty", "", "", service.StatusInvalid},
		{"unknown token", sessionID, "garbage", service.StatusInvalid},
		{"token of another session", otherSession, outcome.Token.Token, service.StatusInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.ExchangeToken(ctx, tt.sessionID, tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestHandshake_ExchangeExpiredToken(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, outcome := f.authorize(t, userA)

	f.clock.Advance(timeout)

	res, err := f.svc.ExchangeToken(context.Background(), sessionID, outcome.Token.Token)
	require.NoError(t, err)
	assert.Equal(t, service.StatusExpired, res.Status)
}

func TestHandshake_BindingIsImmutable(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	f.joinAll(userA)
	f.joinAll(userB)
	sessionID := f.startToContact(t, userA)

	err := f.svc.BindTelegramUser(ctx, sessionID, userB)
	assert.ErrorIs(t, err, service.ErrBindingMismatch)

	err = f.svc.AttachContact(ctx, sessionID, userB, "+996700000000")
	assert.ErrorIs(t, err, service.ErrBindingMismatch)

	_, err = f.svc.Complete(ctx, sessionID, identity(userB))
	assert.ErrorIs(t, err, service.ErrBindingMismatch)

	res, err := f.svc.CheckStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusPending, res.Status)

	outcome, err := f.svc.Complete(ctx, sessionID, identity(userA))
	require.NoError(t, err)
	assert.True(t, outcome.Authorized)
	assert.Equal(t, userA, outcome.User.TelegramID)
}

func TestHandshake_RestartBySameUserIsAllowed(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	sessionID := f.startToContact(t, userA)

	_, err := f.svc.Complete(ctx, sessionID, identity(userA))
	require.NoError(t, err)

	assert.NoError(t, f.svc.BindTelegramUser(ctx, sessionID, userA))
}

func TestHandshake_CompleteRequiresContact(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	f.joinAll(userA)
	created, err := f.svc.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, f.svc.BindTelegramUser(ctx, created.SessionID, userA))

	_, err = f.svc.Complete(ctx, created.SessionID, identity(userA))
	assert.ErrorIs(t, err, service.ErrContactRequired)
}

func TestHandshake_DoubleCompleteIssuesOneToken(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	f.joinAll(userA)
	sessionID := f.startToContact(t, userA)

	var wg sync.WaitGroup
	outcomes := make([]*service.Outcome, 2)
	errs := make([]error, 2)
	for i := range outcomes {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = f.svc.Complete(ctx, sessionID, identity(userA))
		}()
	}
	wg.Wait()

	authorized := 0
	for i := range outcomes {
		if errs[i] == nil {
			require.True(t, outcomes[i].Authorized)
			authorized++
			continue
		}
		assert.ErrorIs(t, errs[i], service.ErrAlreadyAuthorized)
	}
	assert.Equal(t, 1, authorized)

	var count int64
	require.NoError(t, f.db.Model(&model.AuthToken{}).Where("session_id = ?", sessionID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestHandshake_AvatarFailureDoesNotAbortUserCreation(t *testing.T) {
	f := newHandshakeFixture(t, fakeAvatars{err: errors.New("telegram unavailable")})
	_, outcome := f.authorize(t, userA)

	assert.Empty(t, outcome.User.AvatarFileID)
	stored, err := f.users.FindByTelegramID(context.Background(), userA)
	require.NoError(t, err)
	assert.Equal(t, outcome.User.ID, stored.ID)
}

func TestHandshake_ReturningUserAvatarIsRefreshed(t *testing.T) {
	avatars := &rotatingAvatars{}
	f := newHandshakeFixture(t, avatars)
	ctx := context.Background()

	avatars.Set("old", nil)
	_, first := f.authorize(t, userA)
	assert.Equal(t, "old", first.User.AvatarFileID)

	avatars.Set("new", nil)
	_, second := f.authorize(t, userA)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "new", second.User.AvatarFileID)

	avatars.Set("", errors.New("telegram unavailable"))
	_, third := f.authorize(t, userA)
	assert.Equal(t, "new", third.User.AvatarFileID)

	stored, err := f.users.FindByTelegramID(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, "new", stored.AvatarFileID)
}

func TestHandshake_ReturningUserKeepsReputation(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	_, first := f.authorize(t, userA)
	require.NoError(t, f.db.Model(&model.User{}).Where("id = ?", first.User.ID).Update("reputation", 12).Error)

	_, second := f.authorize(t, userA)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, 12, second.User.Reputation)
}

func TestHandshake_BlockedUserIsRefused(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	_, first := f.authorize(t, userA)
	require.NoError(t, f.db.Model(&model.User{}).Where("id = ?", first.User.ID).Update("is_blocked", true).Error)

	f.joinAll(userA)
	sessionID := f.startToContact(t, userA)
	_, err := f.svc.Complete(context.Background(), sessionID, identity(userA))
	assert.ErrorIs(t, err, service.ErrUserBlocked)
}

func TestHandshake_CurrentUser(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, _ := f.authorize(t, userA)
	ctx := context.Background()
	res, err := f.svc.CheckStatus(ctx, sessionID)
	require.NoError(t, err)

	_, err = f.svc.CurrentUser(ctx, "")
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = f.svc.CurrentUser(ctx, "not.a.jwt")
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	user, err := f.svc.CurrentUser(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, userA, user.TelegramID)

	require.NoError(t, f.db.Model(&model.User{}).Where("id = ?", user.ID).Update("is_blocked", true).Error)
	_, err = f.svc.CurrentUser(ctx, res.Token)
	assert.ErrorIs(t, err, service.ErrUnauthorized)
	assert.ErrorIs(t, err, service.ErrUserBlocked)
}

func TestHandshake_CurrentUserExpiredToken(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	sessionID, _ := f.authorize(t, userA)
	res, err := f.svc.CheckStatus(context.Background(), sessionID)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)

	_, err = f.svc.CurrentUser(context.Background(), res.Token)
	assert.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestHandshake_SweepKeepsRecentlyExpired(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	pending, err := f.svc.CreateSession(ctx)
	require.NoError(t, err)

	f.clock.Advance(timeout + time.Second)
	require.NoError(t, f.svc.Sweep(ctx))

	res, err := f.svc.CheckStatus(ctx, pending.SessionID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusExpired, res.Status)
}

func TestHandshake_SweepRemovesAfterRetention(t *testing.T) {
	f := newHandshakeFixture(t, nil)
	ctx := context.Background()
	sessionID, _ := f.authorize(t, userA)
	pending, err := f.svc.CreateSession(ctx)
	require.NoError(t, err)

	f.clock.Advance(2 * timeout)
	require.NoError(t, f.svc.Sweep(ctx))

	_, err = f.sessions.Get(ctx, sessionID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = f.sessions.Get(ctx, pending.SessionID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = f.tokens.FindBySession(ctx, sessionID)
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)

	res, err := f.svc.CheckStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusNotFound, res.Status)
}
