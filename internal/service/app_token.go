package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"bishkek-meetup/internal/model"
)

const appTokenIssuer = "bishkek-meetup"

// AppClaims are carried by the long-lived application bearer token.
type AppClaims struct {
	TelegramID int64  `json:"tg"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// UserID returns the numeric subject.
func (c *AppClaims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subject %q: %w", c.Subject, err)
	}
	return uint(id), nil
}

// AppTokenIssuer signs and verifies application bearer tokens (HS256).
type AppTokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAppTokenIssuer(secret string, ttl time.Duration, now func() time.Time) *AppTokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &AppTokenIssuer{secret: []byte(secret), ttl: ttl, now: now}
}

func (i *AppTokenIssuer) Issue(user *model.User) (string, error) {
	now := i.now()
	claims := AppClaims{
		TelegramID: user.TelegramID,
		Role:       user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    appTokenIssuer,
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign app token: %w", err)
	}
	return signed, nil
}

func (i *AppTokenIssuer) Parse(raw string) (*AppClaims, error) {
	claims := &AppClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(appTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("app token without subject")
	}
	return claims, nil
}
