// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown user or a
	// wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInvalidToken is returned for malformed, expired, revoked or
	// mistyped tokens.
	ErrInvalidToken = errors.New("invalid token")
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
	issuer       = "beergarden"
)

// Claims are the JWT claims of access and refresh tokens. Subject is the
// user id.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Type     string `json:"type"`
}

// TokenPair is what a login or refresh hands back.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// TokenStore is the persistence the token service needs.
type TokenStore interface {
	backend.UserStore
	backend.TokenStore
}

// TokenConfig configures the token service.
type TokenConfig struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Tokens issues HS256 access and refresh tokens. Refresh tokens are
// recorded in the store so they can be revoked.
type Tokens struct {
	store TokenStore
	cfg   TokenConfig
	now   func() time.Time
}

// NewTokens creates a token service.
func NewTokens(store TokenStore, cfg TokenConfig) *Tokens {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Tokens{store: store, cfg: cfg, now: time.Now}
}

// Login checks username and password and issues a token pair.
func (t *Tokens) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	user, err := t.store.GetUserByName(ctx, username)
	if bgerrors.IsNotFound(err) {
		loginAttempts.WithLabelValues("unknown_user").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !CheckPassword(user.PasswordHash, password) {
		loginAttempts.WithLabelValues("bad_password").Inc()
		return nil, ErrInvalidCredentials
	}
	loginAttempts.WithLabelValues("success").Inc()
	return t.issue(ctx, user)
}

// Refresh exchanges a live refresh token for a new pair. The old refresh
// token is revoked.
func (t *Tokens) Refresh(ctx context.Context, refresh string) (*TokenPair, error) {
	claims, err := t.parse(refresh, tokenRefresh)
	if err != nil {
		return nil, err
	}
	if _, err := t.store.GetToken(ctx, claims.ID); err != nil {
		if bgerrors.IsNotFound(err) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	user, err := t.store.GetUser(ctx, claims.Subject)
	if err != nil {
		if bgerrors.IsNotFound(err) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if err := t.store.DeleteToken(ctx, claims.ID); err != nil && !bgerrors.IsNotFound(err) {
		return nil, err
	}
	return t.issue(ctx, user)
}

// Revoke invalidates a refresh token. Revoking an unknown token is not an
// error.
func (t *Tokens) Revoke(ctx context.Context, refresh string) error {
	claims, err := t.parse(refresh, tokenRefresh)
	if err != nil {
		return err
	}
	if err := t.store.DeleteToken(ctx, claims.ID); err != nil && !bgerrors.IsNotFound(err) {
		return err
	}
	return nil
}

// RevokeAll invalidates every refresh token of a user.
func (t *Tokens) RevokeAll(ctx context.Context, userID string) error {
	return t.store.DeleteUserTokens(ctx, userID)
}

// Authenticate validates an access token and loads its user.
func (t *Tokens) Authenticate(ctx context.Context, access string) (*models.User, error) {
	claims, err := t.parse(access, tokenAccess)
	if err != nil {
		return nil, err
	}
	user, err := t.store.GetUser(ctx, claims.Subject)
	if bgerrors.IsNotFound(err) {
		return nil, ErrInvalidToken
	}
	return user, err
}

func (t *Tokens) issue(ctx context.Context, user *models.User) (*TokenPair, error) {
	now := t.now()
	access, _, err := t.sign(user, tokenAccess, now, t.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, jti, err := t.sign(user, tokenRefresh, now, t.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	record := &models.UserToken{
		JTI:       jti,
		UserID:    user.ID,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(t.cfg.RefreshTTL).UTC(),
	}
	if err := t.store.CreateToken(ctx, record); err != nil {
		return nil, fmt.Errorf("record refresh token: %w", err)
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

func (t *Tokens) sign(user *models.User, typ string, now time.Time, ttl time.Duration) (string, string, error) {
	jti := uuid.NewString()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: user.Username,
		Type:     typ,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.cfg.Secret)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return signed, jti, nil
}

func (t *Tokens) parse(raw, typ string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, typ)
	}
	return claims, nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
