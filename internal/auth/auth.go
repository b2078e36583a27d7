// Package auth verifies the credentials a client presents during the
// PostgreSQL startup handshake.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"semgate/internal/domain"
)

// Mode selects how connecting users are authenticated.
type Mode string

const (
	ModeTrust    Mode = "trust"
	ModePassword Mode = "password"
	ModeJWT      Mode = "jwt"
)

// ParseMode parses an AUTH_MODE value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeTrust, ModePassword, ModeJWT:
		return m, nil
	case "":
		return ModeTrust, nil
	}
	return "", fmt.Errorf("unknown auth mode %q (want trust, password or jwt)", s)
}

// Identity is an authenticated connection principal.
type Identity struct {
	User string
	// Subject is the token subject in jwt mode.
	Subject string
}

// Authenticator checks a startup user and the password it sent. When
// NeedsPassword reports false the password argument is empty.
type Authenticator interface {
	NeedsPassword() bool
	Authenticate(ctx context.Context, user, password string) (*Identity, error)
}

// Trust accepts every user.
type Trust struct{}

func (Trust) NeedsPassword() bool { return false }

func (Trust) Authenticate(_ context.Context, user, _ string) (*Identity, error) {
	return &Identity{User: user}, nil
}

// Passwords checks cleartext passwords against a fixed user table.
type Passwords struct {
	users map[string]string
}

// NewPasswords creates a Passwords authenticator.
func NewPasswords(users map[string]string) (*Passwords, error) {
	if len(users) == 0 {
		return nil, fmt.Errorf("password auth requires at least one user")
	}
	return &Passwords{users: users}, nil
}

// ParseUsers parses "user:password,user2:password2".
func ParseUsers(s string) (map[string]string, error) {
	users := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, pass, ok := strings.Cut(pair, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("invalid user entry %q (want user:password)", pair)
		}
		users[user] = pass
	}
	return users, nil
}

func (p *Passwords) NeedsPassword() bool { return true }

func (p *Passwords) Authenticate(_ context.Context, user, password string) (*Identity, error) {
	want, ok := p.users[user]
	// Compare against something even for unknown users.
	if !ok {
		want = "\x00"
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 || !ok {
		return nil, domain.ErrAuth("password authentication failed for user %q", user)
	}
	return &Identity{User: user}, nil
}

// Tokens authenticates users with a bearer token sent in the password
// field. The startup user must name the token's subject, email or
// preferred_username.
type Tokens struct {
	validator TokenValidator
}

// NewTokens creates a Tokens authenticator.
func NewTokens(v TokenValidator) *Tokens {
	return &Tokens{validator: v}
}

func (a *Tokens) NeedsPassword() bool { return true }

func (a *Tokens) Authenticate(ctx context.Context, user, token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, domain.ErrAuth("token authentication failed for user %q: empty token", user)
	}
	claims, err := a.validator.Validate(ctx, token)
	if err != nil {
		return nil, domain.ErrAuth("token authentication failed for user %q: %v", user, err)
	}
	if !claims.Names(user) {
		return nil, domain.ErrAuth("token authentication failed for user %q: token was issued to %q", user, claims.Subject)
	}
	return &Identity{User: user, Subject: claims.Subject}, nil
}
