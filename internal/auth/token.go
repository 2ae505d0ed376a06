package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const TokenType = "Bearer"

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Issuer signs and verifies HS256 bearer tokens bound to users of a Directory.
type Issuer struct {
	key []byte
	ttl time.Duration
	dir *Directory
	now func() time.Time
}

func NewIssuer(key []byte, ttl time.Duration, dir *Directory) (*Issuer, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &Issuer{
		key: key,
		ttl: ttl,
		dir: dir,
		now: time.Now,
	}, nil
}

// WithClock replaces the time source. This method exists for a unit testing only.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) Issue(u User) (Token, error) {
	issued := i.now()
	expires := issued.Add(i.ttl)
	claims := Claims{
		UserID: u.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("signing token: %w", err)
	}
	return Token{
		AccessToken: signed,
		TokenType:   TokenType,
		ExpiresAt:   expires.UTC(),
	}, nil
}

// Verify checks signature and expiry of raw and returns the user it was issued to.
// Tokens of users no longer present in the directory are rejected.
func (i *Issuer) Verify(raw string) (User, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return User{}, fmt.Errorf("%w: user_id claim is missing", ErrInvalidToken)
	}
	u, ok := i.dir.Lookup(claims.UserID)
	if !ok {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrUnknownUser)
	}
	return u, nil
}
