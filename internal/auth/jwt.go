package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/pkg/models"
)

// JWTService signs and verifies HS256 bearer tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService returns a service signing with the given HMAC secret.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Claims carries the caller's identity. Tier rides in the token so quota
// enforcement needs no subscription lookup per request.
type Claims struct {
	Email string `json:"email,omitempty"`
	Tier  string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given user. A non-positive
// expiry produces a token without an exp claim.
func (s *JWTService) Generate(user *models.User) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if user == nil || user.ID == uuid.Nil {
		return "", errors.New("user id required")
	}

	now := time.Now()
	claims := Claims{
		Email: strings.TrimSpace(user.Email),
		Tier:  strings.TrimSpace(user.Tier),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *JWTService) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return s.secret, nil
}

// Validate checks the signature and registered claims and returns the
// user embedded in the token. Every failure collapses to ErrInvalidToken;
// callers never learn why a token was rejected.
func (s *JWTService) Validate(token string) (*models.User, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, s.keyFunc)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(strings.TrimSpace(claims.Subject))
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &models.User{
		ID:    userID,
		Email: strings.TrimSpace(claims.Email),
		Tier:  strings.TrimSpace(claims.Tier),
	}, nil
}
