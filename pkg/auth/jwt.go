package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mahaj/meeting-chat/pkg/model"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify a meeting participant.
type Claims struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

func (c *Claims) Sender() model.Sender {
	return model.Sender{Address: c.Address, DisplayName: c.DisplayName}
}

type contextKey string

const UserKey contextKey = "user"

// WithClaims stores validated claims on a request context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, UserKey, c)
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(UserKey).(*Claims)
	return c, ok
}

// Signer issues and validates HS256 tokens with a shared secret.
type Signer struct {
	key []byte
	ttl time.Duration
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{key: []byte(secret), ttl: ttl}, nil
}

// GenerateToken creates a new JWT token for a participant
func (s *Signer) GenerateToken(sender model.Sender) (string, error) {
	if !sender.Valid() {
		return "", errors.New("address and display name are required")
	}
	claims := &Claims{
		Address:     sender.Address,
		DisplayName: sender.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sender.Address,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// ValidateToken parses and validates a JWT token
func (s *Signer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || claims.Address == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// BearerToken strips the "Bearer " prefix from an Authorization header value.
func BearerToken(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
