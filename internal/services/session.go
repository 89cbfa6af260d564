//go:generate go run go.uber.org/mock/mockgen -source=session.go -destination=../mocks/mock_authenticator.go -package=mocks
package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionDuration is 7 days
	SessionDuration = 7 * 24 * time.Hour
	// SessionKeyPrefix is the Redis key prefix for sessions
	SessionKeyPrefix = "session:"
)

// ErrInvalidCredential means the token is unknown, expired or malformed.
var ErrInvalidCredential = errors.New("invalid credential")

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// RedisSessionAuthenticator validates opaque session tokens stored by the
// identity service as session:<token> -> user id.
type RedisSessionAuthenticator struct {
	client *redis.Client
}

func NewRedisSessionAuthenticator(client *redis.Client) *RedisSessionAuthenticator {
	return &RedisSessionAuthenticator{client: client}
}

func (a *RedisSessionAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidCredential
	}
	userID, err := a.client.Get(ctx, SessionKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if userID = strings.TrimSpace(userID); userID == "" {
		return "", ErrInvalidCredential
	}
	return userID, nil
}

// CreateSession stores a fresh random token for userID. The identity service
// normally owns this; the chat service uses it for local tooling and tests.
func (a *RedisSessionAuthenticator) CreateSession(ctx context.Context, userID string) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(tokenBytes)
	if err := a.client.Set(ctx, SessionKeyPrefix+token, userID, SessionDuration).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// InvalidateSession removes a session token.
func (a *RedisSessionAuthenticator) InvalidateSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return a.client.Del(ctx, SessionKeyPrefix+token).Err()
}

// SessionClaims is the JWT payload accepted by JWTAuthenticator.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens carrying a user_id claim.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidCredential
	}
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidCredential
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return "", ErrInvalidCredential
	}
	return claims.UserID, nil
}

// IssueToken signs a token for userID valid for ttl.
func (a *JWTAuthenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ChainAuthenticator tries each authenticator in order and returns the first
// success. When none succeeds, an infrastructure error from any member wins
// over ErrInvalidCredential so outages are not reported as bad tokens.
type ChainAuthenticator []Authenticator

func (c ChainAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	var infraErr error
	for _, a := range c {
		userID, err := a.Authenticate(ctx, token)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, ErrInvalidCredential) && infraErr == nil {
			infraErr = err
		}
	}
	if infraErr != nil {
		return "", infraErr
	}
	return "", ErrInvalidCredential
}
