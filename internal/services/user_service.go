//go:generate go run go.uber.org/mock/mockgen -source=user_service.go -destination=../mocks/mock_user_directory.go -package=mocks
package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog"

	"github.com/adoptapet/adoptapet-backend/internal/models"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

// UserDirectory resolves public profiles of chat counterparts.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (models.UserProfile, error)
}

// PostgresUserDirectory reads user_profiles, with an optional Redis cache in front.
type PostgresUserDirectory struct {
	db    *sql.DB
	cache *CacheService
	log   zerolog.Logger
}

// NewPostgresUserDirectory builds the directory. cache may be nil.
func NewPostgresUserDirectory(db *sql.DB, cache *CacheService) *PostgresUserDirectory {
	return &PostgresUserDirectory{db: db, cache: cache, log: logger.With("user_directory")}
}

// Lookup never fails for an unknown user: the id doubles as the display name.
func (d *PostgresUserDirectory) Lookup(ctx context.Context, userID string) (models.UserProfile, error) {
	key := CacheKey("profile", userID)
	if d.cache != nil {
		var cached models.UserProfile
		hit, err := d.cache.Get(ctx, key, &cached)
		if err != nil {
			d.log.Warn().Err(err).Str("user_id", userID).Msg("profile cache read failed")
		}
		if hit {
			return cached, nil
		}
	}

	profile := models.UserProfile{ID: userID}
	err := d.db.QueryRowContext(ctx, `
		SELECT display_name, COALESCE(avatar_url, '')
		FROM user_profiles WHERE id = $1
	`, userID).Scan(&profile.Name, &profile.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return FallbackProfile(userID), nil
	}
	if err != nil {
		return models.UserProfile{}, err
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, profile); err != nil {
			d.log.Warn().Err(err).Str("user_id", userID).Msg("profile cache write failed")
		}
	}
	return profile, nil
}

// FallbackProfile is shown when the directory has no entry or is unreachable.
func FallbackProfile(userID string) models.UserProfile {
	return models.UserProfile{ID: userID, Name: userID}
}
