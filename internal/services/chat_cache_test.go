package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/adoptapet/adoptapet-backend/internal/models"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	uri := os.Getenv("REDIS_TEST_URI")
	if uri == "" {
		t.Skip("REDIS_TEST_URI not set")
	}
	opt, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// TestCachedChatRepository needs a server at REDIS_TEST_URI, e.g. redis://localhost:6379/15.
func TestCachedChatRepository(t *testing.T) {
	client := newTestRedis(t)

	runChatRepositoryContract(t, func(t *testing.T) ChatRepository {
		return NewCachedChatRepository(newBadgerRepo(t), client)
	})

	t.Run("summary update drops the cached document", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		repo := NewCachedChatRepository(newBadgerRepo(t), client)

		now := time.Now().UTC()
		chat, created, err := repo.FindOrCreateChat(ctx, models.Chat{
			Participants: []string{"alice", "bob"},
			PairKey:      models.PairKey("alice", "bob"),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		req.NoError(err)
		req.True(created)
		req.Equal(int64(1), client.Exists(ctx, chatDocKey(chat.ID)).Val())

		req.NoError(repo.UpdateChatSummary(ctx, chat.ID, "hello", now.Add(time.Second)))
		req.Zero(client.Exists(ctx, chatDocKey(chat.ID)).Val())

		got, err := repo.GetChat(ctx, chat.ID)
		req.NoError(err)
		req.Equal("hello", got.LastMessage)
		req.Equal([]string{"alice", "bob"}, got.Participants)
	})
}
