package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/adoptapet/adoptapet-backend/internal/models"
)

// runChatRepositoryContract checks the behaviour every ChatRepository backend must share.
func runChatRepositoryContract(t *testing.T, newRepo func(t *testing.T) ChatRepository) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	newChat := func(a, b string) models.Chat {
		return models.Chat{
			Participants: []string{a, b},
			PairKey:      models.PairKey(a, b),
			CreatedAt:    base,
			UpdatedAt:    base,
		}
	}
	user := func(name string) string { return name + "-" + uuid.NewString()[:8] }

	t.Run("find or create is idempotent per pair", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)
		alice, bob := user("alice"), user("bob")

		first, created, err := repo.FindOrCreateChat(ctx, newChat(alice, bob))
		req.NoError(err)
		req.True(created)
		req.NotEmpty(first.ID)

		second, created, err := repo.FindOrCreateChat(ctx, newChat(bob, alice))
		req.NoError(err)
		req.False(created)
		req.Equal(first.ID, second.ID)
		req.ElementsMatch([]string{alice, bob}, second.Participants)
	})

	t.Run("concurrent find or create yields one chat", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)
		alice, bob := user("alice"), user("bob")

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ids     = map[string]bool{}
			creates int
			errs    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := alice, bob
				if i%2 == 1 {
					a, b = bob, alice
				}
				chat, created, err := repo.FindOrCreateChat(ctx, newChat(a, b))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				ids[chat.ID] = true
				if created {
					creates++
				}
			}(i)
		}
		wg.Wait()

		req.Empty(errs)
		req.Len(ids, 1)
		req.Equal(1, creates)
	})

	t.Run("ids containing the separator stay distinct pairs", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)
		suffix := uuid.NewString()[:8]
		ab, c := "a:b"+suffix, "c"+suffix
		a, bc := "a", "b"+suffix+":c"+suffix

		first, created, err := repo.FindOrCreateChat(ctx, newChat(ab, c))
		req.NoError(err)
		req.True(created)

		second, created, err := repo.FindOrCreateChat(ctx, newChat(a, bc))
		req.NoError(err)
		req.True(created)
		req.NotEqual(first.ID, second.ID)
		req.ElementsMatch([]string{a, bc}, second.Participants)
	})

	t.Run("unknown chat", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetChat(ctx, "does-not-exist")
		require.ErrorIs(t, err, ErrChatNotFound)
	})

	t.Run("messages keep append order and summary updates", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)
		alice, bob := user("alice"), user("bob")
		chat, _, err := repo.FindOrCreateChat(ctx, newChat(alice, bob))
		req.NoError(err)

		texts := []string{"hi", "is Luna still available?", "yes!"}
		senders := []string{alice, alice, bob}
		for i, text := range texts {
			msg, err := repo.InsertMessage(ctx, models.ChatMessage{
				ChatID:    chat.ID,
				SenderID:  senders[i],
				Text:      text,
				Status:    models.MessageStatusSent,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
			req.NoError(err)
			req.NotEmpty(msg.ID)
			req.NoError(repo.UpdateChatSummary(ctx, chat.ID, text, msg.CreatedAt))
		}

		msgs, err := repo.ListMessages(ctx, chat.ID)
		req.NoError(err)
		req.Len(msgs, len(texts))
		for i, m := range msgs {
			req.Equal(texts[i], m.Text)
			req.Equal(senders[i], m.SenderID)
			req.Equal(models.MessageStatusSent, m.Status)
		}

		got, err := repo.GetChat(ctx, chat.ID)
		req.NoError(err)
		req.Equal("yes!", got.LastMessage)
		req.WithinDuration(base.Add(2*time.Second), got.UpdatedAt, time.Millisecond)

		req.ErrorIs(repo.UpdateChatSummary(ctx, "missing", "x", base), ErrChatNotFound)
	})

	t.Run("chats list most recent first", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)
		alice, bob, carol := user("alice"), user("bob"), user("carol")

		withBob, _, err := repo.FindOrCreateChat(ctx, newChat(alice, bob))
		req.NoError(err)
		withCarol, _, err := repo.FindOrCreateChat(ctx, newChat(alice, carol))
		req.NoError(err)
		req.NoError(repo.UpdateChatSummary(ctx, withBob.ID, "newest", base.Add(time.Hour)))

		chats, err := repo.ListChatsForUser(ctx, alice)
		req.NoError(err)
		req.Len(chats, 2)
		req.Equal(withBob.ID, chats[0].ID)
		req.Equal(withCarol.ID, chats[1].ID)

		chats, err = repo.ListChatsForUser(ctx, carol)
		req.NoError(err)
		req.Len(chats, 1)

		chats, err = repo.ListChatsForUser(ctx, user("nobody"))
		req.NoError(err)
		req.Empty(chats)
	})

	t.Run("mark read flips only the counterpart's messages", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)
		alice, bob := user("alice"), user("bob")
		chat, _, err := repo.FindOrCreateChat(ctx, newChat(alice, bob))
		req.NoError(err)

		for i, sender := range []string{alice, alice, bob} {
			_, err := repo.InsertMessage(ctx, models.ChatMessage{
				ChatID:    chat.ID,
				SenderID:  sender,
				Text:      "m",
				Status:    models.MessageStatusSent,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
			req.NoError(err)
		}

		n, err := repo.MarkRead(ctx, chat.ID, bob, base.Add(time.Minute))
		req.NoError(err)
		req.EqualValues(2, n)

		n, err = repo.MarkRead(ctx, chat.ID, bob, base.Add(2*time.Minute))
		req.NoError(err)
		req.EqualValues(0, n)

		msgs, err := repo.ListMessages(ctx, chat.ID)
		req.NoError(err)
		for _, m := range msgs {
			if m.SenderID == alice {
				req.Equal(models.MessageStatusRead, m.Status)
				req.NotNil(m.ReadAt)
			} else {
				req.Equal(models.MessageStatusSent, m.Status)
				req.Nil(m.ReadAt)
			}
		}
	})
}
