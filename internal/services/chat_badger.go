package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/adoptapet/adoptapet-backend/internal/models"
)

const (
	maxTxnAttempts  = 5
	messageSeqKey   = "seq:messages"
	messageSeqLease = 256
)

// BadgerChatRepository keeps chats in an embedded Badger database.
//
// Key layout:
//
//	chat:{chat_id}                    -> JSON models.Chat
//	pair:{pair_key}                   -> chat_id
//	userchat:{user_id}:{chat_id}      -> empty, one per participant
//	msg:{chat_id}:{seq_padded}        -> JSON models.ChatMessage
//
// The sequence is zero padded to 20 digits so a prefix scan returns
// messages in append order.
type BadgerChatRepository struct {
	db  *badger.DB
	seq *badger.Sequence
}

func NewBadgerChatRepository(db *badger.DB) (*BadgerChatRepository, error) {
	seq, err := db.GetSequence([]byte(messageSeqKey), messageSeqLease)
	if err != nil {
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &BadgerChatRepository{db: db, seq: seq}, nil
}

// Close releases the leased sequence range. The database itself is owned by the caller.
func (r *BadgerChatRepository) Close() error {
	return r.seq.Release()
}

func chatKey(chatID string) []byte { return []byte("chat:" + chatID) }
func pairKey(key string) []byte    { return []byte("pair:" + key) }
func userChatPrefix(userID string) []byte {
	return []byte("userchat:" + userID + ":")
}
func messagePrefix(chatID string) []byte { return []byte("msg:" + chatID + ":") }
func messageKey(chatID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", chatID, seq))
}

// update runs fn in a read-write transaction, retrying when a concurrent
// transaction committed a conflicting write first.
func (r *BadgerChatRepository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (r *BadgerChatRepository) FindOrCreateChat(ctx context.Context, chat models.Chat) (models.Chat, bool, error) {
	var (
		result  models.Chat
		created bool
	)
	err := r.update(ctx, func(txn *badger.Txn) error {
		created = false
		item, err := txn.Get(pairKey(chat.PairKey))
		switch {
		case err == nil:
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return getJSON(txn, chatKey(string(id)), &result)
		case errors.Is(err, badger.ErrKeyNotFound):
			fresh := chat
			fresh.ID = uuid.NewString()
			if err := setJSON(txn, chatKey(fresh.ID), fresh); err != nil {
				return err
			}
			if err := txn.Set(pairKey(fresh.PairKey), []byte(fresh.ID)); err != nil {
				return err
			}
			for _, p := range lo.Uniq(fresh.Participants) {
				if err := txn.Set(append(userChatPrefix(p), fresh.ID...), nil); err != nil {
					return err
				}
			}
			result = fresh
			created = true
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return models.Chat{}, false, err
	}
	return result, created, nil
}

func (r *BadgerChatRepository) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, chatKey(chatID), &chat)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

func (r *BadgerChatRepository) ListChatsForUser(ctx context.Context, userID string) ([]models.Chat, error) {
	chats := []models.Chat{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := userChatPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		for _, id := range ids {
			var chat models.Chat
			if err := getJSON(txn, chatKey(id), &chat); err != nil {
				return err
			}
			chats = append(chats, chat)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].ID > chats[j].ID
		}
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	return chats, nil
}

func (r *BadgerChatRepository) InsertMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	n, err := r.seq.Next()
	if err != nil {
		return models.ChatMessage{}, err
	}
	msg.ID = uuid.NewString()
	key := messageKey(msg.ChatID, n)
	err = r.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key, msg)
	})
	if err != nil {
		return models.ChatMessage{}, err
	}
	return msg, nil
}

func (r *BadgerChatRepository) UpdateChatSummary(ctx context.Context, chatID string, lastMessage string, at time.Time) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		var chat models.Chat
		if err := getJSON(txn, chatKey(chatID), &chat); err != nil {
			return err
		}
		chat.LastMessage = lastMessage
		chat.UpdatedAt = at.UTC()
		return setJSON(txn, chatKey(chatID), chat)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrChatNotFound
	}
	return err
}

func (r *BadgerChatRepository) ListMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	msgs := []models.ChatMessage{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(chatID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.ChatMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *BadgerChatRepository) MarkRead(ctx context.Context, chatID string, readerID string, at time.Time) (int64, error) {
	var count int64
	err := r.update(ctx, func(txn *badger.Txn) error {
		count = 0
		type pending struct {
			key []byte
			msg models.ChatMessage
		}
		var changes []pending

		prefix := messagePrefix(chatID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var m models.ChatMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				it.Close()
				return err
			}
			if m.SenderID == readerID || m.Status == models.MessageStatusRead {
				continue
			}
			readAt := at.UTC()
			m.Status = models.MessageStatusRead
			m.ReadAt = &readAt
			changes = append(changes, pending{key: item.KeyCopy(nil), msg: m})
		}
		it.Close()

		for _, c := range changes {
			if err := setJSON(txn, c.key, c.msg); err != nil {
				return err
			}
		}
		count = int64(len(changes))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func getJSON(txn *badger.Txn, key []byte, dest any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dest)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}
