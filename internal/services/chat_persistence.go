package services

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/adoptapet/adoptapet-backend/internal/models"
)

const (
	chatsCollection    = "chats"
	messagesCollection = "chat_messages"

	// Upserts racing on the same pair_key can fail with a duplicate key
	// error; the retry then finds the winner's document.
	maxUpsertAttempts = 3
)

// EnsureChatIndexes configures indexes for the chat collections.
// Called on startup from main after Mongo has connected.
func EnsureChatIndexes(ctx context.Context, db *mongo.Database) error {
	chatIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().SetName("idx_pair_key").SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "participants", Value: 1},
				{Key: "updated_at", Value: -1},
			},
			Options: options.Index().SetName("idx_participants_updated"),
		},
	}
	if _, err := db.Collection(chatsCollection).Indexes().CreateMany(ctx, chatIndexes); err != nil {
		return err
	}

	// (chat_id, created_at, _id) serves both history reads and the mark-read scan.
	messageIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "chat_id", Value: 1},
				{Key: "created_at", Value: 1},
				{Key: "_id", Value: 1},
			},
			Options: options.Index().SetName("idx_chat_created"),
		},
	}
	_, err := db.Collection(messagesCollection).Indexes().CreateMany(ctx, messageIndexes)
	return err
}

// MongoChatRepository stores chats and messages in two collections. Ids are
// ObjectID hex strings so they sort in insertion order.
type MongoChatRepository struct {
	chats    *mongo.Collection
	messages *mongo.Collection
}

func NewMongoChatRepository(db *mongo.Database) *MongoChatRepository {
	return &MongoChatRepository{
		chats:    db.Collection(chatsCollection),
		messages: db.Collection(messagesCollection),
	}
}

func (r *MongoChatRepository) FindOrCreateChat(ctx context.Context, chat models.Chat) (models.Chat, bool, error) {
	chat.ID = primitive.NewObjectID().Hex()

	filter := bson.M{"pair_key": chat.PairKey}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":             chat.ID,
		"participants":    chat.Participants,
		"related_context": chat.RelatedContext,
		"last_message":    chat.LastMessage,
		"created_at":      chat.CreatedAt,
		"updated_at":      chat.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var lastErr error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		var out models.Chat
		err := r.chats.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
		if mongo.IsDuplicateKeyError(err) {
			lastErr = err
			continue
		}
		if err != nil {
			return models.Chat{}, false, err
		}
		return out, out.ID == chat.ID, nil
	}
	return models.Chat{}, false, lastErr
}

func (r *MongoChatRepository) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := r.chats.FindOne(ctx, bson.M{"_id": chatID}).Decode(&chat)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

func (r *MongoChatRepository) ListChatsForUser(ctx context.Context, userID string) ([]models.Chat, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "updated_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	cur, err := r.chats.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	chats := []models.Chat{}
	if err := cur.All(ctx, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *MongoChatRepository) InsertMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	msg.ID = primitive.NewObjectID().Hex()
	// Mongo keeps millisecond precision; truncate so the returned value
	// matches what a later read yields.
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Millisecond)
	if _, err := r.messages.InsertOne(ctx, msg); err != nil {
		return models.ChatMessage{}, err
	}
	return msg, nil
}

func (r *MongoChatRepository) UpdateChatSummary(ctx context.Context, chatID string, lastMessage string, at time.Time) error {
	res, err := r.chats.UpdateOne(ctx,
		bson.M{"_id": chatID},
		bson.M{"$set": bson.M{
			"last_message": lastMessage,
			"updated_at":   at.UTC(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (r *MongoChatRepository) ListMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	cur, err := r.messages.Find(ctx, bson.M{"chat_id": chatID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	msgs := []models.ChatMessage{}
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *MongoChatRepository) MarkRead(ctx context.Context, chatID string, readerID string, at time.Time) (int64, error) {
	res, err := r.messages.UpdateMany(ctx,
		bson.M{
			"chat_id":   chatID,
			"sender_id": bson.M{"$ne": readerID},
			"status":    bson.M{"$ne": models.MessageStatusRead},
		},
		bson.M{"$set": bson.M{
			"status":  models.MessageStatusRead,
			"read_at": at.UTC(),
		}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
