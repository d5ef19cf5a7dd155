package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/parleychat/parley/internal/presence"
)

// ConversationStore reads chat membership from the chats collection. Both
// private and group chats live in the same collection; a chat's participants
// field holds the userIds issued by the identity provider.
type ConversationStore struct {
	chats *mongo.Collection
}

// NewConversationStore creates a conversation store on the given database.
func NewConversationStore(db *mongo.Database) *ConversationStore {
	return &ConversationStore{chats: db.Collection("chats")}
}

type chatDoc struct {
	ID           primitive.ObjectID `bson:"_id"`
	Participants []string           `bson:"participants"`
}

// ChannelsContaining implements presence.ConversationStore. It returns every
// chat the user participates in, projected down to the id and participant
// list the presence subsystem needs.
func (s *ConversationStore) ChannelsContaining(ctx context.Context, userID string) ([]presence.Channel, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1, "participants": 1})
	cursor, err := s.chats.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying chats of %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var docs []chatDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding chats of %s: %w", userID, err)
	}

	channels := make([]presence.Channel, 0, len(docs))
	for _, doc := range docs {
		channels = append(channels, presence.Channel{
			ID:           doc.ID.Hex(),
			Participants: doc.Participants,
		})
	}
	return channels, nil
}
