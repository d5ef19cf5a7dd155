package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/parleychat/parley/internal/presence"
)

// ProfileStore persists per-user presence status on the chatusers collection.
// The presence subsystem only writes here; it never reads the stored status
// back, because during a session the connection registry is authoritative.
type ProfileStore struct {
	users *mongo.Collection
}

// NewProfileStore creates a profile store on the given database.
func NewProfileStore(db *mongo.Database) *ProfileStore {
	return &ProfileStore{users: db.Collection("chatusers")}
}

// SetStatus implements presence.ProfileStore. lastSeen is written only when
// provided, i.e. on the transition to offline. A user without a profile
// document is a no-op, matching the upstream behavior for users that never
// completed onboarding.
func (s *ProfileStore) SetStatus(ctx context.Context, userID string, status presence.Status, lastSeen *time.Time) error {
	set := bson.M{"status": string(status)}
	if lastSeen != nil {
		set["lastSeen"] = *lastSeen
	}

	_, err := s.users.UpdateOne(ctx, bson.M{"userId": userID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("%w: set status of %s: %v", presence.ErrStoreUnavailable, userID, err)
	}
	return nil
}
