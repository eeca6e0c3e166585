package data

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/campushq/chat-relay/internal/normalize"
)

// ConversationsStore performs conversation DB operations.
type ConversationsStore struct {
	// coll is the "conversations" collection; set via NewConversationsStore
	coll *mongo.Collection
}

// NewConversationsStore returns a ConversationsStore using the provided collection.
func NewConversationsStore(coll *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{coll: coll}
}

// Create inserts a new conversation document and returns it with its id set.
// Participants are stored normalized and deduplicated, preserving order of
// first appearance.
func (s *ConversationsStore) Create(ctx context.Context, participants []string, isGroup bool, groupName string) (*Conversation, error) {
	seen := make(map[string]struct{}, len(participants))
	normalized := make([]string, 0, len(participants))
	for _, p := range participants {
		p = normalize.Identity(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}

	conv := &Conversation{
		Participants: normalized,
		IsGroup:      isGroup,
		GroupName:    groupName,
		LastMessage:  nil,
		// Store an empty array, not null, so $addToSet works from day one
		Pinned:    []bson.ObjectID{},
		CreatedAt: time.Now().UTC(),
	}

	result, err := s.coll.InsertOne(ctx, conv)
	if err != nil {
		return nil, err
	}
	conv.ID = result.InsertedID.(bson.ObjectID)
	return conv, nil
}

// Find returns the conversation with the given id, or ErrNotFound.
func (s *ConversationsStore) Find(ctx context.Context, id bson.ObjectID) (*Conversation, error) {
	var conv Conversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// FindForParticipant is Find plus a membership assertion, used for
// authorization. Absence (ErrNotFound) and non-membership (ErrNotMember)
// stay distinct so the surfaces can report 404 vs 403.
func (s *ConversationsStore) FindForParticipant(ctx context.Context, id bson.ObjectID, identity string) (*Conversation, error) {
	conv, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(normalize.Identity(identity)) {
		return nil, ErrNotMember
	}
	return conv, nil
}

// FindDirect looks up the direct (non-group) conversation holding exactly the
// given participant set, regardless of order. Returns ErrNotFound when no such
// conversation exists; callers use this to keep direct-pair creation idempotent.
func (s *ConversationsStore) FindDirect(ctx context.Context, participants []string) (*Conversation, error) {
	normalized := make([]string, 0, len(participants))
	for _, p := range participants {
		normalized = append(normalized, normalize.Identity(p))
	}

	// $all + $size matches the set irrespective of stored order
	filter := bson.M{
		"participants": bson.M{"$all": normalized, "$size": len(normalized)},
		"is_group":     false,
	}

	var conv Conversation
	err := s.coll.FindOne(ctx, filter).Decode(&conv)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// ListForParticipant returns every conversation the identity belongs to,
// most recently active first.
func (s *ConversationsStore) ListForParticipant(ctx context.Context, identity string) ([]*Conversation, error) {
	opts := options.Find().SetSort(bson.M{"last_message.timestamp": -1})

	cursor, err := s.coll.Find(ctx, bson.M{"participants": normalize.Identity(identity)}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var convs []*Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// UpdateSummary replaces the conversation's last-message snapshot.
// A nil summary clears it (the last surviving message was deleted).
func (s *ConversationsStore) UpdateSummary(ctx context.Context, id bson.ObjectID, summary *Summary) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_message": summary}},
	)
	return err
}

// AddPinned adds a message id to the conversation's pinned set.
// $addToSet keeps the operation idempotent under retries.
func (s *ConversationsStore) AddPinned(ctx context.Context, id, messageID bson.ObjectID) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$addToSet": bson.M{"pinned_messages": messageID}},
	)
	return err
}

// RemovePinned removes a message id from the conversation's pinned set.
// Removing an id that was never pinned is a no-op.
func (s *ConversationsStore) RemovePinned(ctx context.Context, id, messageID bson.ObjectID) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$pull": bson.M{"pinned_messages": messageID}},
	)
	return err
}
