package data

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/campushq/chat-relay/internal/normalize"
)

// MessagesStore provides message database operations.
type MessagesStore struct {
	// coll is the "messages" collection; set via NewMessagesStore
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using the given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// InsertIfAbsent inserts a message constrained by the natural key
// (conversation_id, sender, content, timestamp). On a uniqueness conflict it
// reads back and returns the existing row with wasNew=false instead of
// failing the caller: a duplicate send is a successful idempotent outcome,
// not an error. This is what makes a client retry-after-disconnect safe.
func (m *MessagesStore) InsertIfAbsent(ctx context.Context, msg *Message) (*Message, bool, error) {
	msg.Sender = normalize.Identity(msg.Sender)
	if msg.Receiver != "" {
		msg.Receiver = normalize.Identity(msg.Receiver)
	}
	// Mongo stores times at millisecond precision; truncate up front so the
	// natural key survives a write/read round trip.
	msg.Timestamp = msg.Timestamp.UTC().Truncate(time.Millisecond)
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}
	if msg.Reactions == nil {
		msg.Reactions = []Reaction{}
	}

	result, err := m.coll.InsertOne(ctx, msg)
	if err == nil {
		msg.ID = result.InsertedID.(bson.ObjectID)
		return msg, true, nil
	}

	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, err
	}

	// Two near-simultaneous submissions of the same logical message raced;
	// the unique index collapsed them. Return the stored row so both callers
	// end up holding the same message identity.
	var existing Message
	findErr := m.coll.FindOne(ctx, bson.M{
		"conversation_id": msg.ConversationID,
		"sender":          msg.Sender,
		"content":         msg.Content,
		"timestamp":       msg.Timestamp,
	}).Decode(&existing)
	if findErr != nil {
		// The row that beat us should be there; if it is not, surface the
		// original insert error rather than the read-back one.
		return nil, false, err
	}
	return &existing, false, nil
}

// Find returns the message with the given id, or ErrNotFound.
func (m *MessagesStore) Find(ctx context.Context, id bson.ObjectID) (*Message, error) {
	var msg Message
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// ListByConversation returns the conversation's messages in arrival order.
func (m *MessagesStore) ListByConversation(ctx context.Context, conversationID bson.ObjectID) ([]*Message, error) {
	opts := options.Find().SetSort(bson.M{"timestamp": 1})

	cursor, err := m.coll.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// LatestIn returns the most recent message in the conversation, or nil when
// none remain. Used to recompute the summary after a delete.
func (m *MessagesStore) LatestIn(ctx context.Context, conversationID bson.ObjectID) (*Message, error) {
	opts := options.FindOne().SetSort(bson.M{"timestamp": -1})

	var msg Message
	err := m.coll.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts).Decode(&msg)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// UpdateContent rewrites a message's content and timestamp (the edit path).
// Authorization and the edit window are the caller's responsibility.
func (m *MessagesStore) UpdateContent(ctx context.Context, id bson.ObjectID, content string, timestamp time.Time) error {
	result, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"content":   content,
			"timestamp": timestamp.UTC().Truncate(time.Millisecond),
		}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRead flips the message's read flag.
func (m *MessagesStore) SetRead(ctx context.Context, id bson.ObjectID) error {
	result, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendReaction appends a reaction. $push, not $addToSet: repeated identical
// reactions from the same reactor accumulate.
func (m *MessagesStore) AppendReaction(ctx context.Context, id bson.ObjectID, reaction Reaction) error {
	reaction.User = normalize.Identity(reaction.User)

	result, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$push": bson.M{"reactions": reaction}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes a message.
func (m *MessagesStore) Delete(ctx context.Context, id bson.ObjectID) error {
	result, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
