// Package db manages MongoDB connections and collections.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Client wraps mongo.Client and exposes the chat collections.
type Client struct {
	// client is the underlying MongoDB connection (thread-safe, can be reused)
	client *mongo.Client

	// db is the database holding the chat collections; conversations and
	// messages are accessed through it
	db *mongo.Database
}

// New connects to MongoDB and returns a Client.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	// SetConnectTimeout: fail fast if MongoDB is unreachable
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping with its own short timeout; this is the actual connection test
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(database),
	}, nil
}

// ConversationsCollection returns the conversations collection.
func (c *Client) ConversationsCollection() *mongo.Collection {
	return c.db.Collection("conversations")
}

// MessagesCollection returns the chat messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// Ping reports whether the store is reachable; the health endpoint uses it.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes the relay depends on.
//
// The unique index over (conversation_id, sender, content, timestamp) is
// load-bearing: it is the natural deduplication key that turns a retried
// send into an idempotent no-op (see data.MessagesStore.InsertIfAbsent).
func (c *Client) CreateIndexes(ctx context.Context) error {
	messageIndexes := []mongo.IndexModel{
		{
			// Natural key: two submissions identical on all four fields are
			// the same logical message and must resolve to one stored row.
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "sender", Value: 1},
				{Key: "content", Value: 1},
				{Key: "timestamp", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			// Used by history listing and last-message recomputation
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
	}

	_, err := c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexes)
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	// Conversations are listed per participant, most recent first
	conversationIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "participants", Value: 1},
				{Key: "last_message.timestamp", Value: -1},
			},
		},
	}

	_, err = c.ConversationsCollection().Indexes().CreateMany(ctx, conversationIndexes)
	if err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	return nil
}
