// Package db manages the MongoDB connection and collection indexes.
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

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "marketchat"

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying connection pool, safe for concurrent use
	client *mongo.Client

	// db holds every collection of the engine
	db *mongo.Database
}

// New connects to MongoDB and returns a Client.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	if database == "" {
		database = DefaultDatabase
	}

	// fail fast if the server is unreachable
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	c := &Client{client: client, db: client.Database(database)}

	// mongo.Connect is lazy, the ping is the actual connection test
	if err := c.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}

// Ping checks that the primary answers within five seconds.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return nil
}

// Collection returns a collection by name (created lazily on first write).
func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// UsersCollection returns the credentials collection.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes backing the engine's queries.
func (c *Client) CreateIndexes(ctx context.Context, reviewCollections []string) error {
	// no two accounts may share an email
	_, err := c.UsersCollection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create users index: %w", err)
	}

	// chat list and badge queries: participants array-contains, per-direction block flags
	_, err = c.Collection("chats").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "initiator_id", Value: 1}, {Key: "initiator_blocked", Value: 1}}},
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "recipient_blocked", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create chat indexes: %w", err)
	}

	// open chat: all messages of one chat in creation order
	_, err = c.Collection("messages").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	byUser := mongo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}}
	for _, name := range append([]string{"notifications"}, reviewCollections...) {
		if _, err := c.Collection(name).Indexes().CreateOne(ctx, byUser); err != nil {
			return fmt.Errorf("failed to create %s index: %w", name, err)
		}
	}

	return nil
}
