package db

import (
	"context"
	"os"
	"testing"
)

func connect(t *testing.T) *Client {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}
	c, err := New(context.Background(), uri, "marketchat_dbtest")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = c.db.Drop(context.Background())
		_ = c.Close(context.Background())
	})
	return c
}

func indexNames(t *testing.T, c *Client, coll string) map[string]bool {
	t.Helper()
	specs, err := c.Collection(coll).Indexes().ListSpecifications(context.Background())
	if err != nil {
		t.Fatalf("list %s indexes: %v", coll, err)
	}
	names := map[string]bool{}
	for _, s := range specs {
		names[s.Name] = true
	}
	return names
}

func TestCreateIndexesCoversEngineQueries(t *testing.T) {
	c := connect(t)
	ctx := context.Background()

	reviews := []string{"worker_reviews", "ad_reviews"}
	// a second run must not fail on existing indexes
	for range 2 {
		if err := c.CreateIndexes(ctx, reviews); err != nil {
			t.Fatalf("CreateIndexes: %v", err)
		}
	}

	want := map[string][]string{
		"users":          {"email_1"},
		"chats":          {"participants_1_updated_at_-1", "initiator_id_1_initiator_blocked_1", "recipient_id_1_recipient_blocked_1"},
		"messages":       {"chat_id_1_created_at_1"},
		"notifications":  {"user_id_1_created_at_-1"},
		"worker_reviews": {"user_id_1_created_at_-1"},
		"ad_reviews":     {"user_id_1_created_at_-1"},
	}
	for coll, idx := range want {
		got := indexNames(t, c, coll)
		for _, name := range idx {
			if !got[name] {
				t.Fatalf("%s: missing index %s (have %v)", coll, name, got)
			}
		}
	}
}

func TestNewDefaultsDatabase(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}
	c, err := New(context.Background(), uri, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	if got := c.db.Name(); got != DefaultDatabase {
		t.Fatalf("database = %q, want %q", got, DefaultDatabase)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
