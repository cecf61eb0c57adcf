// Package mongotest connects tests to a throwaway MongoDB database.
package mongotest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Database returns a uniquely named database that is dropped when the test
// ends. The test is skipped when MongoDB is not reachable at MONGO_URI
// (default mongodb://localhost:27017).
func Database(tb testing.TB) *mongo.Database {
	tb.Helper()

	mongoURI := os.Getenv("MONGO_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI).SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		tb.Skipf("Skipping test: MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		tb.Skipf("Skipping test: Cannot ping MongoDB: %v", err)
	}

	db := client.Database(fmt.Sprintf("servicehub_test_%d", time.Now().UnixNano()))
	tb.Cleanup(func() {
		db.Drop(context.Background())
		client.Disconnect(context.Background())
	})
	return db
}
