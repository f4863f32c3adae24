package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"greendrake/tuition/internal/db"
)

func init() {
	loadTestEnv()
}

// loadTestEnv loads the project's .env file, if any, so integration tests see the same variables as
// the service.
func loadTestEnv() {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "..", "..")
	if err := godotenv.Load(filepath.Join(projectRoot, ".env")); err != nil {
		_ = godotenv.Load()
	}
}

// SetupTestDB connects to the database named by MONGO_URI_TEST and returns a fresh, uniquely named
// database with every index in place. The database is dropped when the test ends. Tests are skipped
// when MONGO_URI_TEST is not set. The server must be a replica set member, since agreements are
// written in transactions.
func SetupTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("MONGO_URI_TEST")
	if uri == "" {
		t.Skip("MONGO_URI_TEST not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err, "Failed to connect to MongoDB")

	database := client.Database(fmt.Sprintf("tuition_test_%s", primitive.NewObjectID().Hex()))
	require.NoError(t, db.EnsureIndexes(ctx, database))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = database.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return database
}

// SetupTestRedis returns a client for REDIS_ADDR_TEST, skipping the test when it is not set.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR_TEST")
	if addr == "" {
		t.Skip("REDIS_ADDR_TEST not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}
