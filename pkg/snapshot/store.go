/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package snapshot persists the last known file tree of a session so a
// recreated sandbox can be restored to it.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

const (
	defaultDatabase   = "sandboxkeeper"
	defaultCollection = "file_snapshots"
	connectTimeout    = 10 * time.Second
)

// ErrNotFound indicates the session has no snapshot.
var ErrNotFound = errors.New("snapshot: not found")

// Store keeps at most one snapshot per session.
type Store interface {
	// Get returns the session snapshot or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*types.FileSnapshot, error)
	// Save replaces the session snapshot, creating it if needed.
	Save(ctx context.Context, snapshot *types.FileSnapshot) error
	// Delete removes the session snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, sessionID string) error
	Close(ctx context.Context) error
}

// collection is the subset of *mongo.Collection used by the store.
type collection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

type mongoStore struct {
	client *mongo.Client
	coll   collection
	clock  clock.PassiveClock
}

// NewMongoStoreFromEnv connects to MONGO_URI and ensures the session index exists.
func NewMongoStoreFromEnv(ctx context.Context) (Store, error) {
	cfg, err := makeMongoConfig()
	if err != nil {
		return nil, fmt.Errorf("make mongo config failed: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	coll := client.Database(cfg.database).Collection(cfg.collection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sessionId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create snapshot index failed: %w", err)
	}

	klog.Infof("snapshot store connected, database=%s collection=%s", cfg.database, cfg.collection)
	return &mongoStore{
		client: client,
		coll:   coll,
		clock:  clock.RealClock{},
	}, nil
}

type mongoConfig struct {
	uri        string
	database   string
	collection string
}

func makeMongoConfig() (*mongoConfig, error) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		return nil, fmt.Errorf("missing env var MONGO_URI")
	}
	cfg := &mongoConfig{
		uri:        uri,
		database:   defaultDatabase,
		collection: defaultCollection,
	}
	if db := os.Getenv("MONGO_DATABASE"); db != "" {
		cfg.database = db
	}
	if coll := os.Getenv("MONGO_SNAPSHOT_COLLECTION"); coll != "" {
		cfg.collection = coll
	}
	return cfg, nil
}

func sessionFilter(sessionID string) bson.M {
	return bson.M{"sessionId": sessionID}
}

func (s *mongoStore) Get(ctx context.Context, sessionID string) (*types.FileSnapshot, error) {
	var snap types.FileSnapshot
	err := s.coll.FindOne(ctx, sessionFilter(sessionID)).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find snapshot %s: %w", sessionID, err)
	}
	return &snap, nil
}

func (s *mongoStore) Save(ctx context.Context, snapshot *types.FileSnapshot) error {
	if snapshot == nil || snapshot.SessionID == "" {
		return errors.New("snapshot sessionId is required")
	}
	for i := range snapshot.Files {
		if snapshot.Files[i].Path == "" {
			return fmt.Errorf("snapshot %s: file %d has empty path", snapshot.SessionID, i)
		}
	}

	doc := *snapshot
	now := s.clock.Now().UTC()
	if doc.CreatedAt.IsZero() {
		createdAt, err := s.createdAt(ctx, doc.SessionID)
		if err != nil {
			return err
		}
		if createdAt.IsZero() {
			createdAt = now
		}
		doc.CreatedAt = createdAt
	}
	doc.UpdatedAt = now

	_, err := s.coll.ReplaceOne(ctx, sessionFilter(doc.SessionID), &doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", doc.SessionID, err)
	}
	klog.V(4).Infof("saved snapshot for session %s with %d files", doc.SessionID, len(doc.Files))
	return nil
}

// createdAt returns the creation time of the stored snapshot, or the zero
// time when the session has none yet.
func (s *mongoStore) createdAt(ctx context.Context, sessionID string) (time.Time, error) {
	var existing struct {
		CreatedAt time.Time `bson:"createdAt"`
	}
	opts := options.FindOne().SetProjection(bson.M{"createdAt": 1})
	err := s.coll.FindOne(ctx, sessionFilter(sessionID), opts).Decode(&existing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("find snapshot %s: %w", sessionID, err)
	}
	return existing.CreatedAt, nil
}

func (s *mongoStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.coll.DeleteOne(ctx, sessionFilter(sessionID))
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", sessionID, err)
	}
	if res != nil && res.DeletedCount == 0 {
		klog.V(4).Infof("no snapshot to delete for session %s", sessionID)
	}
	return nil
}

func (s *mongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
