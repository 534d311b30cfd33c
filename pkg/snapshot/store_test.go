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

package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

// fakeCollection keeps documents as encoded BSON keyed by sessionId.
type fakeCollection struct {
	mu      sync.Mutex
	docs    map[string][]byte
	upserts int
	err     error
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: map[string][]byte{}}
}

func filterSessionID(filter interface{}) string {
	m, ok := filter.(bson.M)
	if !ok {
		return ""
	}
	id, _ := m["sessionId"].(string)
	return id
}

func (f *fakeCollection) FindOne(_ context.Context, filter interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, f.err, bson.DefaultRegistry)
	}
	raw, ok := f.docs[filterSessionID(filter)]
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, bson.DefaultRegistry)
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, err, bson.DefaultRegistry)
	}
	return mongo.NewSingleResultFromDocument(doc, nil, bson.DefaultRegistry)
}

func (f *fakeCollection) ReplaceOne(_ context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	raw, err := bson.Marshal(replacement)
	if err != nil {
		return nil, err
	}
	id := filterSessionID(filter)
	_, exists := f.docs[id]
	if !exists {
		upsert := len(opts) > 0 && opts[0].Upsert != nil && *opts[0].Upsert
		if !upsert {
			return &mongo.UpdateResult{}, nil
		}
		f.upserts++
	}
	f.docs[id] = raw
	if exists {
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return &mongo.UpdateResult{UpsertedCount: 1}, nil
}

func (f *fakeCollection) DeleteOne(_ context.Context, filter interface{}, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := filterSessionID(filter)
	if _, ok := f.docs[id]; !ok {
		return &mongo.DeleteResult{}, nil
	}
	delete(f.docs, id)
	return &mongo.DeleteResult{DeletedCount: 1}, nil
}

func newTestStore(coll collection, now time.Time) (*mongoStore, *testingclock.FakeClock) {
	fc := testingclock.NewFakeClock(now)
	return &mongoStore{coll: coll, clock: fc}, fc
}

func TestMongoStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s, fc := newTestStore(coll, start)

	snap := &types.FileSnapshot{
		SessionID: "s1",
		Files: []types.SnapshotFile{
			{Path: "package.json", Content: `{"name":"app"}`, LastModified: start},
			{Path: "src/index.ts", Content: "console.log(1)", LastModified: start},
		},
	}
	require.NoError(t, s.Save(ctx, snap))
	assert.Equal(t, 1, coll.upserts)
	assert.True(t, snap.CreatedAt.IsZero(), "caller snapshot must not be mutated")

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "src/index.ts", got.Files[1].Path)
	assert.Equal(t, "console.log(1)", got.Files[1].Content)
	assert.True(t, start.Equal(got.CreatedAt))
	assert.True(t, start.Equal(got.UpdatedAt))

	// Second save replaces the whole file list.
	fc.Step(time.Minute)
	got.Files = got.Files[:1]
	require.NoError(t, s.Save(ctx, got))
	assert.Equal(t, 1, coll.upserts)

	again, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, again.Files, 1)
	assert.True(t, start.Equal(again.CreatedAt))
	assert.True(t, start.Add(time.Minute).Equal(again.UpdatedAt))
}

func TestMongoStoreSaveKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s, fc := newTestStore(coll, start)

	// each save carries a freshly built snapshot without timestamps
	require.NoError(t, s.Save(ctx, &types.FileSnapshot{
		SessionID: "s1",
		Files:     []types.SnapshotFile{{Path: "a.txt", Content: "v1"}},
	}))
	fc.Step(time.Hour)
	require.NoError(t, s.Save(ctx, &types.FileSnapshot{
		SessionID: "s1",
		Files:     []types.SnapshotFile{{Path: "a.txt", Content: "v2"}},
	}))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Files[0].Content)
	assert.True(t, start.Equal(got.CreatedAt), "createdAt = %v", got.CreatedAt)
	assert.True(t, start.Add(time.Hour).Equal(got.UpdatedAt), "updatedAt = %v", got.UpdatedAt)
}

func TestMongoStoreGetMissing(t *testing.T) {
	s, _ := newTestStore(newFakeCollection(), time.Now())
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMongoStoreErrors(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	coll.err = errors.New("connection reset")
	s, _ := newTestStore(coll, time.Now())

	_, err := s.Get(ctx, "s1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	err = s.Save(ctx, &types.FileSnapshot{SessionID: "s1"})
	assert.ErrorContains(t, err, "connection reset")

	err = s.Delete(ctx, "s1")
	assert.ErrorContains(t, err, "connection reset")
}

func TestMongoStoreSaveValidation(t *testing.T) {
	s, _ := newTestStore(newFakeCollection(), time.Now())
	ctx := context.Background()

	assert.Error(t, s.Save(ctx, nil))
	assert.Error(t, s.Save(ctx, &types.FileSnapshot{}))
	assert.Error(t, s.Save(ctx, &types.FileSnapshot{
		SessionID: "s1",
		Files:     []types.SnapshotFile{{Content: "orphan"}},
	}))
}

func TestMongoStoreDelete(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	s, _ := newTestStore(coll, time.Now())

	require.NoError(t, s.Save(ctx, &types.FileSnapshot{SessionID: "s1"}))
	require.NoError(t, s.Delete(ctx, "s1"))
	_, err := s.Get(ctx, "s1")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, s.Delete(ctx, "s1"))
}

func TestMakeMongoConfig(t *testing.T) {
	t.Run("missing MONGO_URI", func(t *testing.T) {
		cfg, err := makeMongoConfig()
		assert.Nil(t, cfg)
		assert.ErrorContains(t, err, "missing env var MONGO_URI")
	})

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("MONGO_URI", "mongodb://localhost:27017")
		cfg, err := makeMongoConfig()
		require.NoError(t, err)
		assert.Equal(t, "mongodb://localhost:27017", cfg.uri)
		assert.Equal(t, defaultDatabase, cfg.database)
		assert.Equal(t, defaultCollection, cfg.collection)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("MONGO_URI", "mongodb://mongo:27017")
		t.Setenv("MONGO_DATABASE", "chat")
		t.Setenv("MONGO_SNAPSHOT_COLLECTION", "snapshots")
		cfg, err := makeMongoConfig()
		require.NoError(t, err)
		assert.Equal(t, "chat", cfg.database)
		assert.Equal(t, "snapshots", cfg.collection)
	})
}
