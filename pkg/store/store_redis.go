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

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

type redisStore struct {
	keyspace
	cli *redisv9.Client
}

// initRedisStore init redis store client
func initRedisStore() (*redisStore, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}
	ks, err := makeKeyspace()
	if err != nil {
		return nil, err
	}

	return &redisStore{
		keyspace: ks,
		cli:      redisv9.NewClient(redisOptions),
	}, nil
}

// makeRedisOptions creates redis options from environment variables
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	if redisPassword == "" {
		return nil, fmt.Errorf("missing env var REDIS_PASSWORD")
	}

	redisOptions := &redisv9.Options{
		Addr:     redisAddr,
		Password: redisPassword,
	}
	return redisOptions, nil
}

func (rs *redisStore) Ping(ctx context.Context) error {
	resp, err := rs.cli.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

// loadRecord returns the session record, or ErrNotFound.
// Underlying Redis: GET session:{sessionID} -> SessionRecord(JSON).
func (rs *redisStore) loadRecord(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	key := rs.sessionKey(sessionID)

	b, err := rs.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s failed: %w", key, err)
	}
	return decodeRecord(sessionID, b)
}

// writeRecord stores the record bytes, refreshing the record TTL when one is configured.
func (rs *redisStore) writeRecord(ctx context.Context, sessionID string, b []byte) error {
	key := rs.sessionKey(sessionID)
	expiration := time.Duration(redisv9.KeepTTL)
	if rs.recordTTL > 0 {
		expiration = rs.recordTTL
	}
	if err := rs.cli.Set(ctx, key, b, expiration).Err(); err != nil {
		return fmt.Errorf("redis SET %s failed: %w", key, err)
	}
	return nil
}

func (rs *redisStore) GetBinding(ctx context.Context, sessionID string) (*types.SandboxBinding, error) {
	record, err := rs.loadRecord(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetBinding: %w", err)
	}
	if record.Binding == nil {
		return nil, ErrNotFound
	}
	return record.Binding, nil
}

// SetBinding is a read-modify-write of the session record; last writer wins.
func (rs *redisStore) SetBinding(ctx context.Context, sessionID string, binding *types.SandboxBinding) error {
	if binding == nil {
		return errors.New("SetBinding: binding is nil")
	}
	if err := binding.Validate(); err != nil {
		return fmt.Errorf("SetBinding: %w", err)
	}

	record, err := rs.loadRecord(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("SetBinding: %w", err)
	}
	b, err := encodeRecordWithBinding(sessionID, record, binding, time.Now())
	if err != nil {
		return fmt.Errorf("SetBinding: %w", err)
	}
	if err := rs.writeRecord(ctx, sessionID, b); err != nil {
		return fmt.Errorf("SetBinding: %w", err)
	}
	return nil
}

func (rs *redisStore) ClearBinding(ctx context.Context, sessionID string) error {
	record, err := rs.loadRecord(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ClearBinding: %w", err)
	}
	if record.Binding == nil {
		return nil
	}
	b, err := encodeRecordWithBinding(sessionID, record, nil, time.Now())
	if err != nil {
		return fmt.Errorf("ClearBinding: %w", err)
	}
	if err := rs.writeRecord(ctx, sessionID, b); err != nil {
		return fmt.Errorf("ClearBinding: %w", err)
	}
	return nil
}

// AcquireCreationLock tries to acquire a lock for the given session ID.
// Underlying Redis: SET session_lock:{sessionID} 1 NX EX ttl.
func (rs *redisStore) AcquireCreationLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	key := rs.lockKey(sessionID)
	ok, err := rs.cli.SetNX(ctx, key, "1", time.Duration(ttlSeconds(ttl))*time.Second).Result()
	if err != nil {
		return false, fmt.Errorf("AcquireCreationLock: redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (rs *redisStore) ReleaseCreationLock(ctx context.Context, sessionID string) error {
	key := rs.lockKey(sessionID)
	if err := rs.cli.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ReleaseCreationLock: redis DEL %s: %w", key, err)
	}
	return nil
}

func (rs *redisStore) AddSessionToIndex(ctx context.Context, owner, sessionID string) error {
	if owner == "" || sessionID == "" {
		return errors.New("AddSessionToIndex: owner and sessionID are required")
	}
	key := rs.indexKey(owner)
	if err := rs.cli.SAdd(ctx, key, sessionID).Err(); err != nil {
		return fmt.Errorf("AddSessionToIndex: redis SADD %s: %w", key, err)
	}
	return nil
}

func (rs *redisStore) RemoveSessionFromIndex(ctx context.Context, owner, sessionID string) error {
	key := rs.indexKey(owner)
	if err := rs.cli.SRem(ctx, key, sessionID).Err(); err != nil {
		return fmt.Errorf("RemoveSessionFromIndex: redis SREM %s: %w", key, err)
	}
	return nil
}

func (rs *redisStore) ListSessions(ctx context.Context, owner string) ([]string, error) {
	key := rs.indexKey(owner)
	members, err := rs.cli.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("ListSessions: redis SMEMBERS %s: %w", key, err)
	}
	return members, nil
}

func (rs *redisStore) Close() error {
	return rs.cli.Close()
}
