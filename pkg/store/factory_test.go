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
	"errors"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		storeType string
		setType   bool
		wantRedis bool
		wantErr   string
	}{
		{name: "default is redis", wantRedis: true},
		{name: "explicit redis", storeType: "redis", setType: true, wantRedis: true},
		{name: "case-insensitive valkey", storeType: "VALKEY", setType: true},
		{name: "unsupported type", storeType: "etcd", setType: true, wantErr: "unsupported provider type"},
	}

	patches := gomonkey.ApplyFunc(initRedisStore, func() (*redisStore, error) {
		return &redisStore{keyspace: defaultKeyspace()}, nil
	})
	defer patches.Reset()
	patches.ApplyFunc(initValkeyStore, func() (*valkeyStore, error) {
		return &valkeyStore{keyspace: defaultKeyspace()}, nil
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setType {
				t.Setenv("STORE_TYPE", tt.storeType)
			}
			s, err := NewFromEnv()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantRedis {
				assert.IsType(t, &redisStore{}, s)
			} else {
				assert.IsType(t, &valkeyStore{}, s)
			}
		})
	}
}

func TestNewFromEnvInitFailure(t *testing.T) {
	patches := gomonkey.ApplyFunc(initRedisStore, func() (*redisStore, error) {
		return nil, errors.New("boom")
	})
	defer patches.Reset()

	s, err := NewFromEnv()
	assert.Nil(t, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init redis store failed")
}

func TestMakeKeyspace(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		ks, err := makeKeyspace()
		require.NoError(t, err)
		assert.Equal(t, "session:s1", ks.sessionKey("s1"))
		assert.Equal(t, "session_lock:s1", ks.lockKey("s1"))
		assert.Equal(t, "owner_sessions:u1", ks.indexKey("u1"))
		assert.Zero(t, ks.recordTTL)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("SESSION_KEY_PREFIX", "chat:session:")
		t.Setenv("SESSION_RECORD_TTL", "72h")
		ks, err := makeKeyspace()
		require.NoError(t, err)
		assert.Equal(t, "chat:session:s1", ks.sessionKey("s1"))
		assert.Equal(t, 72*time.Hour, ks.recordTTL)
	})

	t.Run("invalid ttl", func(t *testing.T) {
		t.Setenv("SESSION_RECORD_TTL", "forever")
		_, err := makeKeyspace()
		assert.Error(t, err)
	})

	t.Run("negative ttl", func(t *testing.T) {
		t.Setenv("SESSION_RECORD_TTL", "-1h")
		_, err := makeKeyspace()
		assert.Error(t, err)
	})
}
