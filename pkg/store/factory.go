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
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

const (
	redisStoreType  string = "redis"
	valkeyStoreType string = "valkey"
)

// NewFromEnv builds the durable store selected by STORE_TYPE.
// Redis is the default.
// --- common environments ---
// SESSION_KEY_PREFIX: session record key prefix, optional, default "session:"
// SESSION_RECORD_TTL: TTL applied on every record write (e.g. "168h"), optional
// --- redis STORE_TYPE environments ---
// REDIS_ADDR:     redis address, required
// REDIS_PASSWORD: redis password, required
// --- valkey STORE_TYPE environments ---
// VALKEY_ADDR:          valkey address, required
// VALKEY_PASSWORD:      valkey password, required
// VALKEY_DISABLE_CACHE: disable valkey client cache, optional
// VALKEY_FORCE_SINGLE:  force setting valkey single mode, optional
func NewFromEnv() (Store, error) {
	providerType, exists := os.LookupEnv("STORE_TYPE")
	if !exists {
		providerType = redisStoreType
	}
	// case-insensitive
	providerType = strings.ToLower(providerType)
	switch providerType {
	case redisStoreType:
		redisProvider, err := initRedisStore()
		if err != nil {
			return nil, fmt.Errorf("init redis store failed: %w", err)
		}
		klog.Info("init redis store successfully")
		return redisProvider, nil
	case valkeyStoreType:
		valkeyProvider, err := initValkeyStore()
		if err != nil {
			return nil, fmt.Errorf("init valkey store failed: %w", err)
		}
		klog.Info("init valkey store successfully")
		return valkeyProvider, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %v", providerType)
	}
}

// makeKeyspace reads the key layout overrides from environment variables
func makeKeyspace() (keyspace, error) {
	ks := defaultKeyspace()
	if prefix := os.Getenv("SESSION_KEY_PREFIX"); prefix != "" {
		ks.sessionPrefix = prefix
	}
	if raw := os.Getenv("SESSION_RECORD_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return keyspace{}, fmt.Errorf("invalid env var SESSION_RECORD_TTL %q: %w", raw, err)
		}
		if ttl < 0 {
			return keyspace{}, fmt.Errorf("invalid env var SESSION_RECORD_TTL %q: must not be negative", raw)
		}
		ks.recordTTL = ttl
	}
	return ks, nil
}
