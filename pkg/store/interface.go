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
	"time"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

var (
	// ErrNotFound indicates the session has no record or no binding in the store.
	ErrNotFound = errors.New("store: not found")
)

// Store is the durable session -> sandbox binding store. The session record is
// owned by the chat domain; implementations only read and replace its binding.
type Store interface {
	// Ping check store provider available or not
	Ping(ctx context.Context) error
	// GetBinding returns the binding recorded for the session, expired or not.
	// It returns ErrNotFound when there is no record or the record has no binding.
	GetBinding(ctx context.Context, sessionID string) (*types.SandboxBinding, error)
	// SetBinding replaces the binding of the session record, creating the record if needed.
	SetBinding(ctx context.Context, sessionID string, binding *types.SandboxBinding) error
	// ClearBinding drops the binding from the session record, keeping the rest of it.
	ClearBinding(ctx context.Context, sessionID string) error
	// AcquireCreationLock takes the per-session creation lease if nobody holds it.
	AcquireCreationLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	// ReleaseCreationLock drops the per-session creation lease.
	ReleaseCreationLock(ctx context.Context, sessionID string) error
	// AddSessionToIndex records sessionID in the owner's session set.
	AddSessionToIndex(ctx context.Context, owner, sessionID string) error
	// RemoveSessionFromIndex removes sessionID from the owner's session set.
	RemoveSessionFromIndex(ctx context.Context, owner, sessionID string) error
	// ListSessions returns the owner's session set.
	ListSessions(ctx context.Context, owner string) ([]string, error)
	// Close releases all resources held by the store (e.g. connection pools)
	Close() error
}

// keyspace holds the key layout shared by every backend.
type keyspace struct {
	sessionPrefix string
	lockPrefix    string
	indexPrefix   string
	// recordTTL is applied when a record is written; zero keeps the existing TTL.
	recordTTL time.Duration
}

func defaultKeyspace() keyspace {
	return keyspace{
		sessionPrefix: "session:",
		lockPrefix:    "session_lock:",
		indexPrefix:   "owner_sessions:",
	}
}

// sessionKey make sessionKey by sessionID
func (k keyspace) sessionKey(sessionID string) string {
	return k.sessionPrefix + sessionID
}

func (k keyspace) lockKey(sessionID string) string {
	return k.lockPrefix + sessionID
}

func (k keyspace) indexKey(owner string) string {
	return k.indexPrefix + owner
}

// ttlSeconds rounds a positive duration up to whole seconds, minimum one.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
