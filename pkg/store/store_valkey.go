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
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

type valkeyStore struct {
	keyspace
	cli valkey.Client
}

// initValkeyStore init valkey store client
func initValkeyStore() (*valkeyStore, error) {
	clientOpts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}
	ks, err := makeKeyspace()
	if err != nil {
		return nil, err
	}

	client, err := valkey.NewClient(*clientOpts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyStore{
		keyspace: ks,
		cli:      client,
	}, nil
}

// makeValkeyOptions creates valkey ClientOption from environment variables
func makeValkeyOptions() (*valkey.ClientOption, error) {
	valkeyAddr := os.Getenv("VALKEY_ADDR")
	if valkeyAddr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	valkeyPassword := os.Getenv("VALKEY_PASSWORD")
	// Require a password unless explicitly disabled via VALKEY_PASSWORD_REQUIRED=false.
	if strings.ToLower(os.Getenv("VALKEY_PASSWORD_REQUIRED")) != "false" && valkeyPassword == "" {
		return nil, fmt.Errorf("missing env var VALKEY_PASSWORD")
	}

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress: strings.Split(valkeyAddr, ","),
		Password:    valkeyPassword,
	}
	if disableCache, err := strconv.ParseBool(os.Getenv("VALKEY_DISABLE_CACHE")); err == nil && disableCache {
		valkeyClientOptions.DisableCache = true
		klog.Info("valkeyClientOptions DisableCache is set to true")
	}
	if forceSingle, err := strconv.ParseBool(os.Getenv("VALKEY_FORCE_SINGLE")); err == nil && forceSingle {
		valkeyClientOptions.ForceSingleClient = true
		klog.Info("valkeyClientOptions ForceSingleClient is set to true")
	}
	return valkeyClientOptions, nil
}

// Ping check valkey store available or not
func (vs *valkeyStore) Ping(ctx context.Context) error {
	resp, err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).ToString()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (vs *valkeyStore) loadRecord(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	key := vs.sessionKey(sessionID)

	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("valkey GET %s: %w", key, err)
	}
	return decodeRecord(sessionID, b)
}

func (vs *valkeyStore) writeRecord(ctx context.Context, sessionID string, b []byte) error {
	key := vs.sessionKey(sessionID)
	var cmd valkey.Completed
	if vs.recordTTL > 0 {
		cmd = vs.cli.B().Set().Key(key).Value(string(b)).ExSeconds(ttlSeconds(vs.recordTTL)).Build()
	} else {
		cmd = vs.cli.B().Set().Key(key).Value(string(b)).Keepttl().Build()
	}
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey SET %s: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) GetBinding(ctx context.Context, sessionID string) (*types.SandboxBinding, error) {
	record, err := vs.loadRecord(ctx, sessionID)
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

func (vs *valkeyStore) SetBinding(ctx context.Context, sessionID string, binding *types.SandboxBinding) error {
	if binding == nil {
		return errors.New("SetBinding: binding is nil")
	}
	if err := binding.Validate(); err != nil {
		return fmt.Errorf("SetBinding: %w", err)
	}

	record, err := vs.loadRecord(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("SetBinding: %w", err)
	}
	b, err := encodeRecordWithBinding(sessionID, record, binding, time.Now())
	if err != nil {
		return fmt.Errorf("SetBinding: %w", err)
	}
	if err := vs.writeRecord(ctx, sessionID, b); err != nil {
		return fmt.Errorf("SetBinding: %w", err)
	}
	return nil
}

func (vs *valkeyStore) ClearBinding(ctx context.Context, sessionID string) error {
	record, err := vs.loadRecord(ctx, sessionID)
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
	if err := vs.writeRecord(ctx, sessionID, b); err != nil {
		return fmt.Errorf("ClearBinding: %w", err)
	}
	return nil
}

// AcquireCreationLock: SET session_lock:{sessionID} 1 NX EX ttl
func (vs *valkeyStore) AcquireCreationLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	key := vs.lockKey(sessionID)
	cmd := vs.cli.B().Set().Key(key).Value("1").Nx().ExSeconds(ttlSeconds(ttl)).Build()
	err := vs.cli.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("AcquireCreationLock: valkey SET NX %s: %w", key, err)
	}
	return true, nil
}

func (vs *valkeyStore) ReleaseCreationLock(ctx context.Context, sessionID string) error {
	key := vs.lockKey(sessionID)
	if err := vs.cli.Do(ctx, vs.cli.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("ReleaseCreationLock: valkey DEL %s: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) AddSessionToIndex(ctx context.Context, owner, sessionID string) error {
	if owner == "" || sessionID == "" {
		return errors.New("AddSessionToIndex: owner and sessionID are required")
	}
	key := vs.indexKey(owner)
	if err := vs.cli.Do(ctx, vs.cli.B().Sadd().Key(key).Member(sessionID).Build()).Error(); err != nil {
		return fmt.Errorf("AddSessionToIndex: valkey SADD %s: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) RemoveSessionFromIndex(ctx context.Context, owner, sessionID string) error {
	key := vs.indexKey(owner)
	if err := vs.cli.Do(ctx, vs.cli.B().Srem().Key(key).Member(sessionID).Build()).Error(); err != nil {
		return fmt.Errorf("RemoveSessionFromIndex: valkey SREM %s: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) ListSessions(ctx context.Context, owner string) ([]string, error) {
	key := vs.indexKey(owner)
	members, err := vs.cli.Do(ctx, vs.cli.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("ListSessions: valkey SMEMBERS %s: %w", key, err)
	}
	return members, nil
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
