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

// Package orchestrator resolves a session to a live sandbox through the
// process-local cache, the durable session store and, as a last resort,
// the provisioner.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/sandboxkeeper/pkg/cache"
	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
	"github.com/volcano-sh/sandboxkeeper/pkg/metrics"
	"github.com/volcano-sh/sandboxkeeper/pkg/provider"
	"github.com/volcano-sh/sandboxkeeper/pkg/provisioner"
	"github.com/volcano-sh/sandboxkeeper/pkg/provisioning"
	"github.com/volcano-sh/sandboxkeeper/pkg/snapshot"
	"github.com/volcano-sh/sandboxkeeper/pkg/store"
)

const defaultLeasePollInterval = 250 * time.Millisecond

// Creator provisions new sandboxes.
type Creator interface {
	Create(ctx context.Context, ports []int) (*provisioner.Result, error)
}

// BackgroundRunner accepts post-creation setup without blocking.
type BackgroundRunner interface {
	Submit(ctx context.Context, req provisioning.Request) string
}

// Deps are the collaborators of an Orchestrator. Snapshots may be nil.
type Deps struct {
	Cache     *cache.Cache
	Store     store.Store
	Snapshots snapshot.Store
	Creator   Creator
	Runner    BackgroundRunner
	Provider  provider.Client
}

// Config tunes an Orchestrator.
type Config struct {
	// CreationLease, when positive, serialises creation per session through a
	// lease in the durable store. Zero keeps the lock-free behavior where two
	// concurrent first resolves may both create a sandbox and the last write wins.
	CreationLease     time.Duration
	LeasePollInterval time.Duration
	Clock             clock.PassiveClock
}

type Orchestrator struct {
	cache     *cache.Cache
	store     store.Store
	snapshots snapshot.Store
	creator   Creator
	runner    BackgroundRunner
	provider  provider.Client

	lease        time.Duration
	pollInterval time.Duration
	clock        clock.PassiveClock
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Cache == nil || deps.Store == nil || deps.Creator == nil || deps.Runner == nil || deps.Provider == nil {
		return nil, errors.New("orchestrator requires cache, store, creator, runner and provider")
	}
	if cfg.LeasePollInterval <= 0 {
		cfg.LeasePollInterval = defaultLeasePollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Orchestrator{
		cache:        deps.Cache,
		store:        deps.Store,
		snapshots:    deps.Snapshots,
		creator:      deps.Creator,
		runner:       deps.Runner,
		provider:     deps.Provider,
		lease:        cfg.CreationLease,
		pollInterval: cfg.LeasePollInterval,
		clock:        cfg.Clock,
	}, nil
}

// resolution is a resolved context plus the handle when it was just created.
type resolution struct {
	sc      *types.SandboxContext
	sandbox provider.Sandbox
}

// Resolve maps sessionID to a sandbox. A valid result is never past its
// expiry. Creation failures return an invalid context carrying a readable
// message together with the error.
func (o *Orchestrator) Resolve(ctx context.Context, sessionID string, opts types.ResolveOptions) (*types.SandboxContext, error) {
	res, err := o.resolve(ctx, sessionID, opts)
	if err != nil {
		return failedContext(err), err
	}
	return res.sc, nil
}

func (o *Orchestrator) resolve(ctx context.Context, sessionID string, opts types.ResolveOptions) (*resolution, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	if sc := o.fromCache(sessionID); sc != nil {
		return &resolution{sc: sc}, nil
	}
	if sc := o.fromStore(ctx, sessionID); sc != nil {
		return &resolution{sc: sc}, nil
	}

	if !opts.AutoCreate {
		metrics.Resolves.WithLabelValues(string(types.SourceNone)).Inc()
		klog.V(4).Infof("session %s has no valid sandbox and auto-create is off", sessionID)
		return &resolution{sc: types.InvalidSandboxContext()}, nil
	}

	if o.lease > 0 {
		release, sc := o.acquireLease(ctx, sessionID)
		if sc != nil {
			return &resolution{sc: sc}, nil
		}
		defer release()
	}
	return o.create(ctx, sessionID, opts)
}

func (o *Orchestrator) fromCache(sessionID string) *types.SandboxContext {
	entry, ok := o.cache.Get(sessionID)
	if !ok {
		return nil
	}
	now := o.clock.Now()
	binding := entry.Binding()
	if !binding.ValidAt(now) {
		return nil
	}
	o.cache.Touch(sessionID)
	metrics.Resolves.WithLabelValues(string(types.SourceCache)).Inc()
	klog.V(4).Infof("session %s resolved from cache to sandbox %s", sessionID, binding.SandboxID)
	return types.NewSandboxContext(binding, types.SourceCache, now)
}

func (o *Orchestrator) fromStore(ctx context.Context, sessionID string) *types.SandboxContext {
	binding, err := o.store.GetBinding(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		klog.V(4).Infof("session %s has no durable binding", sessionID)
		return nil
	case err != nil:
		metrics.StoreUnavailable.WithLabelValues("get_binding").Inc()
		klog.Errorf("store unavailable, treating session %s as a miss: %v", sessionID, fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
		return nil
	}

	now := o.clock.Now()
	if !binding.ValidAt(now) {
		klog.V(2).Infof("durable binding of session %s to sandbox %s expired at %s",
			sessionID, binding.SandboxID, binding.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	o.cache.Put(sessionID, binding)
	metrics.Resolves.WithLabelValues(string(types.SourceDurable)).Inc()
	klog.V(4).Infof("session %s resolved from durable store to sandbox %s", sessionID, binding.SandboxID)
	return types.NewSandboxContext(binding, types.SourceDurable, now)
}

func (o *Orchestrator) create(ctx context.Context, sessionID string, opts types.ResolveOptions) (*resolution, error) {
	res, err := o.creator.Create(ctx, opts.Ports)
	if err != nil {
		reason := "provider"
		if errors.Is(err, provisioner.ErrRateLimited) {
			reason = "rate_limited"
		}
		metrics.ResolveErrors.WithLabelValues(reason).Inc()
		klog.Errorf("failed to create sandbox for session %s: %v", sessionID, err)
		return nil, err
	}

	if err := o.store.SetBinding(ctx, sessionID, res.Binding); err != nil {
		// the sandbox exists; serve it from this process and let the next creation overwrite
		metrics.StoreUnavailable.WithLabelValues("set_binding").Inc()
		klog.Errorf("store unavailable, binding of session %s to sandbox %s kept in memory only: %v",
			sessionID, res.Binding.SandboxID, fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
	}
	o.cache.Put(sessionID, res.Binding)

	runID := o.runner.Submit(ctx, provisioning.Request{
		SessionID: sessionID,
		Sandbox:   res.Sandbox,
		Options:   opts,
	})
	metrics.Resolves.WithLabelValues(string(types.SourceCreated)).Inc()
	klog.Infof("session %s bound to new sandbox %s, background provisioning %s started",
		sessionID, res.Binding.SandboxID, runID)

	return &resolution{
		sc:      types.NewSandboxContext(res.Binding, types.SourceCreated, o.clock.Now()),
		sandbox: res.Sandbox,
	}, nil
}

// acquireLease takes the creation lease. When another caller holds it, it
// waits for that caller's binding and returns it. A lease released without
// a binding is taken over; if neither happens before the lease would have
// expired, creation proceeds without the lease.
func (o *Orchestrator) acquireLease(ctx context.Context, sessionID string) (func(), *types.SandboxContext) {
	noop := func() {}
	release := func() {
		if err := o.store.ReleaseCreationLock(context.WithoutCancel(ctx), sessionID); err != nil {
			klog.Warningf("failed to release creation lease of session %s: %v", sessionID, err)
		}
	}

	ok, err := o.store.AcquireCreationLock(ctx, sessionID, o.lease)
	if err != nil {
		metrics.StoreUnavailable.WithLabelValues("acquire_lease").Inc()
		klog.Errorf("store unavailable, creating sandbox for session %s without lease: %v", sessionID, err)
		return noop, nil
	}
	if ok {
		return release, nil
	}

	klog.V(2).Infof("creation of session %s in progress elsewhere, waiting for its binding", sessionID)
	var (
		found    *types.SandboxBinding
		acquired bool
	)
	err = wait.PollUntilContextTimeout(ctx, o.pollInterval, o.lease, true, func(ctx context.Context) (bool, error) {
		b, err := o.store.GetBinding(ctx, sessionID)
		if err == nil && b.ValidAt(o.clock.Now()) {
			found = b
			return true, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		// the holder gave up without binding a sandbox
		ok, err := o.store.AcquireCreationLock(ctx, sessionID, o.lease)
		if err != nil {
			return false, nil
		}
		acquired = ok
		return ok, nil
	})
	if acquired {
		klog.V(2).Infof("took over creation lease of session %s", sessionID)
		return release, nil
	}
	if err != nil || found == nil {
		klog.Warningf("no binding for session %s appeared while waiting on the creation lease, creating", sessionID)
		return noop, nil
	}

	o.cache.Put(sessionID, found)
	metrics.Resolves.WithLabelValues(string(types.SourceDurable)).Inc()
	return noop, types.NewSandboxContext(found, types.SourceDurable, o.clock.Now())
}

// Sandbox resolves sessionID and returns a live handle. A bound sandbox the
// provider no longer knows is purged and, with AutoCreate, replaced once.
func (o *Orchestrator) Sandbox(ctx context.Context, sessionID string, opts types.ResolveOptions) (provider.Sandbox, *types.SandboxContext, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := o.resolve(ctx, sessionID, opts)
		if err != nil {
			return nil, failedContext(err), err
		}
		if !res.sc.IsValid {
			return nil, res.sc, ErrNoSandbox
		}
		if res.sandbox != nil {
			return res.sandbox, res.sc, nil
		}

		sbx, err := o.provider.Get(ctx, res.sc.SandboxID)
		if err == nil {
			return sbx, res.sc, nil
		}
		if !provider.IsNotFound(err) {
			return nil, res.sc, fmt.Errorf("get sandbox %s: %w", res.sc.SandboxID, err)
		}

		klog.Warningf("sandbox %s of session %s is gone at the provider, dropping binding", res.sc.SandboxID, sessionID)
		if err := o.Purge(ctx, sessionID); err != nil {
			klog.Errorf("failed to purge binding of session %s: %v", sessionID, err)
		}
		if !opts.AutoCreate {
			return nil, types.InvalidSandboxContext(), ErrNoSandbox
		}
	}
	return nil, types.InvalidSandboxContext(), ErrNoSandbox
}

// Invalidate drops the cached binding of sessionID. The durable binding is kept.
func (o *Orchestrator) Invalidate(sessionID string) {
	o.cache.Invalidate(sessionID)
	klog.V(2).Infof("invalidated cached sandbox of session %s", sessionID)
}

// Purge drops the binding of sessionID from both tiers.
func (o *Orchestrator) Purge(ctx context.Context, sessionID string) error {
	o.cache.Invalidate(sessionID)
	if err := o.store.ClearBinding(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	klog.Infof("purged sandbox binding of session %s", sessionID)
	return nil
}

// Stats reports the process-local cache.
func (o *Orchestrator) Stats() types.CacheStats {
	return o.cache.Stats()
}

// Ready reports whether the durable store is reachable.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if err := o.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// SaveSnapshot replaces the file snapshot of sessionID.
func (o *Orchestrator) SaveSnapshot(ctx context.Context, sessionID string, files []types.SnapshotFile) error {
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	if o.snapshots == nil {
		return ErrSnapshotsDisabled
	}
	return o.snapshots.Save(ctx, &types.FileSnapshot{SessionID: sessionID, Files: files})
}

// DeleteSnapshot removes the file snapshot of sessionID.
func (o *Orchestrator) DeleteSnapshot(ctx context.Context, sessionID string) error {
	if o.snapshots == nil {
		return ErrSnapshotsDisabled
	}
	return o.snapshots.Delete(ctx, sessionID)
}

// IndexSession adds sessionID to the owner's session index.
func (o *Orchestrator) IndexSession(ctx context.Context, owner, sessionID string) error {
	return o.store.AddSessionToIndex(ctx, owner, sessionID)
}

// UnindexSession removes sessionID from the owner's session index.
func (o *Orchestrator) UnindexSession(ctx context.Context, owner, sessionID string) error {
	return o.store.RemoveSessionFromIndex(ctx, owner, sessionID)
}

// ListSessions returns the owner's indexed sessions.
func (o *Orchestrator) ListSessions(ctx context.Context, owner string) ([]string, error) {
	return o.store.ListSessions(ctx, owner)
}

func failedContext(err error) *types.SandboxContext {
	sc := types.InvalidSandboxContext()
	sc.Error = ErrorMessage(err)
	return sc
}

// ErrorMessage renders a creation failure for end users.
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, provisioner.ErrRateLimited):
		return "The sandbox provider is rate limiting requests, please retry later."
	case errors.Is(err, ErrInvalidSessionID):
		return "A session id is required."
	default:
		return fmt.Sprintf("Failed to create sandbox: %v", err)
	}
}
