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

// Package provisioner creates sandboxes through the provider, retrying
// rate-limited attempts with bounded exponential backoff.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
	"github.com/volcano-sh/sandboxkeeper/pkg/metrics"
	"github.com/volcano-sh/sandboxkeeper/pkg/provider"
)

const DefaultSandboxTTL = 45 * time.Minute

var (
	// ErrRateLimited is returned once every retry was rate limited.
	ErrRateLimited = errors.New("sandbox provider is rate limiting creation, retry later")
	// ErrProvider is returned for creation failures that are not worth retrying.
	ErrProvider = errors.New("sandbox provider failed to create sandbox")
)

// Attempt describes one creation attempt as it finishes.
type Attempt struct {
	Number int
	Err    error
	// Retrying is set when another attempt follows after Backoff.
	Retrying bool
	Backoff  time.Duration
}

// Config configures a Provisioner.
type Config struct {
	SandboxTTL time.Duration
	Retry      RetryPolicy
	Runtime    string
	Clock      clock.Clock
	// OnAttempt, if set, is called after every attempt.
	OnAttempt func(Attempt)
}

// Result is a freshly created sandbox and its binding.
type Result struct {
	Sandbox  provider.Sandbox
	Binding  *types.SandboxBinding
	Attempts int
}

type Provisioner struct {
	client    provider.Client
	ttl       time.Duration
	policy    RetryPolicy
	runtime   string
	clock     clock.Clock
	onAttempt func(Attempt)
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(client provider.Client, cfg Config) (*Provisioner, error) {
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if cfg.SandboxTTL <= 0 {
		cfg.SandboxTTL = DefaultSandboxTTL
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	p := &Provisioner{
		client:    client,
		ttl:       cfg.SandboxTTL,
		policy:    cfg.Retry,
		runtime:   cfg.Runtime,
		clock:     cfg.Clock,
		onAttempt: cfg.OnAttempt,
	}
	p.sleep = p.clockSleep
	return p, nil
}

// TTL is the lifetime given to new sandboxes.
func (p *Provisioner) TTL() time.Duration {
	return p.ttl
}

// Create provisions a sandbox exposing ports. Only rate-limit failures are
// retried; the returned binding expires TTL after the successful attempt.
func (p *Provisioner) Create(ctx context.Context, ports []int) (*Result, error) {
	cfg := provider.CreateConfig{
		Ports:   ports,
		Timeout: p.ttl,
		Runtime: p.runtime,
	}

	backoff := p.policy.InitialDelay
	maxTotal := p.policy.MaxAttempts + 1
	for attempt := 1; ; attempt++ {
		sbx, err := p.client.Create(ctx, cfg)
		if err == nil {
			metrics.CreateAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
			p.observe(Attempt{Number: attempt})
			return p.result(sbx, attempt)
		}

		if !provider.IsRateLimited(err) {
			metrics.CreateAttempts.WithLabelValues(metrics.OutcomeError).Inc()
			p.observe(Attempt{Number: attempt, Err: err})
			klog.Errorf("sandbox creation failed on attempt %d, not retrying: %v", attempt, err)
			return nil, fmt.Errorf("%w: %w", ErrProvider, err)
		}

		metrics.CreateAttempts.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		if attempt >= maxTotal {
			p.observe(Attempt{Number: attempt, Err: err})
			klog.Errorf("sandbox creation still rate limited after %d attempts: %v", attempt, err)
			return nil, fmt.Errorf("%w (gave up after %d attempts): %w", ErrRateLimited, attempt, err)
		}

		p.observe(Attempt{Number: attempt, Err: err, Retrying: true, Backoff: backoff})
		klog.Warningf("sandbox creation rate limited on attempt %d/%d, retrying in %s", attempt, maxTotal, backoff)
		metrics.CreateBackoffSeconds.Observe(backoff.Seconds())
		if err := p.sleep(ctx, backoff); err != nil {
			return nil, fmt.Errorf("sandbox creation canceled after %d attempts: %w", attempt, err)
		}
		backoff = p.policy.NextDelay(backoff)
	}
}

func (p *Provisioner) result(sbx provider.Sandbox, attempts int) (*Result, error) {
	binding, err := types.NewSandboxBinding(sbx.ID(), p.clock.Now(), p.ttl)
	if err != nil {
		klog.Errorf("provider created sandbox %q but it cannot be bound, leaving it unmanaged: %v", sbx.ID(), err)
		return nil, fmt.Errorf("%w: sandbox %q: %w", ErrProvider, sbx.ID(), err)
	}
	klog.Infof("created sandbox %s after %d attempt(s), expires at %s",
		binding.SandboxID, attempts, binding.ExpiresAt.Format(time.RFC3339))
	return &Result{Sandbox: sbx, Binding: binding, Attempts: attempts}, nil
}

func (p *Provisioner) observe(a Attempt) {
	if p.onAttempt != nil {
		p.onAttempt(a)
	}
}

func (p *Provisioner) clockSleep(ctx context.Context, d time.Duration) error {
	timer := p.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
