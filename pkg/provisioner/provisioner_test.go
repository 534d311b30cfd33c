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

package provisioner

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/volcano-sh/sandboxkeeper/pkg/provider"
	"github.com/volcano-sh/sandboxkeeper/pkg/provider/fake"
)

var (
	errRateLimited = &provider.APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}
	errBadRequest  = &provider.APIError{StatusCode: http.StatusBadRequest, Message: "invalid runtime"}
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestProvisioner(t *testing.T, client provider.Client, now time.Time) (*Provisioner, *sleepRecorder, *[]Attempt) {
	t.Helper()
	var attempts []Attempt
	p, err := New(client, Config{
		SandboxTTL: 45 * time.Minute,
		Clock:      testingclock.NewFakeClock(now),
		OnAttempt:  func(a Attempt) { attempts = append(attempts, a) },
	})
	require.NoError(t, err)
	rec := &sleepRecorder{}
	p.sleep = rec.sleep
	return p, rec, &attempts
}

func TestCreateSuccessFirstAttempt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	client := fake.NewClient()
	p, rec, attempts := newTestProvisioner(t, client, now)

	res, err := p.Create(context.Background(), []int{3000})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "sbx-1", res.Binding.SandboxID)
	assert.Equal(t, now, res.Binding.CreatedAt)
	assert.Equal(t, now.Add(45*time.Minute), res.Binding.ExpiresAt)
	assert.Empty(t, rec.delays)
	require.Len(t, *attempts, 1)
	assert.NoError(t, (*attempts)[0].Err)

	cfgs := client.Configs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, []int{3000}, cfgs[0].Ports)
	assert.Equal(t, 45*time.Minute, cfgs[0].Timeout)
}

func TestCreateRetriesRateLimitWithBackoff(t *testing.T) {
	client := fake.NewClient()
	client.FailCreate(errRateLimited, errRateLimited, errRateLimited)
	p, rec, attempts := newTestProvisioner(t, client, time.Now())

	res, err := p.Create(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, client.Creates())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)

	require.Len(t, *attempts, 4)
	for i, a := range (*attempts)[:3] {
		assert.Equal(t, i+1, a.Number)
		assert.True(t, a.Retrying)
		assert.Equal(t, rec.delays[i], a.Backoff)
	}
	assert.False(t, (*attempts)[3].Retrying)
}

func TestCreateRateLimitExhausted(t *testing.T) {
	client := fake.NewClient()
	client.FailCreate(errRateLimited, errRateLimited, errRateLimited, errRateLimited, errRateLimited, errRateLimited)
	p, rec, _ := newTestProvisioner(t, client, time.Now())

	_, err := p.Create(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrProvider))
	assert.True(t, provider.IsRateLimited(err), "original cause is preserved")
	assert.Contains(t, err.Error(), "5 attempts")

	// maxAttempts retries on top of the first attempt
	assert.Equal(t, 5, client.Creates())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.delays)
}

func TestCreateNonRateLimitFailsImmediately(t *testing.T) {
	client := fake.NewClient()
	client.FailCreate(errBadRequest)
	p, rec, attempts := newTestProvisioner(t, client, time.Now())

	_, err := p.Create(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvider))
	assert.False(t, errors.Is(err, ErrRateLimited))
	var apiErr *provider.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 1, client.Creates())
	assert.Empty(t, rec.delays)
	require.Len(t, *attempts, 1)
	assert.False(t, (*attempts)[0].Retrying)
}

func TestCreateRateLimitThenHardFailure(t *testing.T) {
	client := fake.NewClient()
	client.FailCreate(errRateLimited, errBadRequest)
	p, rec, _ := newTestProvisioner(t, client, time.Now())

	_, err := p.Create(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrProvider))
	assert.Equal(t, 2, client.Creates())
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestCreateCanceledDuringBackoff(t *testing.T) {
	client := fake.NewClient()
	client.FailCreate(errRateLimited, errRateLimited)
	p, _, _ := newTestProvisioner(t, client, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := p.Create(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, client.Creates())
}

func TestCreateWaitsOnClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := testingclock.NewFakeClock(start)
	client := fake.NewClient()
	client.FailCreate(errRateLimited, errRateLimited)

	p, err := New(client, Config{Clock: fc})
	require.NoError(t, err)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Create(context.Background(), nil)
		done <- outcome{res, err}
	}()

	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
		fc.Step(d)
	}

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, 3, o.res.Attempts)
		assert.Equal(t, start.Add(3*time.Second), o.res.Binding.CreatedAt)
		assert.Equal(t, start.Add(3*time.Second+DefaultSandboxTTL), o.res.Binding.ExpiresAt)
	case <-time.After(time.Second):
		t.Fatal("Create did not finish after the clock advanced")
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	_, err = New(fake.NewClient(), Config{Retry: RetryPolicy{MaxAttempts: 1, Multiplier: 2, MaxDelay: time.Second}})
	assert.Error(t, err)

	p, err := New(fake.NewClient(), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSandboxTTL, p.TTL())
	assert.Equal(t, DefaultRetryPolicy(), p.policy)
}

// blankIDClient creates sandboxes the provider reports without an ID.
type blankIDClient struct {
	*fake.Client
	creates int
}

func (c *blankIDClient) Create(context.Context, provider.CreateConfig) (provider.Sandbox, error) {
	c.creates++
	return c.NewSandbox(""), nil
}

func TestCreateUnbindableSandbox(t *testing.T) {
	client := &blankIDClient{Client: fake.NewClient()}
	p, rec, attempts := newTestProvisioner(t, client, time.Now())

	res, err := p.Create(context.Background(), []int{3000})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrProvider))
	assert.ErrorContains(t, err, `sandbox ""`)
	assert.Equal(t, 1, client.creates, "an unbindable sandbox is not retried")
	assert.Empty(t, rec.delays)
	assert.Len(t, *attempts, 1)
}
