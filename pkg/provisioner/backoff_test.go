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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelays(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "default",
			policy: DefaultRetryPolicy(),
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			name:   "capped",
			policy: RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second},
			want:   []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:   "constant",
			policy: RetryPolicy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, Multiplier: 1, MaxDelay: time.Second},
			want:   []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond},
		},
		{
			name:   "no retries",
			policy: RetryPolicy{MaxAttempts: 0, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Second},
			want:   []time.Duration{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delays())
		})
	}
}

func TestNextDelayNeverExceedsMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 100, InitialDelay: time.Second, Multiplier: 10, MaxDelay: time.Minute}
	d := p.InitialDelay
	for i := 0; i < 100; i++ {
		d = p.NextDelay(d)
		assert.LessOrEqual(t, d, time.Minute)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: -1, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Second}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, InitialDelay: 0, Multiplier: 2, MaxDelay: time.Second}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, InitialDelay: time.Second, Multiplier: 0.5, MaxDelay: time.Second}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, InitialDelay: 2 * time.Second, Multiplier: 2, MaxDelay: time.Second}.Validate())
}
