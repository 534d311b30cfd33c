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
	"fmt"
	"time"
)

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first attempt.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries four times, waiting 1s, 2s, 4s and 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     8 * time.Second,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must not be negative, got %d", p.MaxAttempts)
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("initialDelay must be positive, got %s", p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("maxDelay %s must not be below initialDelay %s", p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// NextDelay returns the backoff that follows prev.
func (p RetryPolicy) NextDelay(prev time.Duration) time.Duration {
	next := time.Duration(float64(prev) * p.Multiplier)
	// float overflow lands negative
	if next > p.MaxDelay || next < prev {
		return p.MaxDelay
	}
	return next
}

// Delays lists the backoff before each retry.
func (p RetryPolicy) Delays() []time.Duration {
	delays := make([]time.Duration, 0, p.MaxAttempts)
	d := p.InitialDelay
	for i := 0; i < p.MaxAttempts; i++ {
		delays = append(delays, d)
		d = p.NextDelay(d)
	}
	return delays
}
