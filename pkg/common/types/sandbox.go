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

package types

import (
	"fmt"
	"time"
)

// SandboxBinding associates a session with an externally hosted sandbox.
// A binding is never mutated in place; renewal replaces it wholesale.
type SandboxBinding struct {
	SandboxID string    `json:"sandboxId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewSandboxBinding builds a binding that expires ttl after createdAt.
func NewSandboxBinding(sandboxID string, createdAt time.Time, ttl time.Duration) (*SandboxBinding, error) {
	b := &SandboxBinding{
		SandboxID: sandboxID,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks the structural invariants of a binding.
func (b *SandboxBinding) Validate() error {
	if b == nil {
		return fmt.Errorf("binding is nil")
	}
	if b.SandboxID == "" {
		return fmt.Errorf("sandboxId is required")
	}
	if !b.ExpiresAt.After(b.CreatedAt) {
		return fmt.Errorf("expiresAt %s must be after createdAt %s",
			b.ExpiresAt.Format(time.RFC3339), b.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// ValidAt reports whether the binding can still be trusted at now.
func (b *SandboxBinding) ValidAt(now time.Time) bool {
	return b != nil && now.Before(b.ExpiresAt)
}

// CacheEntry is the process-local view of a binding.
type CacheEntry struct {
	SandboxID    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
}

// Binding converts the entry back into a binding.
func (e *CacheEntry) Binding() *SandboxBinding {
	return &SandboxBinding{
		SandboxID: e.SandboxID,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

// Source identifies which tier resolved a sandbox.
type Source string

const (
	SourceCache   Source = "cache"
	SourceDurable Source = "durable"
	SourceCreated Source = "created"
	SourceNone    Source = "none"
)

// ResolveOptions controls how a session is resolved to a sandbox.
type ResolveOptions struct {
	// AutoCreate provisions a new sandbox when no valid binding exists.
	AutoCreate bool `json:"autoCreate"`
	// Ports are exposed by a newly created sandbox.
	Ports []int `json:"ports,omitempty"`
	// StartDevServer starts the dev server once a new sandbox is provisioned.
	StartDevServer bool `json:"startDevServer"`
	// InstallDependencies runs dependency installation even without a dev server.
	InstallDependencies bool `json:"installDependencies"`
	// RestoredFromGitHub marks sessions whose files come from a repository import,
	// in which case dependency installation is left to the import flow.
	RestoredFromGitHub bool `json:"restoredFromGitHub"`
}

// SandboxContext is what a resolve call hands back to the chat/API layer.
type SandboxContext struct {
	SandboxID     string        `json:"sandboxId,omitempty"`
	IsValid       bool          `json:"isValid"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	TimeRemaining time.Duration `json:"-"`
	Source        Source        `json:"source"`
	Error         string        `json:"error,omitempty"`
}

// NewSandboxContext builds a valid context from a binding observed at now.
func NewSandboxContext(b *SandboxBinding, source Source, now time.Time) *SandboxContext {
	expiresAt := b.ExpiresAt
	return &SandboxContext{
		SandboxID:     b.SandboxID,
		IsValid:       true,
		ExpiresAt:     &expiresAt,
		TimeRemaining: expiresAt.Sub(now),
		Source:        source,
	}
}

// InvalidSandboxContext is returned when no sandbox is bound to the session.
func InvalidSandboxContext() *SandboxContext {
	return &SandboxContext{
		IsValid: false,
		Source:  SourceNone,
	}
}

// CacheStats summarises the process-local cache.
type CacheStats struct {
	TotalEntries   int `json:"totalEntries"`
	ValidEntries   int `json:"validEntries"`
	ExpiredEntries int `json:"expiredEntries"`
}
