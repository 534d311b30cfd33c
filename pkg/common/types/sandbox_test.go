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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxBindingValidate(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		binding *SandboxBinding
		wantErr string
	}{
		{
			name:    "nil binding",
			binding: nil,
			wantErr: "binding is nil",
		},
		{
			name:    "missing sandbox id",
			binding: &SandboxBinding{CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
			wantErr: "sandboxId is required",
		},
		{
			name:    "expiry equal to creation",
			binding: &SandboxBinding{SandboxID: "sbx-1", CreatedAt: now, ExpiresAt: now},
			wantErr: "must be after createdAt",
		},
		{
			name:    "valid",
			binding: &SandboxBinding{SandboxID: "sbx-1", CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.binding.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewSandboxBindingRejectsNonPositiveTTL(t *testing.T) {
	now := time.Now()
	_, err := NewSandboxBinding("sbx-1", now, 0)
	assert.Error(t, err)

	b, err := NewSandboxBinding("sbx-1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), b.ExpiresAt)
}

func TestSandboxBindingValidAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	b := &SandboxBinding{SandboxID: "sbx-1", CreatedAt: now.Add(-time.Hour), ExpiresAt: now}

	assert.True(t, b.ValidAt(now.Add(-time.Second)))
	assert.False(t, b.ValidAt(now), "a binding is not valid at its expiry instant")
	assert.False(t, b.ValidAt(now.Add(time.Second)))

	var nilBinding *SandboxBinding
	assert.False(t, nilBinding.ValidAt(now))
}

func TestNewSandboxContext(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	b := &SandboxBinding{SandboxID: "sbx-1", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)}

	sc := NewSandboxContext(b, SourceDurable, now.Add(4*time.Minute))
	assert.True(t, sc.IsValid)
	assert.Equal(t, "sbx-1", sc.SandboxID)
	assert.Equal(t, SourceDurable, sc.Source)
	assert.Equal(t, 6*time.Minute, sc.TimeRemaining)
	require.NotNil(t, sc.ExpiresAt)
	assert.Equal(t, b.ExpiresAt, *sc.ExpiresAt)

	invalid := InvalidSandboxContext()
	assert.False(t, invalid.IsValid)
	assert.Empty(t, invalid.SandboxID)
	assert.Nil(t, invalid.ExpiresAt)
}

func TestSessionRecordPreservesOpaqueFields(t *testing.T) {
	raw := `{"sessionId":"s1","lastUpdated":"2025-01-01T12:00:00Z","title":"my chat","messages":[{"role":"user","content":"hi"}]}`

	var rec SessionRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, "s1", rec.SessionID)
	assert.Nil(t, rec.Binding)
	assert.Len(t, rec.Extra, 2)

	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	rec.Binding = &SandboxBinding{SandboxID: "sbx-9", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	rec.LastUpdated = now

	out, err := json.Marshal(rec)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.Equal(t, "my chat", generic["title"])
	assert.Len(t, generic["messages"], 1)
	assert.Equal(t, "2025-01-02T00:00:00Z", generic["lastUpdated"])

	binding, ok := generic["binding"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "sbx-9", binding["sandboxId"])
}

func TestSessionRecordNullBinding(t *testing.T) {
	var rec SessionRecord
	require.NoError(t, json.Unmarshal([]byte(`{"sessionId":"s1","binding":null}`), &rec))
	assert.Nil(t, rec.Binding)
	assert.Nil(t, rec.Extra)
}
