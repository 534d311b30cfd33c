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
	"fmt"
	"time"
)

const (
	sessionIDField   = "sessionId"
	lastUpdatedField = "lastUpdated"
	bindingField     = "binding"
)

// SessionRecord is the durable chat session document. Only SessionID,
// LastUpdated and Binding are interpreted here; every other field belongs to
// the chat domain and is carried through unchanged in Extra.
type SessionRecord struct {
	SessionID   string
	LastUpdated time.Time
	Binding     *SandboxBinding
	Extra       map[string]json.RawMessage
}

// UnmarshalJSON decodes the known fields and keeps the rest verbatim.
func (r *SessionRecord) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*r = SessionRecord{}
	if raw, ok := fields[sessionIDField]; ok {
		if err := json.Unmarshal(raw, &r.SessionID); err != nil {
			return fmt.Errorf("decode %s: %w", sessionIDField, err)
		}
		delete(fields, sessionIDField)
	}
	if raw, ok := fields[lastUpdatedField]; ok {
		if err := json.Unmarshal(raw, &r.LastUpdated); err != nil {
			return fmt.Errorf("decode %s: %w", lastUpdatedField, err)
		}
		delete(fields, lastUpdatedField)
	}
	if raw, ok := fields[bindingField]; ok {
		if string(raw) != "null" {
			r.Binding = &SandboxBinding{}
			if err := json.Unmarshal(raw, r.Binding); err != nil {
				return fmt.Errorf("decode %s: %w", bindingField, err)
			}
		}
		delete(fields, bindingField)
	}
	if len(fields) > 0 {
		r.Extra = fields
	}
	return nil
}

// MarshalJSON writes the known fields on top of the opaque ones.
func (r SessionRecord) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+3)
	for k, v := range r.Extra {
		fields[k] = v
	}

	put := func(key string, value interface{}) error {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		fields[key] = b
		return nil
	}
	if err := put(sessionIDField, r.SessionID); err != nil {
		return nil, err
	}
	if err := put(lastUpdatedField, r.LastUpdated); err != nil {
		return nil, err
	}
	if err := put(bindingField, r.Binding); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// SnapshotFile is one captured file of a sandbox.
type SnapshotFile struct {
	Path         string    `json:"path" bson:"path"`
	Content      string    `json:"content" bson:"content"`
	LastModified time.Time `json:"lastModified" bson:"lastModified"`
}

// FileSnapshot is the point-in-time copy of a session's sandbox files.
// There is at most one snapshot per session and it is replaced wholesale.
type FileSnapshot struct {
	SessionID string         `json:"sessionId" bson:"sessionId"`
	Files     []SnapshotFile `json:"files" bson:"files"`
	CreatedAt time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt" bson:"updatedAt"`
}
