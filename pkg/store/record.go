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
	"encoding/json"
	"fmt"
	"time"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

// decodeRecord unmarshals a stored session record.
func decodeRecord(sessionID string, data []byte) (*types.SessionRecord, error) {
	var record types.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal session record %s: %w", sessionID, err)
	}
	if record.SessionID == "" {
		record.SessionID = sessionID
	}
	return &record, nil
}

// encodeRecordWithBinding replaces the binding of record (nil for a fresh
// record) and returns the bytes to write back.
func encodeRecordWithBinding(sessionID string, record *types.SessionRecord, binding *types.SandboxBinding, now time.Time) ([]byte, error) {
	if record == nil {
		record = &types.SessionRecord{SessionID: sessionID}
	}
	record.Binding = binding
	record.LastUpdated = now
	b, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal session record %s: %w", sessionID, err)
	}
	return b, nil
}
