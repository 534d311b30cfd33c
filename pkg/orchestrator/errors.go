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

package orchestrator

import (
	"errors"
)

var (
	// ErrStoreUnavailable marks durable store failures that were degraded to a miss.
	ErrStoreUnavailable = errors.New("durable session store unavailable")
	// ErrNoSandbox is returned when a handle is requested for a session without a valid binding.
	ErrNoSandbox = errors.New("no sandbox bound to session")
	// ErrSnapshotsDisabled is returned by snapshot operations when no snapshot store is configured.
	ErrSnapshotsDisabled = errors.New("file snapshots are not configured")
	ErrInvalidSessionID  = errors.New("session id is required")
)
