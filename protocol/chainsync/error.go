// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chainsync

import "errors"

var (
	// ErrIntersectNotFound is returned by Sync when the server has none of the provided points
	ErrIntersectNotFound = errors.New("chain intersection not found")
	// ErrIntersectTimeout is returned when no intersect reply arrives in time
	ErrIntersectTimeout = errors.New("chain intersection timeout")
	// ErrSyncInProgress is returned when an intersection is requested while syncing
	ErrSyncInProgress = errors.New("chain sync already in progress")
	// ErrNoChainStore is returned by the server when it has nothing to serve from
	ErrNoChainStore = errors.New("no chain store configured")
)

// ErrStopSyncProcess is used as a special return value from a RollForward or RollBackward handler
// function to signify that the sync process should be stopped
var ErrStopSyncProcess = errors.New("stop sync process")
