/*
Copyright 2025 Field-TM Authors.

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

package model

import "time"

// ProjectSyncState tracks where a project's change-feed subscription left
// off. LastCursor is the opaque resume cursor persisted with every applied
// batch; SubscriptionActive is liveness only and says nothing about data.
type ProjectSyncState struct {
	ProjectID          int       `json:"project_id"`
	LastCursor         string    `json:"last_cursor"`
	SubscriptionActive bool      `json:"subscription_active"`
	UpdatedAt          time.Time `json:"updated_at"`
}
