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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextTaskState(t *testing.T) {
	tests := []struct {
		name    string
		prev    string
		event   string
		want    string
		changed bool
	}{
		{"map locks for mapping", StateUnlockedToMap, EventMap, StateLockedForMapping, true},
		{"finish unlocks for validation", StateLockedForMapping, EventFinish, StateUnlockedToValidate, true},
		{"validate locks for validation", StateUnlockedToValidate, EventValidate, StateLockedForValidation, true},
		{"good completes the task", StateLockedForValidation, EventGood, StateUnlockedDone, true},
		{"bad resets from validation", StateLockedForValidation, EventBad, StateUnlockedToMap, true},
		{"bad resets from done", StateUnlockedDone, EventBad, StateUnlockedToMap, true},
		{"comment never changes state", StateLockedForMapping, EventComment, StateLockedForMapping, false},
		{"finish without map is ignored", StateUnlockedToMap, EventFinish, StateUnlockedToMap, false},
		{"good without validate is ignored", StateUnlockedToValidate, EventGood, StateUnlockedToValidate, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := NextTaskState(tt.prev, tt.event)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestReplayTaskState(t *testing.T) {
	events := []TaskEvent{
		{EventID: "e1", TaskID: 7, Event: EventMap, ServerCursor: 1},
		{EventID: "e2", TaskID: 7, Event: EventFinish, ServerCursor: 2},
		{EventID: "e3", TaskID: 7, Event: EventBad, ServerCursor: 3},
		{EventID: "e4", TaskID: 7, Event: EventMap, ServerCursor: 4},
	}

	assert.Equal(t, StateLockedForMapping, ReplayTaskState(events))
}

func TestReplayTaskStateOrdersByServerCursor(t *testing.T) {
	// created_at deliberately contradicts the cursor order; the cursor wins.
	now := time.Now()
	events := []TaskEvent{
		{EventID: "e2", TaskID: 3, Event: EventFinish, ServerCursor: 2, CreatedAt: now.Add(-time.Hour)},
		{EventID: "e1", TaskID: 3, Event: EventMap, ServerCursor: 1, CreatedAt: now},
	}

	assert.Equal(t, StateUnlockedToValidate, ReplayTaskState(events))
}

func TestReplayTaskStateEmpty(t *testing.T) {
	assert.Equal(t, StateUnlockedToMap, ReplayTaskState(nil))
}

func TestExtractMentions(t *testing.T) {
	mentions := ExtractMentions("looks wrong @asha please recheck, cc @luis.m")
	assert.Equal(t, []string{"asha", "luis.m"}, mentions)

	assert.Empty(t, ExtractMentions("no mentions here"))
}

func TestMentionsUser(t *testing.T) {
	now := time.Now()
	ev := TaskEvent{
		Event:     EventComment,
		Comment:   "@asha the geometry is off",
		CreatedAt: now.Add(-30 * time.Second),
	}

	assert.True(t, ev.MentionsUser("asha", 120*time.Second, now))
	assert.False(t, ev.MentionsUser("luis", 120*time.Second, now))

	// Stale comments never raise a notification.
	stale := ev
	stale.CreatedAt = now.Add(-10 * time.Minute)
	assert.False(t, stale.MentionsUser("asha", 120*time.Second, now))

	// Only comments carry mentions.
	mapped := ev
	mapped.Event = EventMap
	assert.False(t, mapped.MentionsUser("asha", 120*time.Second, now))
}

func TestNewTaskEvent(t *testing.T) {
	ev := NewTaskEvent(12, 4, EventMap, "asha", "")
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, 12, ev.ProjectID)
	assert.Equal(t, 4, ev.TaskID)
	assert.WithinDuration(t, time.Now(), ev.CreatedAt, time.Second)

	// Each logical action gets its own id.
	other := NewTaskEvent(12, 4, EventMap, "asha", "")
	assert.NotEqual(t, ev.EventID, other.EventID)
}
