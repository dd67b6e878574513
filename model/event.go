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
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Event type constants representing the actions a field worker can take
// against a task. The set is closed; anything else on the wire is rejected.
const (
	EventMap      = "MAP"      // Lock a task for mapping.
	EventFinish   = "FINISH"   // Finish mapping, ready for validation.
	EventValidate = "VALIDATE" // Lock a task for validation.
	EventGood     = "GOOD"     // Validation passed.
	EventBad      = "BAD"      // Validation failed, back to mapping.
	EventComment  = "COMMENT"  // Free-text comment, no state change.
)

// Task state constants. A task's state is never stored on its own; it is
// always derived by replaying the task's events in server cursor order.
const (
	StateUnlockedToMap       = "UNLOCKED_TO_MAP"
	StateLockedForMapping    = "LOCKED_FOR_MAPPING"
	StateUnlockedToValidate  = "UNLOCKED_TO_VALIDATE"
	StateLockedForValidation = "LOCKED_FOR_VALIDATION"
	StateUnlockedDone        = "UNLOCKED_DONE"
)

// TaskEvent is one row of the append-only task event log. Rows are created
// by a user action or received from the change feed and are never mutated
// or deleted locally.
type TaskEvent struct {
	EventID      string    `json:"event_id"`
	ProjectID    int       `json:"project_id"`
	TaskID       int       `json:"task_id"`
	Event        string    `json:"event"`
	Actor        string    `json:"actor"`
	Comment      string    `json:"comment,omitempty"`
	ServerCursor int64     `json:"server_cursor"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewTaskEvent builds a client-originated event with a generated event id.
// The id is assigned here, at creation time, so resends of the same logical
// action carry the same id.
func NewTaskEvent(projectID, taskID int, event, actor, comment string) TaskEvent {
	return TaskEvent{
		EventID:   uuid.New().String(),
		ProjectID: projectID,
		TaskID:    taskID,
		Event:     event,
		Actor:     actor,
		Comment:   comment,
		CreatedAt: time.Now(),
	}
}

// ValidEvent reports whether the given event type is one of the closed set.
func ValidEvent(event string) bool {
	switch event {
	case EventMap, EventFinish, EventValidate, EventGood, EventBad, EventComment:
		return true
	}
	return false
}

// NextTaskState applies a single event to a task state and returns the
// resulting state. The second return value reports whether the event
// actually changed the state; COMMENT and out-of-order events leave the
// state untouched.
//
// Transition table:
//
//	UNLOCKED_TO_MAP       --MAP-->      LOCKED_FOR_MAPPING
//	LOCKED_FOR_MAPPING    --FINISH-->   UNLOCKED_TO_VALIDATE
//	UNLOCKED_TO_VALIDATE  --VALIDATE--> LOCKED_FOR_VALIDATION
//	LOCKED_FOR_VALIDATION --GOOD-->     UNLOCKED_DONE
//	any state             --BAD-->      UNLOCKED_TO_MAP
func NextTaskState(prev string, event string) (string, bool) {
	if event == EventBad {
		return StateUnlockedToMap, prev != StateUnlockedToMap
	}
	switch {
	case prev == StateUnlockedToMap && event == EventMap:
		return StateLockedForMapping, true
	case prev == StateLockedForMapping && event == EventFinish:
		return StateUnlockedToValidate, true
	case prev == StateUnlockedToValidate && event == EventValidate:
		return StateLockedForValidation, true
	case prev == StateLockedForValidation && event == EventGood:
		return StateUnlockedDone, true
	}
	return prev, false
}

// ReplayTaskState deterministically folds a task's events into its current
// state, starting from UNLOCKED_TO_MAP. Events are applied strictly in
// ascending server cursor order; the client wall-clock created_at is
// untrusted and never used for ordering.
func ReplayTaskState(events []TaskEvent) string {
	ordered := make([]TaskEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ServerCursor < ordered[j].ServerCursor
	})

	state := StateUnlockedToMap
	for _, ev := range ordered {
		state, _ = NextTaskState(state, ev.Event)
	}
	return state
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.\-]+)`)

// ExtractMentions returns the usernames mentioned in a comment body.
func ExtractMentions(comment string) []string {
	matches := mentionPattern.FindAllStringSubmatch(comment, -1)
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		mentions = append(mentions, m[1])
	}
	return mentions
}

// MentionsUser reports whether a comment event mentions the given user and
// is still fresh enough to surface as a transient notification. Freshness
// uses the event's created_at against the given window; this is a
// best-effort heuristic and never feeds into state derivation.
func (e TaskEvent) MentionsUser(user string, window time.Duration, now time.Time) bool {
	if e.Event != EventComment || user == "" {
		return false
	}
	if now.Sub(e.CreatedAt) > window {
		return false
	}
	for _, m := range ExtractMentions(e.Comment) {
		if m == user {
			return true
		}
	}
	return false
}
