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

package fieldsync

import (
	"sync"
	"time"
)

// SyncStatus is the read-only surface the UI consumes: an offline flag, a
// completion percentage while a sync pass is running (nil when idle), the
// last sync error, and whether the projection is known to be stale.
type SyncStatus struct {
	Offline     bool   `json:"offline"`
	SyncPercent *int   `json:"sync_percent"`
	LastError   string `json:"last_sync_error"`
	Stale       bool   `json:"stale"`
}

// Mention is a transient notification raised when a fresh comment event
// mentions the current user. It is a side channel only; it never touches
// persisted state.
type Mention struct {
	ProjectID int       `json:"project_id"`
	TaskID    int       `json:"task_id"`
	Actor     string    `json:"actor"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusCell is an observable state container: every mutation publishes
// the new value synchronously to each subscriber. It replaces hidden
// global reactive state with one explicit, injectable object.
type StatusCell struct {
	mu          sync.Mutex
	current     SyncStatus
	nextSubID   int
	subscribers map[int]func(SyncStatus)
	mentionSubs map[int]func(Mention)
}

func NewStatusCell() *StatusCell {
	return &StatusCell{
		subscribers: make(map[int]func(SyncStatus)),
		mentionSubs: make(map[int]func(Mention)),
	}
}

// Current returns the latest published status.
func (c *StatusCell) Current() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe registers a status listener and returns an unsubscribe
// function. The listener is invoked synchronously on every mutation.
func (c *StatusCell) Subscribe(fn func(SyncStatus)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// SubscribeMentions registers a listener for transient mention
// notifications.
func (c *StatusCell) SubscribeMentions(fn func(Mention)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.mentionSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.mentionSubs, id)
		c.mu.Unlock()
	}
}

// Update mutates the status under the cell's lock and publishes the result
// to every subscriber.
func (c *StatusCell) Update(mutate func(*SyncStatus)) {
	c.mu.Lock()
	mutate(&c.current)
	snapshot := c.current
	listeners := make([]func(SyncStatus), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// SetOffline flips the offline flag.
func (c *StatusCell) SetOffline(offline bool) {
	c.Update(func(s *SyncStatus) { s.Offline = offline })
}

// SetStale marks the projection stale (feed exhausted its backoff) or
// fresh again.
func (c *StatusCell) SetStale(stale bool) {
	c.Update(func(s *SyncStatus) { s.Stale = stale })
}

// SetPercent publishes sync progress; pass nil when no pass is running.
func (c *StatusCell) SetPercent(percent *int) {
	c.Update(func(s *SyncStatus) { s.SyncPercent = percent })
}

// SetLastError records the last sync error for the UI.
func (c *StatusCell) SetLastError(message string) {
	c.Update(func(s *SyncStatus) { s.LastError = message })
}

// PublishMention raises a transient mention notification.
func (c *StatusCell) PublishMention(m Mention) {
	c.mu.Lock()
	listeners := make([]func(Mention), 0, len(c.mentionSubs))
	for _, fn := range c.mentionSubs {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(m)
	}
}
