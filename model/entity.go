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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entity status constants tracking a surveyed feature through its lifecycle.
const (
	EntityReady           = "READY"
	EntityOpenedInODK     = "OPENED_IN_ODK"
	EntitySurveySubmitted = "SURVEY_SUBMITTED"
	EntityNewGeom         = "NEW_GEOM"
	EntityMarkedBad       = "MARKED_BAD"
	EntityValidated       = "VALIDATED"
)

// Status sources, in ascending order of authority. A snapshot row always
// overwrites whatever is cached; a feed row overwrites feed and optimistic
// rows; an optimistic local write is provisional and is silently superseded
// by the next authoritative row for the same entity.
const (
	SourceOptimistic = "optimistic"
	SourceFeed       = "feed"
	SourceSnapshot   = "snapshot"
)

// EntityStatusRecord is the current status of one mapped entity. Unlike
// task events these rows are mutable: feed rows, optimistic local writes
// and full-snapshot overwrites all land on the same key.
type EntityStatusRecord struct {
	EntityID      string    `json:"entity_id"`
	OSMID         int64     `json:"osm_id"`
	ProjectID     int       `json:"project_id"`
	TaskID        int       `json:"task_id"`
	Status        string    `json:"status"`
	SubmissionIDs []string  `json:"submission_ids,omitempty"`
	Source        string    `json:"source"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UnmarshalJSON decodes a status row while normalizing the osm_id field,
// which some sources serialize as a JSON number and others as a string.
// The raw bytes are decoded through json.Number rather than float64 so ids
// above 2^53 keep all of their digits.
func (r *EntityStatusRecord) UnmarshalJSON(data []byte) error {
	type alias EntityStatusRecord
	aux := struct {
		OSMID json.RawMessage `json:"osm_id"`
		*alias
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := decodeOSMID(aux.OSMID)
	if err != nil {
		return err
	}
	r.OSMID = id
	return nil
}

func decodeOSMID(raw json.RawMessage) (int64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return NormalizeOSMID(s)
	}
	return NormalizeOSMID(json.Number(trimmed))
}

// ValidEntityStatus reports whether the given status is one of the closed set.
func ValidEntityStatus(status string) bool {
	switch status {
	case EntityReady, EntityOpenedInODK, EntitySurveySubmitted, EntityNewGeom, EntityMarkedBad, EntityValidated:
		return true
	}
	return false
}

// NormalizeOSMID coerces the business id of an entity to int64. The feed
// serializes it as a JSON number, snapshot responses as a string, and local
// callers pass native integers; merges silently fail to match unless every
// source is normalized to the same representation first.
func NormalizeOSMID(v interface{}) (int64, error) {
	switch id := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return id, nil
	case int:
		return int64(id), nil
	case float64:
		return int64(id), nil
	case json.Number:
		return id.Int64()
	case string:
		if id == "" {
			return 0, nil
		}
		return strconv.ParseInt(id, 10, 64)
	}
	return 0, fmt.Errorf("unsupported osm id type %T", v)
}

func sourceRank(source string) int {
	switch source {
	case SourceSnapshot:
		return 3
	case SourceFeed:
		return 2
	case SourceOptimistic:
		return 1
	}
	return 0
}

// Authoritative reports whether the source is server-backed.
func Authoritative(source string) bool {
	return sourceRank(source) >= sourceRank(SourceFeed)
}

// MergeEntityStatus merges an incoming status row into the cached one and
// returns the row that should be stored. Precedence is
// snapshot > feed > optimistic:
//
//   - A snapshot or feed row is authoritative and replaces whatever is
//     cached, regardless of how the cached row got there.
//   - An optimistic row replaces cached optimistic state (the user sees
//     their own action immediately) but never clobbers an authoritative
//     row that arrived after the optimistic write was made.
func MergeEntityStatus(existing *EntityStatusRecord, incoming EntityStatusRecord) EntityStatusRecord {
	if existing == nil {
		return incoming
	}
	if Authoritative(incoming.Source) {
		return incoming
	}
	// Incoming is optimistic: yield to a newer authoritative row.
	if Authoritative(existing.Source) && !existing.UpdatedAt.Before(incoming.UpdatedAt) {
		return *existing
	}
	return incoming
}
