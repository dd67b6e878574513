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
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Outbox status constants. A row only ever moves
// PENDING -> SENDING -> {RECEIVED | FAILED}; FAILED goes back to PENDING
// by explicit retry and RECEIVED is terminal.
const (
	OutboxPending  = "PENDING"
	OutboxSending  = "SENDING"
	OutboxReceived = "RECEIVED"
	OutboxFailed   = "FAILED"
)

// Outbox payload encodings. The durable store cannot uniformly persist raw
// binary blobs, so multipart bodies are stored as a JSON manifest with
// base64-encoded attachments and reconstructed at send time.
const (
	ContentTypeJSON      = "json"
	ContentTypeMultipart = "multipart"
)

// Attachment is one binary part of a multipart submission, held as base64
// text so it can live in the outbox payload column.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64-encoded bytes
}

// MultipartPayload is the stored form of a multipart outbox row: one XML
// document plus zero or more binary attachments.
type MultipartPayload struct {
	XML         string       `json:"xml"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// OutboxSubmission is a durably queued user action awaiting delivery to
// the server. The idempotency key is generated at creation time, never at
// send time, so retried sends of the same logical action are recognized as
// duplicates server-side.
type OutboxSubmission struct {
	OutboxID       string    `json:"outbox_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	ProjectID      int       `json:"project_id"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	ContentType    string    `json:"content_type"`
	Payload        string    `json:"payload"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Retryable      bool      `json:"retryable"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
}

// GenerateUUIDWithSuffix returns a fresh UUID prefixed with a short module
// tag, e.g. "obx_<uuid>".
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// NewOutboxSubmission builds a PENDING outbox row for a user action. Both
// the outbox id and the idempotency key are assigned here, at enqueue time.
func NewOutboxSubmission(projectID int, method, url, contentType, payload string) OutboxSubmission {
	return OutboxSubmission{
		OutboxID:       GenerateUUIDWithSuffix("obx"),
		IdempotencyKey: uuid.New().String(),
		ProjectID:      projectID,
		Method:         method,
		URL:            url,
		ContentType:    contentType,
		Payload:        payload,
		Status:         OutboxPending,
		Retryable:      true,
		CreatedAt:      time.Now(),
	}
}

// Validate checks an outbox row before it is persisted.
func (s OutboxSubmission) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.OutboxID, validation.Required),
		validation.Field(&s.IdempotencyKey, validation.Required),
		validation.Field(&s.ProjectID, validation.Required),
		validation.Field(&s.Method, validation.Required, validation.In("GET", "POST", "PUT", "PATCH", "DELETE")),
		validation.Field(&s.URL, validation.Required),
		validation.Field(&s.ContentType, validation.Required, validation.In(ContentTypeJSON, ContentTypeMultipart)),
	)
}

// CanTransition reports whether an outbox row may move between the two
// statuses. A row never regresses from RECEIVED; FAILED returns to the
// queue either directly (flush retry) or via PENDING (explicit retry).
func CanTransition(from, to string) bool {
	switch from {
	case OutboxPending:
		return to == OutboxSending
	case OutboxSending:
		return to == OutboxReceived || to == OutboxFailed
	case OutboxFailed:
		return to == OutboxPending || to == OutboxSending
	}
	return false
}
