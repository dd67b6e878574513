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

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hotosm/field-tm-sync/model"
)

func projectIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id must be an integer"})
		return 0, false
	}
	return id, true
}

func taskIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id must be an integer"})
		return 0, false
	}
	return id, true
}

// GetStatus returns the current sync status surface for the UI.
func (a Api) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Status().Current())
}

// GetOutbox lists every queued action with its delivery status.
func (a Api) GetOutbox(c *gin.Context) {
	rows, err := a.engine.Outbox().All()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// GetOutboxStatus returns the delivery status of one queued action.
func (a Api) GetOutboxStatus(c *gin.Context) {
	status, err := a.engine.Outbox().Status(c.Param("outbox_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outbox_id": c.Param("outbox_id"), "status": status})
}

// RetryOutbox explicitly re-queues a failed action.
func (a Api) RetryOutbox(c *gin.Context) {
	if err := a.engine.Outbox().Retry(c.Param("outbox_id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outbox_id": c.Param("outbox_id"), "status": model.OutboxPending})
}

// FlushOutbox drains the outbox once, immediately.
func (a Api) FlushOutbox(c *gin.Context) {
	if err := a.engine.Flush(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "outbox flushed"})
}

// SubscribeProject opens the live change-feed subscription for a project.
func (a Api) SubscribeProject(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}
	if err := a.engine.Subscribe(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "subscribed": true})
}

// UnsubscribeProject tears the subscription down; cached state stays
// readable.
func (a Api) UnsubscribeProject(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}
	a.engine.Unsubscribe(projectID)
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "subscribed": false})
}

// RefreshProject runs an explicit full reconciliation sync.
func (a Api) RefreshProject(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}
	if err := a.engine.Refresh(c.Request.Context(), projectID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "message": "project refreshed"})
}

// RecordTaskEvent queues a task action for delivery.
func (a Api) RecordTaskEvent(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	var body struct {
		Event   string `json:"event"`
		Comment string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outboxID, err := a.engine.EnqueueTaskEvent(projectID, taskID, body.Event, body.Comment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"outbox_id": outboxID})
}

// GetTaskState returns the materialized state of one task.
func (a Api) GetTaskState(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	mat, err := a.engine.Materializer(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "state": mat.CurrentTaskState(taskID)})
}

// RecordEntityStatus queues an entity status update; the local projection
// reflects it immediately.
func (a Api) RecordEntityStatus(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}

	var rec model.EntityStatusRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outboxID, err := a.engine.EnqueueEntityStatus(projectID, rec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"outbox_id": outboxID})
}

// GetProjectEntities returns the cached entity projection for a project.
func (a Api) GetProjectEntities(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}

	mat, err := a.engine.Materializer(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mat.ProjectEntities())
}

// DeleteEntity queues an entity delete and drops the row locally.
func (a Api) DeleteEntity(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}

	outboxID, err := a.engine.EnqueueEntityDelete(projectID, c.Param("entity_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outbox_id": outboxID})
}

// UploadSubmission queues a survey submission (XML plus base64
// attachments) for multipart delivery.
func (a Api) UploadSubmission(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}

	var payload model.MultipartPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if payload.XML == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "xml is required"})
		return
	}

	outboxID, err := a.engine.EnqueueSubmissionUpload(projectID, payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"outbox_id": outboxID})
}
