package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fieldsync "github.com/hotosm/field-tm-sync"
	"github.com/hotosm/field-tm-sync/config"
	"github.com/hotosm/field-tm-sync/database"
	"github.com/hotosm/field-tm-sync/model"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	config.MockConfig(&config.Configuration{
		Sync: config.SyncConfig{
			BaseURL:     "http://fieldtm.test",
			CurrentUser: "asha",
		},
	})

	conn, err := database.ConnectDB(":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	engine, err := fieldsync.NewFieldSync(database.Datasource{Conn: conn})
	require.NoError(t, err)
	t.Cleanup(engine.Shutdown)

	return NewAPI(engine).Router()
}

func performRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestGetStatus(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var status fieldsync.SyncStatus
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.False(t, status.Offline)
	assert.Nil(t, status.SyncPercent)
}

func TestRecordTaskEventQueuesAction(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "POST", "/projects/1/tasks/7/events", map[string]string{
		"event": model.EventMap,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	outboxID := created["outbox_id"]
	require.NotEmpty(t, outboxID)

	resp = performRequest(router, "GET", "/outbox/"+outboxID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), model.OutboxPending)
}

func TestRecordTaskEventRejectsUnknownEvent(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "POST", "/projects/1/tasks/7/events", map[string]string{
		"event": "FROB",
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRecordTaskEventRejectsBadProjectID(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "POST", "/projects/not-a-number/tasks/7/events", map[string]string{
		"event": model.EventMap,
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestEntityStatusRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "POST", "/projects/1/entities/status", map[string]interface{}{
		"entity_id": "uuid-1",
		"osm_id":    998877,
		"task_id":   3,
		"status":    model.EntityOpenedInODK,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = performRequest(router, "GET", "/projects/1/entities", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var records []model.EntityStatusRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "uuid-1", records[0].EntityID)
	assert.Equal(t, model.EntityOpenedInODK, records[0].Status)
}

func TestDeleteEntityRemovesCachedRow(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "POST", "/projects/1/entities/status", map[string]interface{}{
		"entity_id": "uuid-1",
		"osm_id":    998877,
		"task_id":   3,
		"status":    model.EntityReady,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = performRequest(router, "DELETE", "/projects/1/entities/uuid-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = performRequest(router, "GET", "/projects/1/entities", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "[]", resp.Body.String())
}

func TestGetTaskStateDefaultsToUnlockedToMap(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "GET", "/projects/1/tasks/42/state", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), model.StateUnlockedToMap)
}

func TestUploadSubmissionRequiresXML(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "POST", "/projects/1/submissions", map[string]interface{}{
		"attachments": []map[string]string{},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRetryUnknownOutboxRow(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "POST", "/outbox/obx_missing/retry", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetOutboxListsQueuedActions(t *testing.T) {
	router := newTestRouter(t)

	resp := performRequest(router, "POST", "/projects/1/tasks/7/events", map[string]string{
		"event": model.EventFinish,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = performRequest(router, "GET", "/outbox", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var rows []model.OutboxSubmission
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "/tasks/7/event", rows[0].URL)
}
