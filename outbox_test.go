package fieldsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotosm/field-tm-sync/database"
	"github.com/hotosm/field-tm-sync/internal/request"
	"github.com/hotosm/field-tm-sync/internal/syncerror"
	"github.com/hotosm/field-tm-sync/model"
)

const outboxTestBase = "http://fieldtm.test"

func newTestOutbox(t *testing.T) (database.Datasource, *OutboxManager, *StatusCell) {
	t.Helper()

	ds := newTestStore(t)
	status := NewStatusCell()
	o := NewOutboxManager(outboxTestBase, ds, status)

	httpmock.ActivateNonDefault(o.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return ds, o, status
}

func enqueueJSON(t *testing.T, o *OutboxManager, projectID int, url, payload string) string {
	t.Helper()
	outboxID, err := o.Enqueue(model.NewOutboxSubmission(projectID, "POST", url, model.ContentTypeJSON, payload))
	require.NoError(t, err)
	return outboxID
}

func TestFlushSendsInEnqueueOrder(t *testing.T) {
	_, o, _ := newTestOutbox(t)

	var order []string
	httpmock.RegisterResponder("POST", `=~^http://fieldtm\.test/actions/`,
		func(req *http.Request) (*http.Response, error) {
			order = append(order, req.URL.Path)
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	idA := enqueueJSON(t, o, 1, "/actions/a", `{"n":1}`)
	idB := enqueueJSON(t, o, 1, "/actions/b", `{"n":2}`)

	require.NoError(t, o.Flush(context.Background()))

	require.Equal(t, []string{"/actions/a", "/actions/b"}, order)
	for _, id := range []string{idA, idB} {
		s, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, model.OutboxReceived, s)
	}
}

func TestFailedRowBlocksLaterRowsOfSameProject(t *testing.T) {
	ds, o, _ := newTestOutbox(t)

	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/a",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "try later"))
	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/b",
		httpmock.NewStringResponder(http.StatusOK, "{}"))

	idA := enqueueJSON(t, o, 1, "/actions/a", `{"n":1}`)
	idB := enqueueJSON(t, o, 1, "/actions/b", `{"n":2}`)

	// Per-project errors are absorbed; the failed row stops the pass for
	// its project without being skipped over.
	require.NoError(t, o.Flush(context.Background()))

	subA, err := ds.GetSubmission(idA)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, subA.Status)
	assert.True(t, subA.Retryable)

	sB, err := o.Status(idB)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, sB)

	// Once the transient failure clears, the next flush retries the
	// failed row first and then the blocked one.
	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/a",
		httpmock.NewStringResponder(http.StatusOK, "{}"))
	require.NoError(t, o.Flush(context.Background()))

	for _, id := range []string{idA, idB} {
		s, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, model.OutboxReceived, s)
	}
}

func TestProjectsFlushIndependently(t *testing.T) {
	_, o, _ := newTestOutbox(t)

	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/broken",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "try later"))
	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/fine",
		httpmock.NewStringResponder(http.StatusOK, "{}"))

	enqueueJSON(t, o, 1, "/actions/broken", `{}`)
	idOther := enqueueJSON(t, o, 2, "/actions/fine", `{}`)

	require.NoError(t, o.Flush(context.Background()))

	s, err := o.Status(idOther)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxReceived, s)
}

func TestReflushDoesNotResendReceivedRows(t *testing.T) {
	_, o, _ := newTestOutbox(t)

	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/a",
		httpmock.NewStringResponder(http.StatusOK, "{}"))

	enqueueJSON(t, o, 1, "/actions/a", `{}`)

	require.NoError(t, o.Flush(context.Background()))
	require.NoError(t, o.Flush(context.Background()))

	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestIdempotencyKeyStableAcrossRetries(t *testing.T) {
	_, o, _ := newTestOutbox(t)

	var keys []string
	fail := true
	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/a",
		func(req *http.Request) (*http.Response, error) {
			keys = append(keys, req.Header.Get(request.IdempotencyHeader))
			if fail {
				fail = false
				return httpmock.NewStringResponse(http.StatusInternalServerError, "boom"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	enqueueJSON(t, o, 1, "/actions/a", `{}`)

	require.NoError(t, o.Flush(context.Background()))
	require.NoError(t, o.Flush(context.Background()))

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestValidationFailureWaitsForExplicitRetry(t *testing.T) {
	ds, o, _ := newTestOutbox(t)

	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/a",
		httpmock.NewStringResponder(http.StatusUnprocessableEntity, `{"detail":"task is locked by another user"}`))

	id := enqueueJSON(t, o, 1, "/actions/a", `{}`)
	require.NoError(t, o.Flush(context.Background()))

	sub, err := ds.GetSubmission(id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, sub.Status)
	assert.False(t, sub.Retryable)
	assert.Contains(t, sub.Error, "task is locked by another user")

	// A plain re-flush must not pick the row up again.
	calls := httpmock.GetTotalCallCount()
	require.NoError(t, o.Flush(context.Background()))
	assert.Equal(t, calls, httpmock.GetTotalCallCount())

	// An explicit retry re-queues it.
	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/a",
		httpmock.NewStringResponder(http.StatusOK, "{}"))
	require.NoError(t, o.Retry(id))
	require.NoError(t, o.Flush(context.Background()))

	s, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxReceived, s)
}

func TestAuthExpiredPausesAllSends(t *testing.T) {
	_, o, _ := newTestOutbox(t)

	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/a",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"detail":"session expired"}`))

	enqueueJSON(t, o, 1, "/actions/a", `{}`)

	err := o.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerror.AuthExpired, syncerror.CodeOf(err))

	// While paused, flushing does not even hit the wire.
	calls := httpmock.GetTotalCallCount()
	err = o.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerror.AuthExpired, syncerror.CodeOf(err))
	assert.Equal(t, calls, httpmock.GetTotalCallCount())

	httpmock.RegisterResponder("POST", outboxTestBase+"/actions/a",
		httpmock.NewStringResponder(http.StatusOK, "{}"))
	o.ResumeAuth()
	require.NoError(t, o.Flush(context.Background()))
}

func TestMultipartRowIsReassembledAtSendTime(t *testing.T) {
	_, o, _ := newTestOutbox(t)

	payload, err := json.Marshal(model.MultipartPayload{
		XML: `<data id="buildings"/>`,
		Attachments: []model.Attachment{
			{Filename: "photo.jpg", ContentType: "image/jpeg", Data: "aGVsbG8="},
		},
	})
	require.NoError(t, err)

	var gotContentType string
	var gotBody []byte
	httpmock.RegisterResponder("POST", outboxTestBase+"/submission",
		func(req *http.Request) (*http.Response, error) {
			gotContentType = req.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(req.Body)
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	_, err = o.Enqueue(model.NewOutboxSubmission(1, "POST", "/submission", model.ContentTypeMultipart, string(payload)))
	require.NoError(t, err)
	require.NoError(t, o.Flush(context.Background()))

	assert.Contains(t, gotContentType, "multipart/form-data")
	assert.Contains(t, string(gotBody), `<data id="buildings"/>`)
	assert.Contains(t, string(gotBody), "photo.jpg")
	assert.Contains(t, string(gotBody), "hello") // decoded from base64
}

func TestEnqueueRejectsDuplicateIdempotencyKey(t *testing.T) {
	_, o, _ := newTestOutbox(t)

	sub := model.NewOutboxSubmission(1, "POST", "/actions/a", model.ContentTypeJSON, `{}`)
	_, err := o.Enqueue(sub)
	require.NoError(t, err)

	dup := model.NewOutboxSubmission(1, "POST", "/actions/a", model.ContentTypeJSON, `{}`)
	dup.IdempotencyKey = sub.IdempotencyKey
	_, err = o.Enqueue(dup)
	require.Error(t, err)
}

func TestCancelledFlushLeavesRowsQueued(t *testing.T) {
	_, o, _ := newTestOutbox(t)

	id := enqueueJSON(t, o, 1, "/actions/a", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Flush(ctx))

	s, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, s)
}

func TestRestartRecoversInterruptedSend(t *testing.T) {
	ds, o, status := newTestOutbox(t)

	var order []string
	httpmock.RegisterResponder("POST", `=~^http://fieldtm\.test/actions/`,
		func(req *http.Request) (*http.Response, error) {
			order = append(order, req.URL.Path)
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	idA := enqueueJSON(t, o, 1, "/actions/a", `{"n":1}`)
	idB := enqueueJSON(t, o, 1, "/actions/b", `{"n":2}`)

	// Process dies mid-send: A is stuck in SENDING, never settled.
	require.NoError(t, ds.UpdateSubmissionStatus(idA, model.OutboxSending, "", true))

	// A fresh manager on the same store stands in for the next session.
	restarted := NewOutboxManager(outboxTestBase, ds, status)
	httpmock.ActivateNonDefault(restarted.client)

	require.NoError(t, restarted.Flush(context.Background()))

	// The interrupted row went out again, still ahead of the later row.
	require.Equal(t, []string{"/actions/a", "/actions/b"}, order)
	for _, id := range []string{idA, idB} {
		s, err := restarted.Status(id)
		require.NoError(t, err)
		assert.Equal(t, model.OutboxReceived, s)
	}
}
