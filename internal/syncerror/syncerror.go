package syncerror

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	// TransientNetwork covers timeouts, refused connections and 5xx
	// responses. Always retried with backoff, never surfaced as fatal.
	TransientNetwork ErrorCode = "TRANSIENT_NETWORK"
	// AuthExpired pauses the outbox flush until the user re-authenticates.
	AuthExpired ErrorCode = "AUTH_EXPIRED"
	// ServerValidation is surfaced to the user verbatim and never retried
	// automatically.
	ServerValidation ErrorCode = "SERVER_VALIDATION"
	// StoreWrite means a single local row write failed; that operation is
	// abandoned and logged, the rest of the engine keeps running.
	StoreWrite ErrorCode = "STORE_WRITE"
	// StoreUnavailable is fatal: nothing can be durably queued, so sync is
	// disabled entirely.
	StoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	// StreamProtocol triggers a change-feed resubscription.
	StreamProtocol ErrorCode = "STREAM_PROTOCOL"
)

type SyncError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e SyncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code ErrorCode, message string) SyncError {
	return SyncError{Code: code, Message: message}
}

// CodeOf extracts the taxonomy code from an error, defaulting to
// TransientNetwork for untyped errors so unknown failures are retried
// rather than dropped.
func CodeOf(err error) ErrorCode {
	if se, ok := err.(SyncError); ok {
		return se.Code
	}
	return TransientNetwork
}

// Retryable reports whether the flush/feed loops may retry the failed
// operation automatically.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case TransientNetwork, StreamProtocol:
		return true
	}
	return false
}

// Fatal reports whether the error disables sync entirely.
func Fatal(err error) bool {
	return CodeOf(err) == StoreUnavailable
}

// serverDetail is the error body shape the Field-TM API returns on non-2xx.
type serverDetail struct {
	Detail string `json:"detail"`
}

// Classify converts a transport error or a non-2xx HTTP response into a
// typed SyncError. Every network call in the engine routes its failure
// through here at the component boundary; nothing escapes untyped.
func Classify(resp *http.Response, err error) error {
	if err != nil {
		return New(TransientNetwork, err.Error())
	}
	if resp == nil {
		return New(TransientNetwork, "no response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var detail serverDetail
	if jsonErr := json.Unmarshal(body, &detail); jsonErr != nil || detail.Detail == "" {
		detail.Detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return New(AuthExpired, detail.Detail)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return New(ServerValidation, detail.Detail)
	case resp.StatusCode >= 500:
		return New(TransientNetwork, detail.Detail)
	}
	logrus.Warnf("unexpected status %d treated as stream protocol error", resp.StatusCode)
	return New(StreamProtocol, detail.Detail)
}
