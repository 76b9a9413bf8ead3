// Package apierror defines the typed error codes shared by the EVA daemons
// and the helpers that map them onto HTTP envelopes.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced over HTTP and WebSocket.
const (
	CodeUnsupportedContentType  = "UNSUPPORTED_CONTENT_TYPE"
	CodePayloadTooLarge         = "PAYLOAD_TOO_LARGE"
	CodeEmptyBody               = "EMPTY_BODY"
	CodeInvalidJSON             = "INVALID_JSON"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeInsightAssetMissing     = "INSIGHT_ASSET_MISSING"
	CodeInsightAssetInvalidPath = "INSIGHT_ASSET_INVALID_PATH"
	CodeCooldownActive          = "COOLDOWN_ACTIVE"
	CodeTooManyFrames           = "TOO_MANY_FRAMES"
	CodeQVUnavailable           = "QV_UNAVAILABLE"
	CodeSingleClientOnly        = "SINGLE_CLIENT_ONLY"
	CodeModelCallFailed         = "MODEL_CALL_FAILED"
	CodeModelNoToolCall         = "MODEL_NO_TOOL_CALL"
	CodeModelInvalidToolArgs    = "MODEL_INVALID_TOOL_ARGS"
	CodeMemoryWriteFailed       = "MEMORY_WRITE_FAILED"
	CodeCompactionJobFailed     = "COMPACTION_JOB_FAILED"
	CodePromotionJobFailed      = "PROMOTION_JOB_FAILED"
	CodeUnhandled               = "UNHANDLED_ERROR"
)

// E is a typed failure carrying an HTTP status, a stable code, and optional
// structured extra detail.
type E struct {
	Code    string
	Message string
	Status  int
	Extra   map[string]interface{}
}

func (e *E) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an error with an explicit status.
func New(status int, code, message string) *E {
	return &E{Code: code, Message: message, Status: status}
}

// WithExtra attaches structured detail and returns the error.
func (e *E) WithExtra(extra map[string]interface{}) *E {
	e.Extra = extra
	return e
}

// Common constructors keep handler call sites short.

func Invalid(message string) *E {
	return New(http.StatusBadRequest, CodeInvalidRequest, message)
}

func ModelFailed(err error) *E {
	return New(http.StatusBadGateway, CodeModelCallFailed, err.Error())
}

func StorageFailed(err error) *E {
	return New(http.StatusInternalServerError, CodeMemoryWriteFailed, err.Error())
}

// envelope is the wire shape: {error:{code,message,extra?}}.
type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// Write maps any error onto the HTTP error envelope. Unrecognized failures
// surface as UNHANDLED_ERROR 500.
func Write(w http.ResponseWriter, err error) {
	var e *E
	if !errors.As(err, &e) {
		e = New(http.StatusInternalServerError, CodeUnhandled, err.Error())
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: body{
		Code:    e.Code,
		Message: e.Message,
		Extra:   e.Extra,
	}})
}
