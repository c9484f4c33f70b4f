package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Contains(t, payload, "error")
	return payload["error"]
}

func TestWriteJSONEnvelopeShape(t *testing.T) {
	rec := httptest.NewRecorder()
	RateLimitExceeded(42).WriteJSON(rec)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode(t, rec)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.Equal(t, "Rate limit exceeded. Please try again later.", body["message"])
	assert.Equal(t, float64(42), body["retry_after"])
}

func TestFileValidationFailedCarriesErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	FileValidationFailed([]string{"too big", "bad type"}).WriteJSON(rec)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "FILE_VALIDATION_FAILED", body["code"])
	assert.Equal(t, []any{"too big", "bad type"}, body["errors"])
}

func TestInternalErrorHidesCause(t *testing.T) {
	cause := errors.New("pq: connection refused")
	rec := httptest.NewRecorder()
	InternalError(cause).WriteJSON(rec)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")

	body := decode(t, rec)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", body["code"])
}

func TestDefaultMessages(t *testing.T) {
	assert.Equal(t, "Authentication required", Unauthenticated("").Message)
	assert.Equal(t, "Session is no longer valid", Unauthenticated("Session is no longer valid").Message)
	assert.Equal(t, "Access denied", Forbidden("").Message)
	assert.Equal(t, "Session not found", ResourceNotFound("Session").Message)
	assert.Equal(t, http.StatusNotFound, EndpointNotFound().Status)
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	wrapped := Unauthenticated("")
	assert.Same(t, wrapped, FromError(wrapped))

	converted := FromError(errors.New("boom"))
	assert.Equal(t, CodeInternalServerError, converted.Code)
	assert.Equal(t, http.StatusInternalServerError, converted.Status)
}

func TestUnwrapAndIs(t *testing.T) {
	cause := errors.New("root cause")
	err := InternalError(cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsAPIError(err))
	assert.False(t, IsAPIError(errors.New("plain")))
}
