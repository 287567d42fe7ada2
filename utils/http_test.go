package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func decodeSuccess(t *testing.T, w *httptest.ResponseRecorder) SuccessResponse {
	t.Helper()
	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestWriteJSON(t *testing.T) {
	t.Run("sets status and content type", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusOK, map[string]string{"state": "COMPLETED"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "COMPLETED", body["state"])
	})

	t.Run("nil data writes an empty body", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusNoContent, nil)
		require.NoError(t, err)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOK(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteOK(w, map[string]string{"run_id": "abc"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, w.Code)
	response := decodeSuccess(t, w)
	data := response.Data.(map[string]interface{})
	assert.Equal(t, "abc", data["run_id"])
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteCreated(w, map[string]int{"version": 4})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, w.Code)
	response := decodeSuccess(t, w)
	data := response.Data.(map[string]interface{})
	assert.Equal(t, float64(4), data["version"])
}

func TestWriteAccepted(t *testing.T) {
	t.Run("with data", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteAccepted(w, map[string]string{"state": "PLANNED"}, "")
		require.NoError(t, err)

		assert.Equal(t, http.StatusAccepted, w.Code)
		response := decodeSuccess(t, w)
		data := response.Data.(map[string]interface{})
		assert.Equal(t, "PLANNED", data["state"])
		assert.Empty(t, response.Message)
	})

	t.Run("message only", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteAccepted(w, nil, "Cancellation requested")
		require.NoError(t, err)

		assert.Equal(t, http.StatusAccepted, w.Code)
		response := decodeSuccess(t, w)
		assert.Nil(t, response.Data)
		assert.Equal(t, "Cancellation requested", response.Message)
	})
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		message  string
		wantCode string
	}{
		{"bad request", http.StatusBadRequest, "invalid parameters", "bad_request"},
		{"unauthorized", http.StatusUnauthorized, "missing bearer token", "unauthorized"},
		{"forbidden", http.StatusForbidden, "operator role required", "forbidden"},
		{"not found", http.StatusNotFound, "run not found", "not_found"},
		{"conflict", http.StatusConflict, "run already terminal", "conflict"},
		{"rate limit", http.StatusTooManyRequests, "tool lane saturated", "rate_limit_exceeded"},
		{"unmapped status reports internal_error", http.StatusTeapot, "short and stout", "internal_error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			err := WriteError(w, tc.status, tc.message, nil)
			require.NoError(t, err)

			assert.Equal(t, tc.status, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, tc.wantCode, response.Error)
			assert.Equal(t, tc.message, response.Message)
		})
	}
}

func TestWriteBadRequestCarriesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	details := map[string]interface{}{"operation": "required"}

	err := WriteBadRequest(w, "Validation failed", details)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	response := decodeError(t, w)
	assert.Equal(t, "bad_request", response.Error)
	assert.Equal(t, "required", response.Details["operation"])
}

func TestWriteConflictCarriesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	details := map[string]interface{}{"state": "COMPROMISED"}

	err := WriteConflict(w, "illegal record transition", details)
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, w.Code)
	response := decodeError(t, w)
	assert.Equal(t, "COMPROMISED", response.Details["state"])
}

func TestDefaultMessages(t *testing.T) {
	tests := []struct {
		name    string
		write   func(w http.ResponseWriter) error
		status  int
		message string
	}{
		{
			name:    "unauthorized",
			write:   func(w http.ResponseWriter) error { return WriteUnauthorized(w, "") },
			status:  http.StatusUnauthorized,
			message: "Authentication required",
		},
		{
			name:    "forbidden",
			write:   func(w http.ResponseWriter) error { return WriteForbidden(w, "") },
			status:  http.StatusForbidden,
			message: "Access forbidden",
		},
		{
			name:    "not found",
			write:   func(w http.ResponseWriter) error { return WriteNotFound(w, "") },
			status:  http.StatusNotFound,
			message: "Resource not found",
		},
		{
			name:    "rate limit",
			write:   func(w http.ResponseWriter) error { return WriteTooManyRequests(w, "", nil) },
			status:  http.StatusTooManyRequests,
			message: "Rate limit exceeded",
		},
		{
			name:    "internal",
			write:   func(w http.ResponseWriter) error { return WriteInternalServerError(w, "") },
			status:  http.StatusInternalServerError,
			message: "Internal server error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tc.write(w))

			assert.Equal(t, tc.status, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, tc.message, response.Message)
		})
	}
}
