package health_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack/internal/health"
)

func TestDrainingFailsReadinessButNotLiveness(t *testing.T) {
	handler := health.Handler{Checker: health.Deps{}}
	t.Cleanup(func() { health.SetReady(true) })

	health.SetReady(true)
	code, status := readyStatus(t, handler)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "disabled", status["db"])

	health.SetReady(false)
	code, status = readyStatus(t, handler)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "shutting down", status["status"])

	rr := httptest.NewRecorder()
	handler.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
