package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/taofu-labs/tpn-core/internal/federation"
)

func TestStatus_Get_ReturnsNotFoundForUnknownRequestID(t *testing.T) {
	fed := federation.New(zerolog.Nop(), "http://localhost")
	h := NewStatus(fed)

	r := chi.NewRouter()
	r.Get("/api/status/request/{request_id}", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/api/status/request/unknown-id", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
