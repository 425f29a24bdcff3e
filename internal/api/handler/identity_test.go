package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taofu-labs/tpn-core/internal/model"
)

func TestIdentity_Get_ReturnsBuildAndPoolMetadata(t *testing.T) {
	h := NewIdentity(model.NodeIdentity{
		Branch:        "main",
		Version:       "1.2.3",
		MiningPoolURL: "http://pool.example.com",
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.NodeIdentity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "main", got.Branch)
	assert.Equal(t, "1.2.3", got.Version)
	assert.Equal(t, "http://pool.example.com", got.MiningPoolURL)
}
