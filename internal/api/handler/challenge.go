package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taofu-labs/tpn-core/internal/api/response"
	"github.com/taofu-labs/tpn-core/internal/challenge"
)

type Challenge struct {
	store *challenge.Store
}

func NewChallenge(store *challenge.Store) *Challenge {
	return &Challenge{store: store}
}

// Verify godoc
//
//	@Summary		Challenge/response probe
//	@Tags			Protocol
//	@Param			id		path	string	true	"Challenge id"
//	@Param			solution	query	string	true	"Proposed solution"
//	@Success	200	{object}	map[string]bool
//	@Router		/protocol/challenge/{id} [get]
func (h *Challenge) Verify(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "id")
	solution := r.URL.Query().Get("solution")

	ok, err := h.store.Verify(r.Context(), challengeID, solution)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}
