package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taofu-labs/tpn-core/internal/api/response"
	"github.com/taofu-labs/tpn-core/internal/federation"
)

type Status struct {
	federation *federation.Client
}

func NewStatus(fed *federation.Client) *Status {
	return &Status{federation: fed}
}

// Get godoc
//
//	@Summary		Request-ticket status
//	@Tags			Status
//	@Param			request_id	path	string	true	"Request id"
//	@Success	200	{object}	model.RequestTicket
//	@Failure	404	{object}	response.ErrorResponse
//	@Router		/api/status/request/{request_id} [get]
func (h *Status) Get(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")

	ticket, ok := h.federation.TicketStatus(requestID)
	if !ok {
		response.WriteError(w, http.StatusNotFound, "unknown or expired request id")
		return
	}
	response.WriteJSON(w, http.StatusOK, ticket)
}
