package handler

import (
	"net/http"

	"github.com/taofu-labs/tpn-core/internal/api/request"
	"github.com/taofu-labs/tpn-core/internal/api/response"
	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
)

type Worker struct {
	inventory     *inventory.Store
	miningPoolUID string
	validators    *validatorreg.Registry
}

func NewWorker(inv *inventory.Store, miningPoolUID string, validators *validatorreg.Registry) *Worker {
	return &Worker{inventory: inv, miningPoolUID: miningPoolUID, validators: validators}
}

// Register godoc
//
//	@Summary		Worker self-registration
//	@Description	A worker registers itself with its mining pool.
//	@Tags			Worker
//	@Accept			json
//	@Param			worker	body	model.Worker	true	"Worker record"
//	@Success	204
//	@Failure	400	{object}	response.ErrorResponse
//	@Router		/worker [post]
func (h *Worker) Register(w http.ResponseWriter, r *http.Request) {
	var worker model.Worker
	if err := request.Decode(r, &worker); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.inventory.RegisterWorker(r.Context(), worker, h.miningPoolUID); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FeedbackPayload is a validator's per-worker scoring report posted
// back to the mining pool that owns the worker.
type FeedbackPayload struct {
	IP     string             `json:"ip" validate:"required,ip"`
	Status model.WorkerStatus `json:"status" validate:"required,oneof=tbd up down"`
}

// Feedback godoc
//
//	@Summary		Validator scoring feedback
//	@Description	A validator posts per-worker scores back to the owning mining pool.
//	@Tags			Worker
//	@Accept			json
//	@Param			feedback	body	[]handler.FeedbackPayload	true	"Per-worker status"
//	@Success	204
//	@Failure	400	{object}	response.ErrorResponse
//	@Router		/worker/feedback [post]
func (h *Worker) Feedback(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.validators.IsValidator(r); !ok {
		response.WriteError(w, http.StatusForbidden, "feedback must originate from a known validator")
		return
	}

	var payloads []FeedbackPayload
	if err := request.DecodeSlice(r, &payloads); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	perf := make([]inventory.WorkerPerformance, 0, len(payloads))
	for _, p := range payloads {
		perf = append(perf, inventory.WorkerPerformance{IP: p.IP, MiningPoolUID: h.miningPoolUID, Status: p.Status})
	}
	if err := h.inventory.WriteWorkerPerformance(r.Context(), perf); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
