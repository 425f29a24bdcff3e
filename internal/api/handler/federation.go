package handler

import (
	"net/http"

	"github.com/taofu-labs/tpn-core/internal/api/request"
	"github.com/taofu-labs/tpn-core/internal/api/response"
	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/poolreg"
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
)

type Federation struct {
	pools      *poolreg.Store
	inventory  *inventory.Store
	validators *validatorreg.Registry
}

func NewFederation(pools *poolreg.Store, inv *inventory.Store, validators *validatorreg.Registry) *Federation {
	return &Federation{pools: pools, inventory: inv, validators: validators}
}

// BroadcastMiningPool godoc
//
//	@Summary		Pool registers itself with a validator
//	@Tags			Federation
//	@Accept			json
//	@Param			pool	body	model.MiningPool	true	"Mining pool identity"
//	@Success	204
//	@Failure	400	{object}	response.ErrorResponse
//	@Router		/validator/broadcast/mining_pool [post]
func (h *Federation) BroadcastMiningPool(w http.ResponseWriter, r *http.Request) {
	var pool model.MiningPool
	if err := request.Decode(r, &pool); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.pools.Register(r.Context(), pool); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BroadcastWorkers godoc
//
//	@Summary		Pool publishes its worker list to a validator
//	@Tags			Federation
//	@Accept			json
//	@Param			body	body	handler.BroadcastWorkersRequest	true	"Pool uid, ip, and worker list"
//	@Success	204
//	@Failure	400	{object}	response.ErrorResponse
//	@Router		/validator/broadcast/workers [post]
func (h *Federation) BroadcastWorkers(w http.ResponseWriter, r *http.Request) {
	var body BroadcastWorkersRequest
	if err := request.Decode(r, &body); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.inventory.WriteWorkers(r.Context(), body.Workers, body.MiningPoolUID, body.MiningPoolIP); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type BroadcastWorkersRequest struct {
	MiningPoolUID string         `json:"mining_pool_uid" validate:"required"`
	MiningPoolIP  string         `json:"mining_pool_ip" validate:"required,ip"`
	Workers       []model.Worker `json:"workers" validate:"omitempty,dive"`
}

// BroadcastNeurons godoc
//
//	@Summary		Upstream neuron publishes validator identities
//	@Tags			Federation
//	@Accept			json
//	@Param			validators	body	[]model.ValidatorDescriptor	true	"Validator set"
//	@Success	204
//	@Failure	400	{object}	response.ErrorResponse
//	@Router		/protocol/broadcast/neurons [post]
func (h *Federation) BroadcastNeurons(w http.ResponseWriter, r *http.Request) {
	var validators []model.ValidatorDescriptor
	if err := request.DecodeSlice(r, &validators); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.validators.Update(r.Context(), validators)
	w.WriteHeader(http.StatusNoContent)
}
