package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taofu-labs/tpn-core/internal/api/request"
	"github.com/taofu-labs/tpn-core/internal/api/response"
	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/poolreg"
)

type Stats struct {
	pools     *poolreg.Store
	inventory *inventory.Store
}

func NewStats(pools *poolreg.Store, inv *inventory.Store) *Stats {
	return &Stats{pools: pools, inventory: inv}
}

// Overview godoc
//
//	@Summary		Federation overview dashboard
//	@Tags			Stats
//	@Security	ApiKeyAuth
//	@Success	200	{object}	map[string]int
//	@Router		/api/stats [get]
func (h *Stats) Overview(w http.ResponseWriter, r *http.Request) {
	pools, err := h.pools.ListMiningPools(r.Context())
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	workers, err := h.inventory.GetWorkers(r.Context(), inventory.Filter{})
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	up := 0
	for _, w := range workers {
		if w.Status == model.StatusUp {
			up++
		}
	}

	response.WriteJSON(w, http.StatusOK, map[string]int{
		"mining_pools":  len(pools),
		"workers":       len(workers),
		"workers_up":    up,
		"workers_down":  len(workers) - up,
	})
}

// Pools godoc
//
//	@Summary		Mining pool dashboard
//	@Tags			Stats
//	@Security	ApiKeyAuth
//	@Success	200	{array}	model.MiningPool
//	@Router		/api/stats/pools [get]
func (h *Stats) Pools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.pools.ListMiningPools(r.Context())
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, pools)
}

// Workers godoc
//
//	@Summary		Worker dashboard
//	@Tags			Stats
//	@Security	ApiKeyAuth
//	@Param			country_code	query	string	false	"Filter by country code"
//	@Param			status			query	string	false	"Filter by status"
//	@Param			limit			query	int		false	"Page size"
//	@Success	200	{array}	model.Worker
//	@Router		/api/stats/workers [get]
func (h *Stats) Workers(w http.ResponseWriter, r *http.Request) {
	pg := request.ParsePagination(r)
	f := inventory.Filter{
		CountryCode: r.URL.Query().Get("country_code"),
		Status:      model.WorkerStatus(r.URL.Query().Get("status")),
		Limit:       pg.Limit,
	}

	workers, err := h.inventory.GetWorkers(r.Context(), f)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, workers)
}

// Audit godoc
//
//	@Summary		Full audit of a mining pool
//	@Tags			Stats
//	@Security	ApiKeyAuth
//	@Param			pool_uid	path	string	true	"Mining pool uid"
//	@Success	200	{object}	handler.AuditResponse
//	@Failure	404	{object}	response.ErrorResponse
//	@Router		/validator/score/audit/{pool_uid} [get]
func (h *Stats) Audit(w http.ResponseWriter, r *http.Request) {
	poolUID := chi.URLParam(r, "pool_uid")

	pool, err := h.pools.GetByUID(r.Context(), poolUID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	workers, err := h.inventory.GetWorkers(r.Context(), inventory.Filter{MiningPoolUID: poolUID})
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, AuditResponse{Pool: pool, Workers: workers})
}

// AuditResponse is the body returned by the per-pool audit route.
type AuditResponse struct {
	Pool    model.MiningPool `json:"pool"`
	Workers []model.Worker   `json:"workers"`
}
