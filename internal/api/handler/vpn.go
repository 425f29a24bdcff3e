package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/taofu-labs/tpn-core/internal/api/request"
	"github.com/taofu-labs/tpn-core/internal/api/response"
	"github.com/taofu-labs/tpn-core/internal/pipeline"
)

type VPN struct {
	pipeline *pipeline.Pipeline
}

func NewVPN(p *pipeline.Pipeline) *VPN {
	return &VPN{pipeline: p}
}

// Lease godoc
//
//	@Summary		Provision a VPN lease
//	@Description	Worker-facing entry point: returns a WireGuard or SOCKS5 config, honoring feedback-url cancellation.
//	@Tags			VPN
//	@Param			geo				query	string	false	"Preferred country code"
//	@Param			type			query	string	false	"wireguard or socks5"
//	@Param			format			query	string	false	"text or json"
//	@Param			lease_seconds	query	int		false	"Lease duration in seconds"
//	@Param			priority		query	bool	false	"Use the priority pool"
//	@Param			feedback_url	query	string	false	"Feedback URL for cancellation"
//	@Success	200
//	@Failure	500	{object}	response.ErrorResponse
//	@Router		/vpn [get]
func (h *VPN) Lease(w http.ResponseWriter, r *http.Request) {
	lease := request.ParseVPNLease(r)
	leaseFor := time.Duration(lease.LeaseSeconds) * time.Second

	switch lease.Type {
	case "socks5":
		cfg, err := h.pipeline.GetValidSOCKS5Config(r.Context(), leaseFor, lease.Priority)
		if err != nil {
			response.WriteServiceError(w, err)
			return
		}
		writeLeaseResult(w, lease.Format, map[string]string{"socks5_config": cfg.Sock}, cfg.Sock)

	default:
		result, err := h.pipeline.GetValidWireGuardConfig(r.Context(), lease.Priority, leaseFor, lease.FeedbackURL)
		if err != nil {
			response.WriteServiceError(w, err)
			return
		}
		if result.Cancelled {
			response.WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
			return
		}
		writeLeaseResult(w, lease.Format, map[string]any{
			"wireguard_config": result.WireGuardConfig,
			"peer_id":          result.PeerID,
			"peer_slots":       result.PeerSlots,
			"expires_at":       result.ExpiresAt,
		}, result.WireGuardConfig)
	}
}

func writeLeaseResult(w http.ResponseWriter, format string, jsonBody any, text string) {
	if format == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, text)
		return
	}
	response.WriteJSON(w, http.StatusOK, jsonBody)
}
