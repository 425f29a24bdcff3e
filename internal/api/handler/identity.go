package handler

import (
	"net/http"

	"github.com/taofu-labs/tpn-core/internal/api/response"
	"github.com/taofu-labs/tpn-core/internal/model"
)

type Identity struct {
	identity model.NodeIdentity
}

func NewIdentity(identity model.NodeIdentity) *Identity {
	return &Identity{identity: identity}
}

// Get godoc
//
//	@Summary		Node identity
//	@Description	Advertises this node's build and, if it runs as a mining pool, its pool metadata.
//	@Tags			Identity
//	@Success	200	{object}	model.NodeIdentity
//	@Router		/ [get]
func (h *Identity) Get(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.identity)
}
