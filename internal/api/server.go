package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/taofu-labs/tpn-core/internal/api/handler"
	mw "github.com/taofu-labs/tpn-core/internal/api/middleware"
	"github.com/taofu-labs/tpn-core/internal/challenge"
	"github.com/taofu-labs/tpn-core/internal/config"
	"github.com/taofu-labs/tpn-core/internal/federation"
	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/pipeline"
	"github.com/taofu-labs/tpn-core/internal/poolreg"
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
)

// Deps bundles every component the HTTP surface dispatches into,
// wired up by the daemon's entrypoint.
type Deps struct {
	Config     *config.Config
	Pool       *pgxpool.Pool
	Identity   model.NodeIdentity
	Inventory  *inventory.Store
	Pools      *poolreg.Store
	Challenges *challenge.Store
	Validators *validatorreg.Registry
	Federation *federation.Client
	Pipeline   *pipeline.Pipeline
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	deps   Deps
}

func NewServer(logger zerolog.Logger, deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
		deps:   deps,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware deliberately omits chi's RealIP: it unconditionally
// trusts X-Forwarded-For/X-Real-IP/True-Client-IP and overwrites
// r.RemoteAddr, which would let any caller spoof its way into
// validatorreg's unspoofable-remote-address check and the admin-key
// bypass it guards. Every handler reads the raw connection address.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	identity := handler.NewIdentity(s.deps.Identity)
	s.router.Get("/", identity.Get)

	worker := handler.NewWorker(s.deps.Inventory, model.InternalMiningPoolUID, s.deps.Validators)
	s.router.Post("/worker", worker.Register)
	s.router.Post("/worker/feedback", worker.Feedback)

	fed := handler.NewFederation(s.deps.Pools, s.deps.Inventory, s.deps.Validators)
	s.router.Post("/validator/broadcast/mining_pool", fed.BroadcastMiningPool)
	s.router.Post("/validator/broadcast/workers", fed.BroadcastWorkers)
	s.router.Post("/protocol/broadcast/neurons", fed.BroadcastNeurons)

	chal := handler.NewChallenge(s.deps.Challenges)
	s.router.Get("/protocol/challenge/{id}", chal.Verify)

	status := handler.NewStatus(s.deps.Federation)
	s.router.Get("/api/status/request/{request_id}", status.Get)

	vpn := handler.NewVPN(s.deps.Pipeline)
	s.router.Get("/vpn", vpn.Lease)

	stats := handler.NewStats(s.deps.Pools, s.deps.Inventory)
	s.router.Group(func(r chi.Router) {
		r.Use(mw.RequireAdminKey(s.deps.Config.AdminAPIKey, s.deps.Validators))
		r.Get("/api/stats", stats.Overview)
		r.Get("/api/stats/pools", stats.Pools)
		r.Get("/api/stats/workers", stats.Workers)
		r.Get("/validator/score/audit/{pool_uid}", stats.Audit)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.deps.Pool.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
