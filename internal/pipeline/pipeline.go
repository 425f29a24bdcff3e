// Package pipeline implements the role-dispatched request path that
// turns a lease request into a provisioned WireGuard or SOCKS5 config,
// honoring feedback-URL cancellation when another worker wins a race.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taofu-labs/tpn-core/internal/dantedriver"
	"github.com/taofu-labs/tpn-core/internal/federation"
	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/sockslease"
	"github.com/taofu-labs/tpn-core/internal/wgdriver"
	"github.com/taofu-labs/tpn-core/internal/wgleases"
)

// WireGuardResult is the outcome of a wireguard lease request: either a
// provisioned config, or cancelled=true if another racer already won.
type WireGuardResult struct {
	Cancelled       bool
	WireGuardConfig string
	PeerID          int
	PeerSlots       int
	ExpiresAt       time.Time
}

type Pipeline struct {
	logger     zerolog.Logger
	leases     *wgleases.Store
	driver     *wgdriver.Driver
	socks      *sockslease.Store
	dante      *dantedriver.Driver
	federation *federation.Client
	mode       model.RunMode
	peerCount  int
	prioritySlots int
}

func New(logger zerolog.Logger, leases *wgleases.Store, driver *wgdriver.Driver, socks *sockslease.Store, dante *dantedriver.Driver, fed *federation.Client, mode model.RunMode, peerCount, prioritySlots int) *Pipeline {
	return &Pipeline{
		logger:        logger.With().Str("component", "pipeline").Logger(),
		leases:        leases,
		driver:        driver,
		socks:         socks,
		dante:         dante,
		federation:    fed,
		mode:          mode,
		peerCount:     peerCount,
		prioritySlots: prioritySlots,
	}
}

// RunMode reports which of the three federation roles this process
// plays, as fixed at startup by configuration.
func (p *Pipeline) RunMode() model.RunMode {
	return p.mode
}

// GetValidWireGuardConfig implements §4.11's `get_valid_wireguard_config`:
// derive the id range from priority, register a lease, read the peer's
// conf with retries, then honor feedback-url cancellation.
func (p *Pipeline) GetValidWireGuardConfig(ctx context.Context, priority bool, leaseFor time.Duration, feedbackURL string) (WireGuardResult, error) {
	if err := p.driver.WaitReady(ctx, 0); err != nil {
		return WireGuardResult{}, fmt.Errorf("wait wireguard ready: %w", err)
	}
	slots := p.driver.CountConfigs(p.peerCount)

	startID, endID := p.idRange(priority)

	peerID, err := p.leases.RegisterLease(ctx, startID, endID, leaseFor)
	if err != nil {
		return WireGuardResult{}, fmt.Errorf("register wireguard lease: %w", err)
	}

	var conf string
	for attempt := 0; attempt < 3; attempt++ {
		conf, err = p.driver.ReadPeerConfig(peerID)
		if err == nil {
			break
		}
		if attempt < 2 {
			time.Sleep(5 * time.Second)
		}
	}
	if err != nil {
		return WireGuardResult{}, fmt.Errorf("read peer %d conf after retries: %w", peerID, err)
	}

	if feedbackURL != "" {
		complete, err := p.federation.CheckFeedback(ctx, feedbackURL)
		if err == nil && complete {
			if err := p.leases.MarkConfigAsFree(ctx, peerID); err != nil {
				p.logger.Warn().Err(err).Int("peer_id", peerID).Msg("failed to release conceded lease")
			}
			return WireGuardResult{Cancelled: true}, nil
		}
	}

	return WireGuardResult{
		WireGuardConfig: conf,
		PeerID:          peerID,
		PeerSlots:       slots,
		ExpiresAt:       time.Now().Add(leaseFor),
	}, nil
}

// idRange derives §4.4's priority/standard id windows, falling back to
// the full range if the priority slot count isn't strictly smaller.
func (p *Pipeline) idRange(priority bool) (int, int) {
	if p.prioritySlots >= p.peerCount {
		return 1, p.peerCount
	}
	if priority {
		return 1, p.prioritySlots
	}
	return p.prioritySlots + 1, p.peerCount
}

// GetValidSOCKS5Config is §4.11's entry point onto C5's get_socks5_config:
// it makes sure dante is up before leasing, and when a lease attempt
// fails it runs reloadSOCKS5Pool once and retries before giving up.
func (p *Pipeline) GetValidSOCKS5Config(ctx context.Context, leaseFor time.Duration, priority bool) (model.SOCKS5Config, error) {
	if err := p.ensureDanteReady(ctx); err != nil {
		return model.SOCKS5Config{}, fmt.Errorf("ensure dante ready: %w", err)
	}

	cfg, err := p.socks.GetConfig(ctx, leaseFor, priority, p.prioritySlots)
	if err == nil {
		return cfg, nil
	}

	if reloadErr := p.reloadSOCKS5Pool(ctx); reloadErr != nil {
		return model.SOCKS5Config{}, fmt.Errorf("pool exhausted (%v), reload failed: %w", err, reloadErr)
	}
	return p.socks.GetConfig(ctx, leaseFor, priority, p.prioritySlots)
}

// ensureDanteReady probes the dante daemon only once per process
// lifetime; once Ready has marked it initialized, later calls skip
// the reachability probe.
func (p *Pipeline) ensureDanteReady(ctx context.Context) error {
	if p.dante.Initialized() {
		return nil
	}
	return p.dante.Ready(ctx, 30*time.Second)
}

// reloadSOCKS5Pool calls dante.Restart (which clears the driver's
// initialized flag and leaves the container running), probes dante
// again, and reseeds worker_socks5_configs from its on-disk credential
// files, for the case where the standard
// pool is exhausted but dante itself holds credentials the database
// doesn't know about yet.
func (p *Pipeline) reloadSOCKS5Pool(ctx context.Context) error {
	if err := p.dante.Restart(ctx); err != nil {
		return fmt.Errorf("restart dante: %w", err)
	}
	if err := p.dante.Ready(ctx, 30*time.Second); err != nil {
		return fmt.Errorf("wait dante ready after restart: %w", err)
	}
	creds, err := p.dante.LoadFromDisk()
	if err != nil {
		return fmt.Errorf("load socks5 credentials from disk: %w", err)
	}
	return p.socks.WriteSocks(ctx, creds)
}

// WorkerCandidateSource supplies the worker rows a miner or validator
// dispatches to when it cannot provision in-process.
type WorkerCandidateSource interface {
	GetWorkers(ctx context.Context) ([]model.Worker, error)
}

// AddConfigsToWorkers annotates each worker with a wireguard/socks5
// config using the path appropriate to this process's run mode:
// in-process provisioning for a worker scoring itself, a direct fetch
// for a miner dispatching to its own workers, or a through-pool fetch
// for a validator reaching workers via their mining pool.
func (p *Pipeline) AddConfigsToWorkers(ctx context.Context, workers []model.Worker, req federation.ConfigRequest) ([]model.Worker, error) {
	out := make([]model.Worker, len(workers))
	copy(out, workers)

	switch p.mode {
	case model.RunModeWorker:
		result, err := p.GetValidWireGuardConfig(ctx, false, time.Duration(req.LeaseSeconds)*time.Second, "")
		if err != nil {
			return nil, fmt.Errorf("provision in-process worker config: %w", err)
		}
		sock, err := p.GetValidSOCKS5Config(ctx, time.Duration(req.LeaseSeconds)*time.Second, false)
		if err != nil {
			return nil, fmt.Errorf("provision in-process socks5 config: %w", err)
		}
		for i := range out {
			wg := result.WireGuardConfig
			out[i].WireGuardConfig = &wg
			sockStr := sock.Sock
			out[i].SOCKS5Config = &sockStr
		}
	case model.RunModeMiner, model.RunModeValidator:
		candidates := make([]federation.WorkerCandidate, 0, len(out))
		for _, w := range out {
			candidates = append(candidates, federation.WorkerCandidate{IP: w.IP, PublicPort: w.PublicPort})
		}
		result, err := dispatch(ctx, p.federation, p.mode, candidates, req)
		if err != nil {
			return nil, err
		}
		for i := range out {
			wg := result.WireGuardConfig
			out[i].WireGuardConfig = &wg
			sockStr := result.SOCKS5Config
			out[i].SOCKS5Config = &sockStr
		}
	}
	return out, nil
}

func dispatch(ctx context.Context, fed *federation.Client, mode model.RunMode, candidates []federation.WorkerCandidate, req federation.ConfigRequest) (federation.ConfigResult, error) {
	if mode == model.RunModeValidator {
		return fed.GetWorkerConfigAsValidator(ctx, candidates, req)
	}
	return fed.GetWorkerConfigAsMiner(ctx, candidates, req)
}

// FeedbackHandler exposes ticket status for the §6 status-polling route.
func FeedbackHandler(fed *federation.Client) func(requestID string) (model.RequestTicket, bool) {
	return func(requestID string) (model.RequestTicket, bool) {
		return fed.TicketStatus(requestID)
	}
}
