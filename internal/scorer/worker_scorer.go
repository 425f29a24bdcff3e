// Package scorer probes workers and mining pools end-to-end and
// persists up/down status and composite scores.
package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"github.com/taofu-labs/tpn-core/internal/geoip"
	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/lock"
	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/wgconfig"
)

const lockScoreWorkers = "score_all_known_workers"

// WorkerWithConfig pairs a worker record with the lease configs
// fetched for it ahead of validation.
type WorkerWithConfig struct {
	Worker          model.Worker
	WireGuardConfig string
	SOCKS5Config    string
}

// LocalBuild is this node's own build identity, used to judge a
// worker's reported version against a semver grace window.
type LocalBuild struct {
	Branch           string
	Version          string
	Hash             string
	LastCommitAt     time.Time
	ExpectedPoolURL  string
	DefaultPoolURL   string
}

type WorkerScorer struct {
	logger    zerolog.Logger
	locks     *lock.Registry
	inventory *inventory.Store
	geo       *geoip.Resolver
	httpClient *http.Client
	local     LocalBuild
}

func NewWorkerScorer(logger zerolog.Logger, locks *lock.Registry, inv *inventory.Store, geo *geoip.Resolver, local LocalBuild) *WorkerScorer {
	return &WorkerScorer{
		logger:     logger.With().Str("component", "worker_scorer").Logger(),
		locks:      locks,
		inventory:  inv,
		geo:        geo,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		local:      local,
	}
}

// ValidationResult is the scorer's verdict for one worker.
type ValidationResult struct {
	IP          string
	Success     bool
	Status      model.WorkerStatus
	Error       string
	CountryCode string
	Datacenter  *bool
}

// ScoreAll runs one scoring pass over every worker registered under the
// internal pool uid, skipping the run entirely if a previous pass is
// still in flight.
func (s *WorkerScorer) ScoreAll(ctx context.Context, maxDuration time.Duration, fetchConfigs func(ctx context.Context, w model.Worker) (WorkerWithConfig, error)) ([]ValidationResult, error) {
	release, ok := s.locks.TryAcquireLock(lockScoreWorkers)
	if !ok {
		s.logger.Debug().Msg("score_all_known_workers already running, skipping this tick")
		return nil, nil
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	workers, err := s.inventory.GetWorkers(ctx, inventory.Filter{MiningPoolUID: model.InternalMiningPoolUID})
	if err != nil {
		return nil, fmt.Errorf("load internal workers: %w", err)
	}

	withConfigs := make([]WorkerWithConfig, 0, len(workers))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			wc, err := fetchConfigs(gctx, w)
			if err != nil {
				s.logger.Warn().Str("ip", w.IP).Err(err).Msg("failed to fetch configs for worker")
				return nil
			}
			mu.Lock()
			withConfigs = append(withConfigs, wc)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	results := s.validateAndAnnotate(ctx, withConfigs, false)

	perf := make([]inventory.WorkerPerformance, 0, len(results))
	for _, r := range results {
		perf = append(perf, inventory.WorkerPerformance{
			IP: r.IP, MiningPoolUID: model.InternalMiningPoolUID,
			Status: r.Status, CountryCode: r.CountryCode, Datacenter: r.Datacenter,
		})
	}
	if err := s.inventory.WriteWorkerPerformance(ctx, perf); err != nil {
		return results, fmt.Errorf("persist worker performance: %w", err)
	}
	return results, nil
}

// validateAndAnnotate splits workers by shape/parse validity and scores
// the valid ones in parallel; asWorker toggles the egress-comparison
// direction (same-IP for self-checks, different-IP for peer checks).
func (s *WorkerScorer) validateAndAnnotate(ctx context.Context, workers []WorkerWithConfig, asWorker bool) []ValidationResult {
	results := make([]ValidationResult, len(workers))
	var wg sync.WaitGroup

	for i, w := range workers {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.scoreOne(ctx, w, asWorker)
		}()
	}
	wg.Wait()
	return results
}

func (s *WorkerScorer) scoreOne(ctx context.Context, w WorkerWithConfig, asWorker bool) ValidationResult {
	result := ValidationResult{IP: w.Worker.IP}

	cfg, err := wgconfig.ParseConfigString(w.WireGuardConfig)
	if err != nil {
		result.Status = model.StatusDown
		result.Error = fmt.Sprintf("invalid wireguard config: %v", err)
		return result
	}

	if err := s.scoreNodeVersion(ctx, w.Worker); err != nil {
		result.Status = model.StatusDown
		result.Error = err.Error()
		return result
	}

	if err := s.workerMatchesMiner(ctx, w.Worker); err != nil {
		result.Status = model.StatusDown
		result.Error = err.Error()
		return result
	}

	if err := s.testWireGuardConnection(ctx, cfg, asWorker); err != nil {
		result.Status = model.StatusDown
		result.Error = err.Error()
		return result
	}

	if err := s.testSOCKS5Connection(ctx, w.SOCKS5Config, asWorker); err != nil {
		result.Status = model.StatusDown
		result.Error = err.Error()
		return result
	}

	if geodata, err := s.geo.IPGeodata(w.Worker.IP); err == nil {
		result.CountryCode = geodata.CountryCode
		dc := geodata.Datacenter
		result.Datacenter = &dc
	}

	result.Success = true
	result.Status = model.StatusUp
	return result
}

// scoreNodeVersion fetches GET / on the worker and accepts it if its
// version matches local, clears the semver grace window, or falls
// within 24h of the local last-commit timestamp.
func (s *WorkerScorer) scoreNodeVersion(ctx context.Context, w model.Worker) error {
	identity, err := s.fetchIdentity(ctx, fmt.Sprintf("http://%s:%d/", w.IP, w.PublicPort))
	if err != nil {
		return fmt.Errorf("fetch worker identity: %w", err)
	}

	if identity.Version == s.local.Version {
		return nil
	}

	remote, errRemote := semver.NewVersion(identity.Version)
	minVersion, errMin := minSemver(s.local.Version)
	if errRemote == nil && errMin == nil && !remote.LessThan(minVersion) {
		return nil
	}

	if time.Since(s.local.LastCommitAt) < 24*time.Hour {
		return nil
	}

	return fmt.Errorf("worker version %q too far behind local %q", identity.Version, s.local.Version)
}

func minSemver(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, err
	}
	patch := v.Patch()
	if patch > 0 {
		patch--
	}
	return semver.New(v.Major(), v.Minor(), patch, "", ""), nil
}

// workerMatchesMiner fetches GET / on the worker and requires its
// broadcast mining pool URL to match the expected (or default) pool.
func (s *WorkerScorer) workerMatchesMiner(ctx context.Context, w model.Worker) error {
	identity, err := s.fetchIdentity(ctx, fmt.Sprintf("http://%s:%d/", w.IP, w.PublicPort))
	if err != nil {
		return fmt.Errorf("fetch worker identity: %w", err)
	}
	expected := s.local.ExpectedPoolURL
	if expected == "" {
		expected = s.local.DefaultPoolURL
	}
	if identity.MiningPoolURL != expected && identity.MiningPoolURL != s.local.DefaultPoolURL {
		return fmt.Errorf("worker reports mining pool %q, expected %q", identity.MiningPoolURL, expected)
	}
	return nil
}

func (s *WorkerScorer) fetchIdentity(ctx context.Context, url string) (model.NodeIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.NodeIdentity{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return model.NodeIdentity{}, err
	}
	defer resp.Body.Close()

	var identity model.NodeIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return model.NodeIdentity{}, err
	}
	return identity, nil
}

// testWireGuardConnection brings up the provided tunnel and compares
// the tunneled egress IP against the direct one: workers verifying
// their own tunnel expect the same IP, everyone else expects different.
func (s *WorkerScorer) testWireGuardConnection(ctx context.Context, cfg *wgconfig.Config, asWorker bool) error {
	tunnel, err := wgconfig.CreateTunnel(cfg)
	if err != nil {
		return fmt.Errorf("bring up tunnel: %w", err)
	}
	defer tunnel.Close()

	directIP, err := fetchDirectEgressIP(ctx, s.httpClient)
	if err != nil {
		return fmt.Errorf("fetch direct egress ip: %w", err)
	}
	tunnelIP, err := wgconfig.EgressIP(ctx, tunnel, "")
	if err != nil {
		return fmt.Errorf("fetch tunneled egress ip: %w", err)
	}

	same := directIP == tunnelIP
	if asWorker && !same {
		return fmt.Errorf("worker's own tunnel egress did not match direct egress")
	}
	if !asWorker && same {
		return fmt.Errorf("tunnel egress matched direct egress, tunnel is not carrying traffic")
	}
	return nil
}

// testSOCKS5Connection dials out through the proxy and compares its
// egress IP against the direct one, following the same same/different
// convention as the WG check.
func (s *WorkerScorer) testSOCKS5Connection(ctx context.Context, sock string, asWorker bool) error {
	if sock == "" {
		return fmt.Errorf("empty socks5 config")
	}
	parsed, err := url.Parse(sock)
	if err != nil || parsed.Scheme != "socks5" || parsed.Host == "" {
		return fmt.Errorf("malformed socks5 config %q", sock)
	}

	var auth *proxy.Auth
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
	}
	dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
	if err != nil {
		return fmt.Errorf("build socks5 dialer: %w", err)
	}

	relayClient := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		},
	}

	directIP, err := fetchDirectEgressIP(ctx, s.httpClient)
	if err != nil {
		return fmt.Errorf("fetch direct egress ip: %w", err)
	}
	relayedIP, err := fetchDirectEgressIP(ctx, relayClient)
	if err != nil {
		return fmt.Errorf("fetch socks5-relayed egress ip: %w", err)
	}

	same := directIP == relayedIP
	if asWorker && !same {
		return fmt.Errorf("worker's own socks5 egress did not match direct egress")
	}
	if !asWorker && same {
		return fmt.Errorf("socks5 egress matched direct egress, proxy is not carrying traffic")
	}
	return nil
}

func fetchDirectEgressIP(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.ipify.org?format=json", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.IP, nil
}
