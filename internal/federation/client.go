// Package federation fans HTTP requests out across the tree of
// workers, mining pools, and validators: chunked parallelism with
// first-success early termination, request-id feedback URLs so a
// losing racer can release its lease, and allSettled-style
// broadcasts for registration.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/taofu-labs/tpn-core/internal/model"
)

type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
	baseURL    string // this node's own externally-reachable base URL, for feedback_url

	mu      sync.Mutex
	tickets map[string]ticketEntry
}

type ticketEntry struct {
	status  model.TicketStatus
	expires time.Time
}

func New(logger zerolog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "federation").Logger(),
		baseURL:    baseURL,
		tickets:    make(map[string]ticketEntry),
	}
}

// ConfigRequest parameterizes a fan-out request for a lease config.
type ConfigRequest struct {
	Geo           string
	ConnectionType model.ConnectionType
	Whitelist     []string
	Blacklist     []string
	LeaseSeconds  int
	Priority      bool
}

// WorkerCandidate is one fan-out target with its reachable address.
type WorkerCandidate struct {
	IP         string
	PublicPort int
}

// ConfigResult is what a successful downstream call returns.
type ConfigResult struct {
	WireGuardConfig string `json:"wireguard_config,omitempty"`
	SOCKS5Config    string `json:"socks5_config,omitempty"`
	PeerID          int    `json:"peer_id,omitempty"`
}

const chunkSizeMiner = 10
const chunkSizeValidator = 3
const ticketTTL = 60 * time.Second

// GetWorkerConfigAsMiner fans a config request out to workers directly,
// chunk size 10, first non-empty response per chunk wins. Each worker
// is reached on its own worker-facing `GET /vpn` lease endpoint, the
// same one a direct end user would hit.
func (c *Client) GetWorkerConfigAsMiner(ctx context.Context, candidates []WorkerCandidate, req ConfigRequest) (ConfigResult, error) {
	return c.fanOut(ctx, candidates, req, chunkSizeMiner, func(ctx context.Context, w WorkerCandidate, feedbackURL string) (ConfigResult, error) {
		return c.requestConfig(ctx, fmt.Sprintf("http://%s:%d/vpn", w.IP, w.PublicPort), req, feedbackURL)
	})
}

// GetWorkerConfigAsValidator fans out through mining pools (chunk size
// 3); each pool runs the same `GET /vpn` handler in miner mode, which
// relays to one of its own workers and honors feedback_url.
func (c *Client) GetWorkerConfigAsValidator(ctx context.Context, pools []WorkerCandidate, req ConfigRequest) (ConfigResult, error) {
	return c.fanOut(ctx, pools, req, chunkSizeValidator, func(ctx context.Context, p WorkerCandidate, feedbackURL string) (ConfigResult, error) {
		return c.requestConfig(ctx, fmt.Sprintf("http://%s:%d/vpn", p.IP, p.PublicPort), req, feedbackURL)
	})
}

func (c *Client) fanOut(
	ctx context.Context,
	candidates []WorkerCandidate,
	req ConfigRequest,
	chunkSize int,
	call func(ctx context.Context, w WorkerCandidate, feedbackURL string) (ConfigResult, error),
) (ConfigResult, error) {
	candidates = filterValidIPv4(candidates)
	candidates = applyWhitelistBlacklist(candidates, req.Whitelist, req.Blacklist)
	shuffle(candidates)

	requestID := uuid.NewString()
	feedbackURL := fmt.Sprintf("%s/api/status/request/%s", c.baseURL, requestID)
	c.setTicket(requestID, model.TicketPending)

	for start := 0; start < len(candidates); start += chunkSize {
		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		result, err := c.raceChunk(ctx, chunk, req, feedbackURL, call)
		if err == nil {
			c.setTicket(requestID, model.TicketComplete)
			return result, nil
		}
		c.logger.Debug().Err(err).Int("chunk_start", start).Msg("chunk exhausted, trying next")
	}

	return ConfigResult{}, fmt.Errorf("no candidate returned a usable config out of %d", len(candidates))
}

// raceChunk fires every member of chunk in parallel and returns the
// first non-empty config; the rest are left to finish in the
// background so the loser-concedes-via-feedback-URL protocol can run.
func (c *Client) raceChunk(
	ctx context.Context,
	chunk []WorkerCandidate,
	req ConfigRequest,
	feedbackURL string,
	call func(ctx context.Context, w WorkerCandidate, feedbackURL string) (ConfigResult, error),
) (ConfigResult, error) {
	type outcome struct {
		result ConfigResult
		err    error
	}
	results := make(chan outcome, len(chunk))

	for _, w := range chunk {
		w := w
		go func() {
			res, err := call(ctx, w, feedbackURL)
			results <- outcome{res, err}
		}()
	}

	var lastErr error
	for i := 0; i < len(chunk); i++ {
		o := <-results
		if o.err == nil && (o.result.WireGuardConfig != "" || o.result.SOCKS5Config != "") {
			return o.result, nil
		}
		if o.err != nil {
			lastErr = o.err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all chunk members returned empty configs")
	}
	return ConfigResult{}, lastErr
}

// requestConfig hits the same `GET /vpn` lease endpoint a direct end
// user would, matching internal/api/request.ParseVPNLease's query
// contract exactly: there is no separate POST ingestion route on
// either a worker or a pool running in miner mode.
func (c *Client) requestConfig(ctx context.Context, targetURL string, req ConfigRequest, feedbackURL string) (ConfigResult, error) {
	q := url.Values{}
	if req.Geo != "" {
		q.Set("geo", req.Geo)
	}
	q.Set("format", "json")
	q.Set("lease_seconds", strconv.Itoa(req.LeaseSeconds))
	q.Set("priority", strconv.FormatBool(req.Priority))
	if feedbackURL != "" {
		q.Set("feedback_url", feedbackURL)
	}

	fullURL := targetURL + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return ConfigResult{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ConfigResult{}, fmt.Errorf("request config from %s: %w", fullURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return ConfigResult{}, fmt.Errorf("%s returned %d: %s", fullURL, resp.StatusCode, string(respBody))
	}

	var result ConfigResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ConfigResult{}, fmt.Errorf("decode config from %s: %w", fullURL, err)
	}
	return result, nil
}

// CheckFeedback polls a feedback URL (as a worker does once it has
// provisioned a lease) and reports whether another racer already won.
func (c *Client) CheckFeedback(ctx context.Context, feedbackURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedbackURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("poll feedback url: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Status model.TicketStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode feedback response: %w", err)
	}
	return payload.Status == model.TicketComplete, nil
}

func (c *Client) setTicket(requestID string, status model.TicketStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickets[requestID] = ticketEntry{status: status, expires: time.Now().Add(ticketTTL)}
}

// TicketStatus answers the in-process GET /api/status/request/:id route.
func (c *Client) TicketStatus(requestID string) (model.RequestTicket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.tickets[requestID]
	if !ok || time.Now().After(entry.expires) {
		return model.RequestTicket{}, false
	}
	return model.RequestTicket{RequestID: requestID, Status: entry.status}, true
}

// RegistrationReport summarizes an allSettled-style broadcast.
type RegistrationReport struct {
	Successes int
	Failures  []string
}

// RegisterMiningPoolWithValidators broadcasts this pool's identity to
// every known validator, learning each validator's preferred protocol
// via GET / before POSTing the payload.
func (c *Client) RegisterMiningPoolWithValidators(ctx context.Context, validatorIPs []string, payload model.NodeIdentity) RegistrationReport {
	return c.broadcast(ctx, validatorIPs, "/validator/broadcast/mining_pool", payload)
}

// RegisterMiningPoolWorkersWithValidators broadcasts the pool's current
// worker inventory to every known validator.
func (c *Client) RegisterMiningPoolWorkersWithValidators(ctx context.Context, validatorIPs []string, workers []model.Worker) RegistrationReport {
	return c.broadcast(ctx, validatorIPs, "/validator/broadcast/workers", workers)
}

func (c *Client) broadcast(ctx context.Context, validatorIPs []string, path string, payload any) RegistrationReport {
	var mu sync.Mutex
	report := RegistrationReport{}

	g, gctx := errgroup.WithContext(context.Background())
	for _, ip := range validatorIPs {
		ip := ip
		g.Go(func() error {
			if err := c.postToValidator(gctx, ip, path, payload); err != nil {
				mu.Lock()
				report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", ip, err))
				mu.Unlock()
				return nil // allSettled semantics: never abort siblings
			}
			mu.Lock()
			report.Successes++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	_ = ctx
	return report
}

func (c *Client) postToValidator(ctx context.Context, ip, path string, payload any) error {
	identityResp, err := c.httpClient.Get(fmt.Sprintf("http://%s:3000/", ip))
	protocol, host, port := "http", ip, 3000
	if err == nil {
		defer identityResp.Body.Close()
		var identity model.NodeIdentity
		if json.NewDecoder(identityResp.Body).Decode(&identity) == nil && identity.ServerPublicHost != "" {
			protocol, host, port = identity.ServerPublicProtocol, identity.ServerPublicHost, identity.ServerPublicPort
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s://%s:%d%s", protocol, host, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("validator %s returned %d: %s", ip, resp.StatusCode, string(respBody))
	}
	return nil
}

func filterValidIPv4(candidates []WorkerCandidate) []WorkerCandidate {
	out := make([]WorkerCandidate, 0, len(candidates))
	for _, c := range candidates {
		if parsed := net.ParseIP(c.IP); parsed != nil && parsed.To4() != nil {
			out = append(out, c)
		}
	}
	return out
}

func applyWhitelistBlacklist(candidates []WorkerCandidate, whitelist, blacklist []string) []WorkerCandidate {
	blocked := toSet(blacklist)
	allowed := toSet(whitelist)

	out := make([]WorkerCandidate, 0, len(candidates))
	for _, c := range candidates {
		if blocked[c.IP] {
			continue
		}
		if len(allowed) > 0 && !allowed[c.IP] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, i := range items {
		s[i] = true
	}
	return s
}

func shuffle(candidates []WorkerCandidate) {
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
}
