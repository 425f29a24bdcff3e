// Package wgdriver drives the WireGuard container: readiness probing,
// config counting, and atomic per-peer key rotation with rollback. It
// treats the daemon as a black box governed by two filesystem
// artifacts per peer — /config/peerK/peerK.conf (client) and the
// server's own wg0.conf — plus the live `wg` interface.
package wgdriver

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const wgInterface = "wg0"

// Driver drives the WireGuard container's readiness, key rotation, and
// restart lifecycle.
type Driver struct {
	logger     zerolog.Logger
	configDir  string
	publicHost string
	publicPort int
	mockMode   bool

	countMu      sync.Mutex
	countCached  int
	countExpires time.Time
}

func New(logger zerolog.Logger, configDir, publicHost string, publicPort int, mockMode bool) *Driver {
	return &Driver{
		logger:     logger.With().Str("component", "wgdriver").Logger(),
		configDir:  configDir,
		publicHost: publicHost,
		publicPort: publicPort,
		mockMode:   mockMode,
	}
}

func (d *Driver) peerDir(peerID int) string {
	return filepath.Join(d.configDir, fmt.Sprintf("peer%d", peerID))
}

func (d *Driver) peerConfPath(peerID int) string {
	return filepath.Join(d.peerDir(peerID), fmt.Sprintf("peer%d.conf", peerID))
}

func (d *Driver) readyMarker() string {
	return filepath.Join(d.configDir, ".wg_ready")
}

// WaitReady polls until the config directory, readiness marker, and the
// specific peer's conf file all exist, or graceWindow elapses.
func (d *Driver) WaitReady(ctx context.Context, peerID int) error {
	return d.waitReadyWithBudget(ctx, peerID, 30*time.Second, 200*time.Millisecond)
}

func (d *Driver) waitReadyWithBudget(ctx context.Context, peerID int, graceWindow, pollEvery time.Duration) error {
	if d.mockMode {
		return nil
	}
	deadline := time.Now().Add(graceWindow)
	for {
		if d.isReady(peerID) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wireguard server not ready for peer %d after %s", peerID, graceWindow)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

// isReady checks general server readiness, plus a specific peer's conf
// file when peerID is positive; peerID <= 0 means "server ready, peer
// not yet assigned" — used by the pre-lease readiness wait.
func (d *Driver) isReady(peerID int) bool {
	if _, err := os.Stat(d.configDir); err != nil {
		return false
	}
	if _, err := os.Stat(d.readyMarker()); err != nil {
		return false
	}
	if peerID <= 0 {
		return true
	}
	if _, err := os.Stat(d.peerConfPath(peerID)); err != nil {
		return false
	}
	return true
}

// ReadPeerConfig reads the client-facing conf file written for a peer.
// Callers in mock mode get a synthetic placeholder since no container
// ever wrote a real one to disk.
func (d *Driver) ReadPeerConfig(peerID int) (string, error) {
	if d.mockMode {
		return fmt.Sprintf("# mock config for peer %d\n", peerID), nil
	}
	raw, err := os.ReadFile(d.peerConfPath(peerID))
	if err != nil {
		return "", fmt.Errorf("read peer %d conf: %w", peerID, err)
	}
	return string(raw), nil
}

// CheckReachable performs a UDP reachability probe against the
// declared public WireGuard endpoint.
func (d *Driver) CheckReachable(ctx context.Context) error {
	if d.mockMode {
		return nil
	}
	addr := net.JoinHostPort(d.publicHost, strconv.Itoa(d.publicPort))
	conn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("dial wireguard endpoint %s: %w", addr, err)
	}
	defer conn.Close()
	return nil
}

// CountConfigs counts peerK/peerK.conf files for K in [1..n], caching
// the result for 10 seconds.
func (d *Driver) CountConfigs(n int) int {
	d.countMu.Lock()
	defer d.countMu.Unlock()

	if time.Now().Before(d.countExpires) {
		return d.countCached
	}

	count := 0
	for k := 1; k <= n; k++ {
		if _, err := os.Stat(d.peerConfPath(k)); err == nil {
			count++
		}
	}
	d.countCached = count
	d.countExpires = time.Now().Add(10 * time.Second)
	return count
}

// RotationResult carries the outcome of ReplaceConfig.
type RotationResult struct {
	Success bool
	NewKeys *wgtypes.Key
}

// snapshot captures the state needed to roll back a failed rotation.
type snapshot struct {
	clientConf   string
	serverConf   string
	oldPublicKey string
}

// ReplaceConfig atomically rotates the keypair for one peer: generate new
// keys, write the new client conf, swap the peer in the live interface by
// old-then-new public key, and rewrite the server conf for restart
// persistence. Any failure rolls every step back. The lease row is not
// touched here; the lease store deletes it after rotation.
func (d *Driver) ReplaceConfig(ctx context.Context, peerID int, clientIP string) (RotationResult, error) {
	if d.mockMode {
		return RotationResult{Success: true}, nil
	}

	snap, err := d.snapshotPeer(peerID)
	if err != nil {
		return RotationResult{}, fmt.Errorf("snapshot peer %d: %w", peerID, err)
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return RotationResult{}, fmt.Errorf("generate private key: %w", err)
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return RotationResult{}, fmt.Errorf("generate preshared key: %w", err)
	}
	pub := priv.PublicKey()

	if err := d.writeClientConf(peerID, priv, psk, pub); err != nil {
		d.rollback(peerID, snap)
		return RotationResult{}, fmt.Errorf("write client conf: %w", err)
	}

	if err := d.swapInterfacePeer(ctx, snap.oldPublicKey, pub.String(), psk.String(), clientIP); err != nil {
		d.rollback(peerID, snap)
		return RotationResult{}, fmt.Errorf("swap interface peer: %w", err)
	}

	if err := d.rewriteServerConf(peerID, pub, psk, clientIP); err != nil {
		d.rollback(peerID, snap)
		return RotationResult{}, fmt.Errorf("rewrite server conf: %w", err)
	}

	return RotationResult{Success: true, NewKeys: &pub}, nil
}

// ReplaceConfigs rotates peerIDs sequentially — never in parallel, since
// rotation mutates the shared live interface.
func (d *Driver) ReplaceConfigs(ctx context.Context, peerIDs []int) error {
	for _, id := range peerIDs {
		if _, err := d.ReplaceConfig(ctx, id, fmt.Sprintf("10.8.0.%d", id)); err != nil {
			return fmt.Errorf("rotate peer %d: %w", id, err)
		}
	}
	return nil
}

// DeleteConfigs removes each peer's on-disk config directory. Peers on
// the live interface are left in place.
func (d *Driver) DeleteConfigs(ctx context.Context, peerIDs []int) error {
	if d.mockMode {
		return nil
	}
	for _, id := range peerIDs {
		if err := os.RemoveAll(d.peerDir(id)); err != nil {
			return fmt.Errorf("remove peer %d dir: %w", id, err)
		}
	}
	return nil
}

// RestartContainer restarts the wireguard daemon container.
func (d *Driver) RestartContainer(ctx context.Context) error {
	if d.mockMode {
		return nil
	}
	cmd := exec.CommandContext(ctx, "wg-quick", "down", wgInterface)
	_ = cmd.Run()
	cmd = exec.CommandContext(ctx, "wg-quick", "up", wgInterface)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("wg-quick up %s: %s: %w", wgInterface, string(out), err)
	}
	d.logger.Info().Msg("wireguard container restarted")
	return nil
}

func (d *Driver) snapshotPeer(peerID int) (snapshot, error) {
	clientConf, err := os.ReadFile(d.peerConfPath(peerID))
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := parsePublicKey(string(clientConf))
	if err != nil {
		return snapshot{}, err
	}
	serverConf, _ := os.ReadFile(filepath.Join(d.configDir, "wg0.conf"))
	return snapshot{clientConf: string(clientConf), serverConf: string(serverConf), oldPublicKey: cfg}, nil
}

func parsePublicKey(conf string) (string, error) {
	for _, line := range strings.Split(conf, "\n") {
		key, val, ok := strings.Cut(line, "=")
		if ok && strings.TrimSpace(key) == "PublicKey" {
			return strings.TrimSpace(val), nil
		}
	}
	return "", fmt.Errorf("no PublicKey found in client conf")
}

func (d *Driver) writeClientConf(peerID int, priv, psk wgtypes.Key, pub wgtypes.Key) error {
	content := fmt.Sprintf("[Interface]\nPrivateKey = %s\n\n[Peer]\nPublicKey = %s\nPresharedKey = %s\n",
		priv.String(), pub.String(), psk.String())
	return os.WriteFile(d.peerConfPath(peerID), []byte(content), 0o600)
}

func (d *Driver) swapInterfacePeer(ctx context.Context, oldPubKey, newPubKey, psk, clientIP string) error {
	if oldPubKey != "" {
		exec.CommandContext(ctx, "wg", "set", wgInterface, "peer", oldPubKey, "remove").CombinedOutput()
	}
	cmd := exec.CommandContext(ctx, "wg", "set", wgInterface,
		"peer", newPubKey,
		"preshared-key", "/dev/stdin",
		"allowed-ips", clientIP+"/32",
	)
	cmd.Stdin = strings.NewReader(psk + "\n")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("wg set peer %s: %s: %w", newPubKey, string(out), err)
	}
	return nil
}

func (d *Driver) rewriteServerConf(peerID int, pub, psk wgtypes.Key, clientIP string) error {
	path := filepath.Join(d.configDir, "wg0.conf")
	existing, _ := os.ReadFile(path)
	stanza := fmt.Sprintf("\n# peer %d\n[Peer]\nPublicKey = %s\nPresharedKey = %s\nAllowedIPs = %s/32\n",
		peerID, pub.String(), psk.String(), clientIP)
	return os.WriteFile(path, append(existing, []byte(stanza)...), 0o600)
}

func (d *Driver) rollback(peerID int, snap snapshot) {
	if snap.clientConf != "" {
		_ = os.WriteFile(d.peerConfPath(peerID), []byte(snap.clientConf), 0o600)
	}
	if snap.oldPublicKey != "" {
		exec.Command("wg", "set", wgInterface, "peer", snap.oldPublicKey).CombinedOutput()
	}
	if snap.serverConf != "" {
		_ = os.WriteFile(filepath.Join(d.configDir, "wg0.conf"), []byte(snap.serverConf), 0o600)
	}
	d.logger.Warn().Int("peer_id", peerID).Msg("rolled back failed wireguard config rotation")
}
