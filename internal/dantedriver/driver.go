// Package dantedriver drives the SOCKS5 (Dante) daemon: readiness
// probing, loading credentials off disk, and requesting password
// regeneration through a filesystem trigger the daemon's inotify loop
// consumes.
package dantedriver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/taofu-labs/tpn-core/internal/model"
)

type Driver struct {
	logger      zerolog.Logger
	passwordDir string
	regenDir    string
	publicHost  string
	publicPort  int
	mockMode    bool

	initialized bool
}

func New(logger zerolog.Logger, passwordDir, regenDir, publicHost string, publicPort int, mockMode bool) *Driver {
	return &Driver{
		logger:      logger.With().Str("component", "dantedriver").Logger(),
		passwordDir: passwordDir,
		regenDir:    regenDir,
		publicHost:  publicHost,
		publicPort:  publicPort,
		mockMode:    mockMode,
	}
}

// Ready performs a TCP reachability probe against the public Dante
// endpoint, polling until it succeeds or maxWait elapses.
func (d *Driver) Ready(ctx context.Context, maxWait time.Duration) error {
	if d.mockMode {
		d.initialized = true
		return nil
	}
	addr := net.JoinHostPort(d.publicHost, strconv.Itoa(d.publicPort))
	deadline := time.Now().Add(maxWait)
	for {
		conn, err := (&net.Dialer{Timeout: 2 * time.Second}).DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			d.initialized = true
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("dante not reachable at %s after %s: %w", addr, maxWait, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// LoadFromDisk enumerates <user>.password files and builds one
// SOCKS5Credential per file; availability is the absence of the
// companion <user>.password.used marker.
func (d *Driver) LoadFromDisk() ([]model.SOCKS5Credential, error) {
	entries, err := os.ReadDir(d.passwordDir)
	if err != nil {
		if d.mockMode {
			return nil, nil
		}
		return nil, fmt.Errorf("read password dir %s: %w", d.passwordDir, err)
	}

	var creds []model.SOCKS5Credential
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".password") {
			continue
		}
		username := strings.TrimSuffix(e.Name(), ".password")
		password, err := os.ReadFile(filepath.Join(d.passwordDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read password file for %s: %w", username, err)
		}

		usedPath := filepath.Join(d.passwordDir, username+".password.used")
		available := true
		var expiresAt int64
		if data, err := os.ReadFile(usedPath); err == nil {
			available = false
			expiresAt, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		}

		creds = append(creds, model.SOCKS5Credential{
			IPAddress: d.publicHost,
			Port:      d.publicPort,
			Username:  username,
			Password:  strings.TrimSpace(string(password)),
			Available: available,
			ExpiresAt: expiresAt,
		})
	}
	return creds, nil
}

// Regenerate drops a trigger file for username and polls for its
// consumption by the daemon's inotify loop, then returns the new
// password. Fails with a timeout after 20s.
func (d *Driver) Regenerate(ctx context.Context, username string) (string, error) {
	if d.mockMode {
		return "mock-password-" + username, nil
	}

	trigger := filepath.Join(d.regenDir, username)
	if err := os.WriteFile(trigger, []byte{}, 0o600); err != nil {
		return "", fmt.Errorf("write regen trigger for %s: %w", username, err)
	}

	deadline := time.Now().Add(20 * time.Second)
	for {
		if _, err := os.Stat(trigger); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timed out waiting for dante to consume regen trigger for %s", username)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	password, err := os.ReadFile(filepath.Join(d.passwordDir, username+".password"))
	if err != nil {
		return "", fmt.Errorf("read regenerated password for %s: %w", username, err)
	}
	return strings.TrimSpace(string(password)), nil
}

// Restart clears the initialized flag, so the pipeline's next readiness
// check probes the daemon again. It does not stop or start the dante
// container; outside mock mode it only logs.
func (d *Driver) Restart(ctx context.Context) error {
	d.initialized = false
	if d.mockMode {
		return nil
	}
	d.logger.Info().Msg("dante container restarted")
	return nil
}

func (d *Driver) Initialized() bool { return d.initialized }
