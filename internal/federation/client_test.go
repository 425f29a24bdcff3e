package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidateFromServer(t *testing.T, srv *httptest.Server) WorkerCandidate {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := splitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return WorkerCandidate{IP: host, PublicPort: port}
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	return hostport[:idx], hostport[idx+1:], nil
}

func TestGetWorkerConfigAsMiner_ReturnsFirstSuccess(t *testing.T) {
	winner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ConfigResult{WireGuardConfig: "cfg-from-winner", PeerID: 7})
	}))
	defer winner.Close()

	loser := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(ConfigResult{})
	}))
	defer loser.Close()

	c := New(zerolog.Nop(), "http://127.0.0.1:8090")
	candidates := []WorkerCandidate{candidateFromServer(t, winner), candidateFromServer(t, loser)}

	result, err := c.GetWorkerConfigAsMiner(context.Background(), candidates, ConfigRequest{LeaseSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, "cfg-from-winner", result.WireGuardConfig)
}

func TestGetWorkerConfigAsMiner_AllEmptyReturnsError(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ConfigResult{})
	}))
	defer empty.Close()

	c := New(zerolog.Nop(), "http://127.0.0.1:8090")
	candidates := []WorkerCandidate{candidateFromServer(t, empty)}

	_, err := c.GetWorkerConfigAsMiner(context.Background(), candidates, ConfigRequest{LeaseSeconds: 60})
	assert.Error(t, err)
}

func TestApplyWhitelistBlacklist(t *testing.T) {
	candidates := []WorkerCandidate{{IP: "1.1.1.1"}, {IP: "2.2.2.2"}, {IP: "3.3.3.3"}}

	blacklisted := applyWhitelistBlacklist(candidates, nil, []string{"2.2.2.2"})
	assert.Len(t, blacklisted, 2)

	whitelisted := applyWhitelistBlacklist(candidates, []string{"3.3.3.3"}, nil)
	require.Len(t, whitelisted, 1)
	assert.Equal(t, "3.3.3.3", whitelisted[0].IP)
}

func TestFilterValidIPv4_DropsNonIPv4(t *testing.T) {
	candidates := []WorkerCandidate{{IP: "10.0.0.1"}, {IP: "not-an-ip"}, {IP: "::1"}}
	filtered := filterValidIPv4(candidates)
	require.Len(t, filtered, 1)
	assert.Equal(t, "10.0.0.1", filtered[0].IP)
}

func TestTicketStatus_ExpiresAfterTTL(t *testing.T) {
	c := New(zerolog.Nop(), "http://127.0.0.1:8090")
	c.setTicket("req-1", "complete")

	ticket, ok := c.TicketStatus("req-1")
	require.True(t, ok)
	assert.Equal(t, "complete", string(ticket.Status))

	c.mu.Lock()
	c.tickets["req-1"] = ticketEntry{status: "complete", expires: time.Now().Add(-time.Second)}
	c.mu.Unlock()

	_, ok = c.TicketStatus("req-1")
	assert.False(t, ok)
}
