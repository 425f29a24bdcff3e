// Package config loads the federation node's configuration from the
// environment, following the flat Load()/Validate(role) shape used
// throughout this codebase's binaries.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"os"
)

type Config struct {
	RunMode string // RUN_MODE — worker | miner | validator

	DatabaseURL    string // DATABASE_URL
	HTTPListenAddr string // HTTP_LISTEN_ADDR — default :8090
	LogLevel       string // LOG_LEVEL — default info
	MetricsAddr    string // METRICS_ADDR

	ServerPublicHost     string // SERVER_PUBLIC_HOST
	ServerPublicPort     int    // SERVER_PUBLIC_PORT — default 3000
	ServerPublicProtocol string // SERVER_PUBLIC_PROTOCOL — default http

	WireGuardServerPort                int  // WIREGUARD_SERVERPORT — default 51820
	WireGuardPeerCount                 int  // WIREGUARD_PEER_COUNT — default 254
	BetaRefreshLeaseInsteadOfDelete    bool // BETA_REFRESH_LEASE_INSTEAD_OF_DELETE

	DantePort            int    // DANTE_PORT — default 1080
	PasswordDir          string // PASSWORD_DIR — default /passwords
	DanteRegenRequestDir string // DANTE_REGEN_REQUEST_DIR — default /dante_regen_requests

	UserCount     int // USER_COUNT — default 1024
	PrioritySlots int // PRIORITY_SLOTS — default 5

	MaxMindLicenseKey        string // MAXMIND_LICENSE_KEY
	IP2LocationDownloadToken string // IP2LOCATION_DOWNLOAD_TOKEN
	GeoIPDBPath              string // GEOIP_DB_PATH
	GeoIPCacheSize           int    // GEOIP_CACHE_SIZE — default 4096

	AdminAPIKey string // ADMIN_API_KEY

	CIMode                     bool // CI_MODE
	CIMockWorkerResponses      bool // CI_MOCK_WORKER_RESPONSES
	CIMockMiningPoolResponses  bool // CI_MOCK_MINING_POOL_RESPONSES
	CIMockWGContainer          bool // CI_MOCK_WG_CONTAINER

	SecretEncryptionKey string // SECRET_ENCRYPTION_KEY — 32-byte hex ChaCha20-Poly1305 key

	FallbackValidatorsPath string // FALLBACK_VALIDATORS_PATH

	WireGuardConfigDir string // WIREGUARD_CONFIG_DIR — default /config
	WireGuardReadyFile string // derived: <WireGuardConfigDir>/.wg_ready

	NodeBranch string // NODE_BRANCH
	NodeHash   string // NODE_HASH
	NodeVersion string // NODE_VERSION
}

func Load() (*Config, error) {
	cfg := &Config{
		RunMode: getEnv("RUN_MODE", "worker"),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8090"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),

		ServerPublicHost:     getEnv("SERVER_PUBLIC_HOST", ""),
		ServerPublicPort:     getEnvInt("SERVER_PUBLIC_PORT", 3000),
		ServerPublicProtocol: getEnv("SERVER_PUBLIC_PROTOCOL", "http"),

		WireGuardServerPort:             getEnvInt("WIREGUARD_SERVERPORT", 51820),
		WireGuardPeerCount:              getEnvInt("WIREGUARD_PEER_COUNT", 254),
		BetaRefreshLeaseInsteadOfDelete: getEnvBool("BETA_REFRESH_LEASE_INSTEAD_OF_DELETE", false),

		DantePort:            getEnvInt("DANTE_PORT", 1080),
		PasswordDir:          getEnv("PASSWORD_DIR", "/passwords"),
		DanteRegenRequestDir: getEnv("DANTE_REGEN_REQUEST_DIR", "/dante_regen_requests"),

		UserCount:     getEnvInt("USER_COUNT", 1024),
		PrioritySlots: getEnvInt("PRIORITY_SLOTS", 5),

		MaxMindLicenseKey:        getEnv("MAXMIND_LICENSE_KEY", ""),
		IP2LocationDownloadToken: getEnv("IP2LOCATION_DOWNLOAD_TOKEN", ""),
		GeoIPDBPath:              getEnv("GEOIP_DB_PATH", ""),
		GeoIPCacheSize:           getEnvInt("GEOIP_CACHE_SIZE", 4096),

		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),

		CIMode:                    getEnvBool("CI_MODE", false),
		CIMockWorkerResponses:     getEnvBool("CI_MOCK_WORKER_RESPONSES", false),
		CIMockMiningPoolResponses: getEnvBool("CI_MOCK_MINING_POOL_RESPONSES", false),
		CIMockWGContainer:         getEnvBool("CI_MOCK_WG_CONTAINER", false),

		SecretEncryptionKey: getEnv("SECRET_ENCRYPTION_KEY", ""),

		FallbackValidatorsPath: getEnv("FALLBACK_VALIDATORS_PATH", ""),

		WireGuardConfigDir: getEnv("WIREGUARD_CONFIG_DIR", "/config"),

		NodeBranch:  getEnv("NODE_BRANCH", "main"),
		NodeHash:    getEnv("NODE_HASH", ""),
		NodeVersion: getEnv("NODE_VERSION", "0.0.0"),
	}
	cfg.WireGuardReadyFile = cfg.WireGuardConfigDir + "/.wg_ready"

	return cfg, nil
}

// Validate checks required-by-role fields, mirroring the per-binary
// validation shape of this codebase's other entrypoints.
func (c *Config) Validate(role string) error {
	var missing []string

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.SecretEncryptionKey == "" {
		missing = append(missing, "SECRET_ENCRYPTION_KEY")
	}

	switch c.RunMode {
	case "worker", "miner", "validator":
	default:
		return fmt.Errorf("invalid RUN_MODE %q: want worker, miner, or validator", c.RunMode)
	}

	if c.RunMode == "validator" && c.FallbackValidatorsPath == "" {
		missing = append(missing, "FALLBACK_VALIDATORS_PATH")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config for %s: %s", role, strings.Join(missing, ", "))
	}

	if c.PrioritySlots >= c.WireGuardPeerCount {
		return fmt.Errorf("PRIORITY_SLOTS (%d) must be less than WIREGUARD_PEER_COUNT (%d)", c.PrioritySlots, c.WireGuardPeerCount)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
