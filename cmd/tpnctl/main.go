package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/taofu-labs/tpn-core/internal/config"
	"github.com/taofu-labs/tpn-core/internal/dantedriver"
	"github.com/taofu-labs/tpn-core/internal/db"
	"github.com/taofu-labs/tpn-core/internal/lock"
	"github.com/taofu-labs/tpn-core/internal/sockslease"
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
	"github.com/taofu-labs/tpn-core/internal/wgdriver"
	"github.com/taofu-labs/tpn-core/internal/wgleases"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		dir := fs.String("dir", "migrations", "Migration files directory")
		fs.Parse(os.Args[2:])

		cfg, err := config.Load()
		if err != nil {
			fail("load config: %v", err)
		}
		if err := db.RunMigrations(cfg.DatabaseURL, *dir); err != nil {
			fail("run migrations: %v", err)
		}
		fmt.Println("migrations applied")

	case "lease":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: tpnctl lease <status|reclaim>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "status":
			leaseStatus()
		case "reclaim":
			leaseReclaim()
		default:
			fmt.Fprintf(os.Stderr, "Unknown lease command: %s\n", os.Args[2])
			os.Exit(1)
		}

	case "validator":
		if len(os.Args) < 3 || os.Args[2] != "list" {
			fmt.Fprintln(os.Stderr, "Usage: tpnctl validator list")
			os.Exit(1)
		}
		validatorList()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage:
  tpnctl migrate [-dir <migrations-dir>]
  tpnctl lease status
  tpnctl lease reclaim
  tpnctl validator list

Commands:
  migrate          Apply pending database migrations
  lease status      Dump currently open WireGuard and SOCKS5 leases
  lease reclaim     Force an expired-lease cleanup sweep
  validator list    Print the configured fallback validator set`)
}

func wgLeasesStore(cfg *config.Config, logger zerolog.Logger, pool dbPoolCloser) *wgleases.Store {
	locks := lock.NewRegistry()
	driver := wgdriver.New(logger, cfg.WireGuardConfigDir, cfg.ServerPublicHost, cfg.ServerPublicPort, cfg.CIMockWGContainer)
	return wgleases.New(pool, locks, driver, cfg.BetaRefreshLeaseInsteadOfDelete)
}

func socksLeasesStore(cfg *config.Config, logger zerolog.Logger, pool dbPoolCloser) *sockslease.Store {
	locks := lock.NewRegistry()
	driver := dantedriver.New(logger, cfg.PasswordDir, cfg.DanteRegenRequestDir, cfg.ServerPublicHost, cfg.DantePort, cfg.CIMode)
	return sockslease.New(pool, locks, driver, cfg.PasswordDir)
}

func leaseStatus() {
	cfg, ctx, logger, pool := mustConnect()
	defer pool.Close()

	wg, err := wgLeasesStore(cfg, logger, pool).ListOpen(ctx)
	if err != nil {
		fail("list wireguard leases: %v", err)
	}
	fmt.Printf("WireGuard leases (%d open):\n", len(wg))
	for _, l := range wg {
		fmt.Printf("  peer %d  expires %s\n", l.PeerID, time.UnixMilli(l.ExpiresAt).Format(time.RFC3339))
	}

	socks, err := socksLeasesStore(cfg, logger, pool).ListLeased(ctx)
	if err != nil {
		fail("list socks5 leases: %v", err)
	}
	fmt.Printf("SOCKS5 leases (%d open):\n", len(socks))
	for _, c := range socks {
		fmt.Printf("  %s  %s:%d  expires %s\n", c.Username, c.IPAddress, c.Port, time.UnixMilli(c.ExpiresAt).Format(time.RFC3339))
	}
}

func leaseReclaim() {
	cfg, ctx, logger, pool := mustConnect()
	defer pool.Close()

	if err := wgLeasesStore(cfg, logger, pool).CleanupExpired(ctx); err != nil {
		fail("reclaim wireguard leases: %v", err)
	}
	if err := socksLeasesStore(cfg, logger, pool).CleanupExpired(ctx); err != nil {
		fail("reclaim socks5 leases: %v", err)
	}
	fmt.Println("expired leases reclaimed")
}

func validatorList() {
	cfg, err := config.Load()
	if err != nil {
		fail("load config: %v", err)
	}
	if cfg.FallbackValidatorsPath == "" {
		fmt.Println("FALLBACK_VALIDATORS_PATH is not set")
		return
	}

	validators, err := validatorreg.LoadFallback(cfg.FallbackValidatorsPath)
	if err != nil {
		fail("load fallback validators: %v", err)
	}

	fmt.Printf("Fallback validators (%d):\n", len(validators))
	for _, v := range validators {
		uid := "testnet"
		if v.UID != nil {
			uid = fmt.Sprintf("%d", *v.UID)
		}
		fmt.Printf("  uid=%s ip=%s\n", uid, v.IP)
	}
}

// dbPoolCloser is the subset of *pgxpool.Pool the lease stores and this
// CLI both need, letting the helpers above stay agnostic of the
// concrete pool type.
type dbPoolCloser interface {
	wgleases.DB
	Close()
}

func mustConnect() (*config.Config, context.Context, zerolog.Logger, dbPoolCloser) {
	cfg, err := config.Load()
	if err != nil {
		fail("load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		fail("DATABASE_URL is required")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "tpnctl").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fail("connect to database: %v", err)
	}

	return cfg, context.Background(), logger, pool
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
