package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taofu-labs/tpn-core/internal/api"
	"github.com/taofu-labs/tpn-core/internal/challenge"
	"github.com/taofu-labs/tpn-core/internal/config"
	"github.com/taofu-labs/tpn-core/internal/dantedriver"
	"github.com/taofu-labs/tpn-core/internal/db"
	"github.com/taofu-labs/tpn-core/internal/federation"
	"github.com/taofu-labs/tpn-core/internal/geoip"
	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/lock"
	"github.com/taofu-labs/tpn-core/internal/logging"
	"github.com/taofu-labs/tpn-core/internal/metrics"
	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/pipeline"
	"github.com/taofu-labs/tpn-core/internal/poolreg"
	"github.com/taofu-labs/tpn-core/internal/scheduler"
	"github.com/taofu-labs/tpn-core/internal/scorer"
	"github.com/taofu-labs/tpn-core/internal/sockslease"
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
	"github.com/taofu-labs/tpn-core/internal/wgdriver"
	"github.com/taofu-labs/tpn-core/internal/wgleases"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(cfg.RunMode); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	locks := lock.NewRegistry()
	mode := model.RunMode(cfg.RunMode)

	wgDriver := wgdriver.New(logger, cfg.WireGuardConfigDir, cfg.ServerPublicHost, cfg.ServerPublicPort, cfg.CIMockWGContainer)
	danteDriver := dantedriver.New(logger, cfg.PasswordDir, cfg.DanteRegenRequestDir, cfg.ServerPublicHost, cfg.DantePort, cfg.CIMode)

	wgLeases := wgleases.New(pool, locks, wgDriver, cfg.BetaRefreshLeaseInsteadOfDelete)
	socksLeases := sockslease.New(pool, locks, danteDriver, cfg.PasswordDir)

	if err := danteDriver.Ready(ctx, 30*time.Second); err != nil {
		logger.Warn().Err(err).Msg("dante not reachable at startup, socks5 leases will retry lazily")
	} else if creds, err := danteDriver.LoadFromDisk(); err != nil {
		logger.Warn().Err(err).Msg("failed to load socks5 credentials from disk at startup")
	} else if err := socksLeases.WriteSocks(ctx, creds); err != nil {
		logger.Warn().Err(err).Msg("failed to seed worker_socks5_configs from disk at startup")
	}

	inv := inventory.New(pool)
	pools := poolreg.New(pool)
	challenges := challenge.New(pool)

	geo, err := geoip.New(cfg.GeoIPCacheSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create geoip resolver")
	}
	if cfg.GeoIPDBPath != "" {
		if err := geo.LoadManifest(cfg.GeoIPDBPath); err != nil {
			logger.Fatal().Err(err).Msg("failed to load geoip manifest")
		}
	}

	var fallbackValidators []model.ValidatorDescriptor
	if cfg.FallbackValidatorsPath != "" {
		fallbackValidators, err = validatorreg.LoadFallback(cfg.FallbackValidatorsPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load fallback validators")
		}
	}
	validators := validatorreg.New(pool, fallbackValidators)
	if err := validators.LoadPersisted(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to seed validator registry from durable cache")
	}

	identity := model.NodeIdentity{
		Branch:               cfg.NodeBranch,
		Version:              cfg.NodeVersion,
		Hash:                 cfg.NodeHash,
		ServerPublicProtocol: cfg.ServerPublicProtocol,
		ServerPublicHost:     cfg.ServerPublicHost,
		ServerPublicPort:     cfg.ServerPublicPort,
	}

	baseURL := fmt.Sprintf("%s://%s:%d", cfg.ServerPublicProtocol, cfg.ServerPublicHost, cfg.ServerPublicPort)
	fed := federation.New(logger, baseURL)

	pipe := pipeline.New(logger, wgLeases, wgDriver, socksLeases, danteDriver, fed, mode, cfg.WireGuardPeerCount, cfg.PrioritySlots)

	sched := scheduler.New(logger)
	sched.Register(scheduler.Job{
		Name:     "cleanup_expired_wireguard_configs",
		Interval: 5 * time.Minute,
		Run:      wgLeases.CleanupExpired,
	})
	sched.Register(scheduler.Job{
		Name:     "cleanup_expired_dante_socks5_configs",
		Interval: 5 * time.Minute,
		Run:      socksLeases.CleanupExpired,
	})
	sched.Register(scheduler.Job{
		Name:     "sweep_expired_challenges",
		Interval: 10 * time.Minute,
		Run:      challenges.Sweep,
	})

	switch mode {
	case model.RunModeMiner:
		identity.MiningPoolURL = baseURL

		workerScorer := scorer.NewWorkerScorer(logger, locks, inv, geo, scorer.LocalBuild{
			Branch:          cfg.NodeBranch,
			Version:         cfg.NodeVersion,
			Hash:            cfg.NodeHash,
			ExpectedPoolURL: identity.MiningPoolURL,
			DefaultPoolURL:  identity.MiningPoolURL,
		})
		httpClient := &http.Client{Timeout: 10 * time.Second}

		sched.Register(scheduler.Job{
			Name:     "score_all_known_workers",
			Interval: 15 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := workerScorer.ScoreAll(ctx, 10*time.Minute, fetchWorkerConfigsDirect(httpClient))
				return err
			},
		})
		sched.Register(scheduler.Job{
			Name:     "register_mining_pool_with_validators",
			Interval: time.Hour,
			Run: func(ctx context.Context) error {
				report := fed.RegisterMiningPoolWithValidators(ctx, validators.ValidatorIPs(), identity)
				logger.Info().Int("successes", report.Successes).Strs("failures", report.Failures).Msg("registered mining pool with validators")
				return nil
			},
		})
		sched.Register(scheduler.Job{
			Name:     "register_mining_pool_workers_with_validators",
			Interval: 15 * time.Minute,
			Run: func(ctx context.Context) error {
				workers, err := inv.GetWorkers(ctx, inventory.Filter{MiningPoolUID: model.InternalMiningPoolUID})
				if err != nil {
					return fmt.Errorf("load workers to broadcast: %w", err)
				}
				report := fed.RegisterMiningPoolWorkersWithValidators(ctx, validators.ValidatorIPs(), workers)
				logger.Info().Int("successes", report.Successes).Strs("failures", report.Failures).Msg("broadcast workers to validators")
				return nil
			},
		})

	case model.RunModeValidator:
		poolScorer := scorer.NewPoolScorer(logger, locks, pools, inv, pools)
		sched.Register(scheduler.Job{
			Name:     "score_mining_pools",
			Interval: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				return poolScorer.ScoreAll(ctx, 5*time.Minute)
			},
		})
	}

	go sched.Start(ctx)

	srv := api.NewServer(logger, api.Deps{
		Config:     cfg,
		Pool:       pool,
		Identity:   identity,
		Inventory:  inv,
		Pools:      pools,
		Challenges: challenges,
		Validators: validators,
		Federation: fed,
		Pipeline:   pipe,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("run_mode", string(mode)).Msg("starting federation node")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

// fetchWorkerConfigsDirect fetches a worker's wireguard and socks5
// configs by calling its own /vpn endpoint directly, the path a miner
// takes to probe the workers it dispatches to in-process.
func fetchWorkerConfigsDirect(client *http.Client) func(ctx context.Context, w model.Worker) (scorer.WorkerWithConfig, error) {
	return func(ctx context.Context, w model.Worker) (scorer.WorkerWithConfig, error) {
		wg, err := fetchLeaseField(ctx, client, w, "wireguard", "wireguard_config")
		if err != nil {
			return scorer.WorkerWithConfig{}, fmt.Errorf("fetch wireguard config from %s: %w", w.IP, err)
		}
		sock, err := fetchLeaseField(ctx, client, w, "socks5", "socks5_config")
		if err != nil {
			return scorer.WorkerWithConfig{}, fmt.Errorf("fetch socks5 config from %s: %w", w.IP, err)
		}
		return scorer.WorkerWithConfig{Worker: w, WireGuardConfig: wg, SOCKS5Config: sock}, nil
	}
}

func fetchLeaseField(ctx context.Context, client *http.Client, w model.Worker, leaseType, field string) (string, error) {
	url := fmt.Sprintf("http://%s:%d/vpn?type=%s&format=json", w.IP, w.PublicPort, leaseType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	value, _ := body[field].(string)
	return value, nil
}
