// Copyright (c) 2019-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	pferrors "github.com/nesilp/staking-farm/errors"
	"github.com/nesilp/staking-farm/internal/api"
	"github.com/nesilp/staking-farm/internal/metrics"
	"github.com/nesilp/staking-farm/pool"
)

// newDistributor returns a reward distributor configured with the provided
// details over the given database.
func newDistributor(cfg *config, db pool.Database, relay *pool.RelayHost) (*pool.RewardDistributor, error) {
	dcfg := &pool.DistributorConfig{
		DB:             db,
		Host:           relay,
		Clock:          pool.SystemClock{},
		Owner:          cfg.Owner,
		PoolAccount:    cfg.PoolAccount,
		BurnAccount:    cfg.BurnAccount,
		RewardFee:      cfg.rewardFee,
		BurnFee:        cfg.burnFee,
		InitialBalance: cfg.initialBalance,
	}
	return pool.NewRewardDistributor(dcfg)
}

// newAPI returns a new API server configured with the provided details that
// is ready to run.
func newAPI(cfg *config, d *pool.RewardDistributor, relay *pool.RelayHost, m *metrics.Metrics) (*api.Server, error) {
	acfg := &api.Config{
		Distributor:    d,
		Relay:          relay,
		APIListen:      cfg.APIListen,
		RelayerToken:   cfg.RelayerToken,
		Metrics:        m.Handler(),
		ObserveRequest: m.ObserveRequest,
	}
	if !cfg.UsePostgres {
		acfg.HTTPBackupDB = d.HTTPBackup
	}
	return api.New(acfg)
}

// ping settles the pool and records the outcome.
func ping(ctx context.Context, d *pool.RewardDistributor, m *metrics.Metrics) {
	settlement, err := d.Ping(ctx)
	switch {
	case errors.Is(err, pferrors.Disconnected):
		sfLog.Debugf("Skipping settlement: %v", err)
	case errors.Is(err, pferrors.ContextCancelled):
	case err != nil:
		sfLog.Errorf("Settlement failed: %v", err)
	default:
		m.ObserveSettlement(settlement)
	}
	m.ObservePool(d.PoolInfo(), d.Farms())
}

// runPinger settles the pool every interval until the provided context is
// canceled.
func runPinger(ctx context.Context, d *pool.RewardDistributor, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.ObservePool(d.PoolInfo(), d.Farms())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping(ctx, d, m)
		}
	}
}

// realMain is the real main function for stakefarmd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func realMain() error {
	// Load configuration and parse command line. This also initializes
	// logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	cfg, _, err := loadConfig(appName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var e suppressUsageError
		if !errors.As(err, &e) {
			usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context whose done channel will be closed when a shutdown signal
	// has been triggered from an OS signal such as SIGINT (Ctrl+C) or when the
	// returned cancel function is manually called.
	ctx, cancel := shutdownListener()
	defer sfLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	sfLog.Infof("%s version %s (Go version %s %s/%s)", appName,
		Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	sfLog.Infof("Home dir: %s", cfg.HomeDir)

	var db pool.Database
	if cfg.UsePostgres {
		db, err = pool.InitPostgresDB(cfg.PGHost, cfg.PGPort, cfg.PGUser,
			cfg.PGPass, cfg.PGDBName, cfg.PurgeDB)
	} else {
		db, err = pool.InitBoltDB(cfg.DBFile)
	}
	if err != nil {
		cancel()
		sfLog.Errorf("failed to initialize database: %v", err)
		return err
	}
	defer db.Close()

	if cfg.Profile != "" {
		// Start the profiler.
		go func() {
			listenAddr := cfg.Profile
			sfLog.Infof("Creating profiling server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			server := &http.Server{
				Addr:              listenAddr,
				ReadHeaderTimeout: time.Second * 3,
			}
			err := server.ListenAndServe()
			if err != nil {
				sfLog.Critical(err)
				cancel()
			}
		}()
	}

	relay := pool.NewRelayHost()
	d, err := newDistributor(cfg, db, relay)
	if err != nil {
		cancel()
		sfLog.Errorf("unable to initialize distributor: %v", err)
		return err
	}
	info := d.PoolInfo()
	sfLog.Infof("Pool owned by %s: reward fee %s, burn fee %s", info.Owner,
		info.RewardFee, info.BurnFee)

	m := metrics.New()
	server, err := newAPI(cfg, d, relay, m)
	if err != nil {
		cancel()
		sfLog.Errorf("unable to initialize API: %v", err)
		return err
	}

	// Run the API and the settlement loop in the background.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		server.Run(ctx)
		cancel()
		wg.Done()
	}()
	go func() {
		runPinger(ctx, d, m, cfg.PingInterval)
		wg.Done()
	}()
	wg.Wait()

	// Write a backup of the DB (if not using postgres) once the pool shuts
	// down.
	if !cfg.UsePostgres {
		sfLog.Info("Backing up database.")
		err = db.Backup(pool.BoltBackupFile)
		if err != nil {
			sfLog.Errorf("Failed to write database backup file: %v", err)
		}
	}

	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := realMain(); err != nil {
		os.Exit(1)
	}
}
