// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command antbs-server runs the package-build orchestrator: the HTTP API,
// one queue worker each for the transactions and update_repo queues, and
// the periodic upstream monitor, all sharing one kv.Store. No worker is
// started for the webhook queue; nothing enqueues jobs onto it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposing pprof for debugging
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/antbs-project/antbs/pkg/service/api"
	"github.com/antbs-project/antbs/pkg/service/buildkit"
	"github.com/antbs-project/antbs/pkg/service/config"
	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/metrics"
	"github.com/antbs-project/antbs/pkg/service/monitor"
	"github.com/antbs-project/antbs/pkg/service/queue"
	"github.com/antbs-project/antbs/pkg/service/repo"
	"github.com/antbs-project/antbs/pkg/service/repoupdater"
	"github.com/antbs-project/antbs/pkg/service/review"
	"github.com/antbs-project/antbs/pkg/service/sandbox"
	"github.com/antbs-project/antbs/pkg/service/signer"
	"github.com/antbs-project/antbs/pkg/service/tracing"
	"github.com/antbs-project/antbs/pkg/service/txn"
	"github.com/antbs-project/antbs/pkg/service/webhook"
)

// defaultArch matches the single-architecture assumption baked into the
// repo updater's one Reconciler (every repo update job, regardless of
// staging/main, resolves against the same package-manager-DB directory
// layout). A multi-arch deployment would need one Updater+Reconciler pair
// and one update_repo-queue worker per architecture; that's out of scope
// here per the same Open Question #1 extra-destinations note in
// review.Paths.
const defaultArch = "x86_64"

func main() {
	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := clog.WithLogger(context.Background(), logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)

	if err := run(ctx); err != nil {
		clog.ErrorContext(ctx, "error", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()
}

func run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.EnableTracing, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warnf("shutting down tracer provider: %v", err)
		}
	}()

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	qstore, err := newQueueStore(ctx, cfg, store)
	if err != nil {
		return fmt.Errorf("creating queue store: %w", err)
	}

	executor, err := newExecutor(cfg)
	if err != nil {
		return fmt.Errorf("creating sandbox executor: %w", err)
	}

	var sign txn.Signer
	if len(cfg.SigningCommand) > 0 {
		sign = &signer.Sandbox{Executor: executor, Command: cfg.SigningCommand}
		log.Infof("signing enabled: %v", cfg.SigningCommand)
	} else {
		log.Info("signing disabled: no SIGNING_COMMAND configured")
	}

	reconciler := repo.NewReconciler(defaultArch)

	stagingUpdates := &repoupdater.Requester{Store: store, Queue: qstore, RepoName: domain.RepoStaging}
	mainUpdates := &repoupdater.Requester{Store: store, Queue: qstore, RepoName: domain.RepoMain, ReviewDriven: true}

	engine := &txn.Engine{
		Store:         store,
		Executor:      executor,
		Signer:        sign,
		RepoUpdates:   stagingUpdates,
		Handlers:      txn.DefaultHandlers(nil, nil),
		BaseDir:       filepath.Join(cfg.RepoBase, "work"),
		RecipeRepoURL: cfg.RecipeRepoURL,
		RecipeRepoRef: cfg.RecipeRepoRef,
	}

	updater := &repoupdater.Updater{
		Store:      store,
		Executor:   executor,
		Reconciler: reconciler,
		BasePath:   cfg.RepoBase,
	}

	reviewer := &review.Reviewer{
		Store: store,
		Paths: review.Paths{
			Staging64:                  filepath.Join(cfg.RepoBase, domain.RepoStaging, defaultArch),
			Staging32:                  filepath.Join(cfg.RepoBase, domain.RepoStaging, "i686"),
			Main64:                     filepath.Join(cfg.RepoBase, domain.RepoMain, defaultArch),
			Main32:                     filepath.Join(cfg.RepoBase, domain.RepoMain, "i686"),
			ExtraPromotionDestinations: cfg.ExtraPromotionDestinations,
		},
		RepoUpdates: mainUpdates,
	}

	dispatcher := &webhook.Dispatcher{
		Store:       store,
		Queue:       qstore,
		ManualToken: cfg.WebhookManualToken,
		GitHubIPs:   &webhook.GitHubAllowList{Store: store},
	}

	mon := &monitor.Monitor{
		Store:   store,
		Handler: &webhook.MonitorAdapter{Dispatcher: dispatcher},
	}

	var auth api.Authenticator
	if cfg.AdminToken != "" {
		auth = api.TokenAuthenticator{Token: cfg.AdminToken}
	}

	apiServer := api.NewServer(store, qstore, dispatcher, reviewer, mon, auth)

	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	if cfg.EnableMetrics {
		m := metrics.New()
		mux.Handle("/metrics", m.Handler())
		log.Info("prometheus metrics enabled")
	}
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Infof("API server listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		w := queue.NewWorker(qstore, queue.Transactions, transactionsHandler(engine))
		return w.Run(ctx)
	})

	eg.Go(func() error {
		w := queue.NewWorker(qstore, queue.UpdateRepo, updateRepoHandler(updater))
		return w.Run(ctx)
	})

	eg.Go(func() error {
		return runMonitorLoop(ctx, cfg, mon)
	})

	eg.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// transactionsHandler dispatches the two callable ids that share the
// transactions queue: a direct run_transaction job (one per Transaction,
// built by txn.Enqueue/the ajax "rebuild" action) and the hook-queue
// drain that builds one from whatever the webhook dispatcher queued up.
func transactionsHandler(engine *txn.Engine) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		switch job.CallableID {
		case txn.RunCallable:
			var args txn.TransactionArgs
			if err := json.Unmarshal(job.Args, &args); err != nil {
				return fmt.Errorf("decoding transaction args: %w", err)
			}
			return engine.Run(ctx, args.Tnum)
		case webhook.TransactionBuilderCallable:
			status := domain.GetServerStatus(engine.Store)
			packages, err := status.DrainHookQueue(ctx)
			if err != nil {
				return fmt.Errorf("draining hook queue: %w", err)
			}
			if len(packages) == 0 {
				return nil
			}
			t, err := domain.NewTransaction(ctx, engine.Store)
			if err != nil {
				return fmt.Errorf("allocating transaction from hook queue: %w", err)
			}
			if err := t.SetPackages(ctx, packages); err != nil {
				return fmt.Errorf("setting transaction %d packages: %w", t.Tnum, err)
			}
			return engine.Run(ctx, t.Tnum)
		default:
			return fmt.Errorf("unknown transactions-queue callable %q", job.CallableID)
		}
	}
}

// updateRepoHandler has exactly one callable id; the switch-by-id
// dispatch the transactions queue needs isn't required here, but the
// shape is kept so a future second callable has somewhere to go.
func updateRepoHandler(updater *repoupdater.Updater) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		if job.CallableID != repoupdater.RunCallable {
			return fmt.Errorf("unknown update_repo-queue callable %q", job.CallableID)
		}
		var req repoupdater.Request
		if err := json.Unmarshal(job.Args, &req); err != nil {
			return fmt.Errorf("decoding update_repo args: %w", err)
		}
		return updater.Update(ctx, req)
	}
}

// runMonitorLoop ticks Monitor.MaybeCheck independently of HTTP traffic so
// upstream changes are still picked up during a quiet period; MaybeCheck's
// own TTL gate (monitor.CheckedRecentlyTTL) makes this safe to run far more
// often than that gate without causing redundant upstream fetches.
func runMonitorLoop(ctx context.Context, cfg *config.Config, mon *monitor.Monitor) error {
	log := clog.FromContext(ctx)
	period := cfg.MonitorPeriod
	if period <= 0 {
		period = 5 * time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := mon.MaybeCheck(ctx); err != nil {
				log.Warnf("monitor check failed: %v", err)
			}
		}
	}
}

func newStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.KVBackend {
	case "memory":
		return kv.NewMemory(), nil
	case "redis", "":
		return kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	default:
		return nil, fmt.Errorf("unknown KV_BACKEND %q", cfg.KVBackend)
	}
}

func newQueueStore(ctx context.Context, cfg *config.Config, store kv.Store) (queue.Store, error) {
	if cfg.PostgresDSN == "" {
		return queue.NewKVStore(store), nil
	}
	if err := queue.RunMigrations(cfg.PostgresDSN); err != nil {
		return nil, fmt.Errorf("running queue migrations: %w", err)
	}
	return queue.NewPostgresStore(ctx, queue.PostgresStoreConfig{DSN: cfg.PostgresDSN})
}

func newExecutor(cfg *config.Config) (sandbox.Executor, error) {
	switch cfg.SandboxBackend {
	case "local", "":
		return sandbox.NewLocal(), nil
	case "buildkit":
		pool, err := newBuildkitPool(cfg)
		if err != nil {
			return nil, err
		}
		return sandbox.NewBuildKit(pool), nil
	default:
		return nil, fmt.Errorf("unknown SANDBOX_BACKEND %q", cfg.SandboxBackend)
	}
}

func newBuildkitPool(cfg *config.Config) (*buildkit.Pool, error) {
	if cfg.SandboxBackendsConfig != "" {
		return buildkit.NewPoolFromConfig(cfg.SandboxBackendsConfig)
	}
	return buildkit.NewPoolFromSingleAddr("tcp://localhost:1234", defaultArch)
}
