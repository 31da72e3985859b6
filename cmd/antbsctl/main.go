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

// Command antbsctl is the operator CLI for antbs-server: inspect server
// status, force it idle, drain queues, and trigger rebuilds against the
// same kv.Store/queue.Store the server runs against.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/antbs-project/antbs/pkg/service/config"
	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/queue"
	"github.com/antbs-project/antbs/pkg/service/txn"
)

func main() {
	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := clog.WithLogger(context.Background(), logger)

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		clog.FromContext(ctx).Errorf("%v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "antbsctl",
		Short:         "Operator CLI for antbs-server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(statusCmd(), forceIdleCmd(), resetQueuesCmd(), rebuildCmd())
	return cmd
}

// openStore connects to the same kv.Store antbs-server uses, per the
// process environment (KV_BACKEND/REDIS_ADDR/...), so antbsctl always
// operates against the live server's state rather than a copy of it.
func openStore() (kv.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.KVBackend == "memory" {
		return nil, nil, fmt.Errorf("KV_BACKEND=memory has no state outside the server process; antbsctl needs a shared backend (redis)")
	}
	return kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), cfg, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the server's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			status := domain.GetServerStatus(store)
			idle, err := status.Idle(ctx)
			if err != nil {
				return fmt.Errorf("reading idle flag: %w", err)
			}
			current, err := status.CurrentStatus(ctx)
			if err != nil {
				return fmt.Errorf("reading current status: %w", err)
			}
			building, err := status.NowBuilding(ctx)
			if err != nil {
				return fmt.Errorf("reading now_building: %w", err)
			}
			running, err := status.TransactionsRunning(ctx)
			if err != nil {
				return fmt.Errorf("reading transactions_running: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "idle: %v\nstatus: %s\nnow building: %v\ntransactions running: %v\n",
				idle, current, building, running)
			return nil
		},
	}
}

func forceIdleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-idle",
		Short: "Force the idle flag and current status, for recovering from a stuck worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			status := domain.GetServerStatus(store)
			if err := status.SetIdle(ctx, true); err != nil {
				return fmt.Errorf("setting idle: %w", err)
			}
			if err := status.SetCurrentStatus(ctx, "Idle."); err != nil {
				return fmt.Errorf("setting current status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "forced idle")
			return nil
		},
	}
}

func resetQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-queues",
		Short: "Drain every pending job from every queue",
		Long: `Drain every pending job from every queue. This does not touch jobs
already leased to a running worker; stop antbs-server first if the goal
is a clean slate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			qstore, err := newQueueStore(ctx, cfg, store)
			if err != nil {
				return err
			}
			if err := qstore.Reset(ctx); err != nil {
				return fmt.Errorf("resetting queues: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queues reset")
			return nil
		},
	}
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [package...]",
		Short: "Enqueue a transaction rebuilding the given packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			qstore, err := newQueueStore(ctx, cfg, store)
			if err != nil {
				return err
			}
			tnum, err := txn.Enqueue(ctx, store, qstore, args)
			if err != nil {
				return fmt.Errorf("enqueuing transaction: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued transaction %d for %v\n", tnum, args)
			return nil
		},
	}
}

// newQueueStore mirrors cmd/antbs-server's backend selection so antbsctl
// talks to whichever job store the running server is actually using.
func newQueueStore(ctx context.Context, cfg *config.Config, store kv.Store) (queue.Store, error) {
	if cfg.PostgresDSN == "" {
		return queue.NewKVStore(store), nil
	}
	return queue.NewPostgresStore(ctx, queue.PostgresStoreConfig{DSN: cfg.PostgresDSN})
}
