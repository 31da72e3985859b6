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

package queue

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStoreConfig configures the PostgreSQL-backed job store. It is
// an alternative to KVStore for deployments that already run Postgres and
// would rather not stand up Redis solely for queue durability.
type PostgresStoreConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// PostgresStore implements Store using PostgreSQL: row-level locking
// (SELECT ... FOR UPDATE SKIP LOCKED) keeps concurrent Dequeue calls from
// taking the same row, and a lease_until column tracks each leased job's
// visibility timeout.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// RunMigrations applies all pending migrations to dsn.
func RunMigrations(dsn string) error {
	d, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, dsn)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// NewPostgresStore opens a pooled connection to dsn.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Enqueue(ctx context.Context, job Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, callable_id, args, timeout_ms, attempts, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, 0, 'pending', $6)
	`, job.ID, job.Queue, job.CallableID, job.Args, job.Timeout.Milliseconds(), job.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Dequeue(ctx context.Context, queue string, leaseFor time.Duration) (Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()
	var job Job
	var timeoutMS int64
	var status string
	err = tx.QueryRow(ctx, `
		SELECT id, queue, callable_id, args, timeout_ms, attempts, enqueued_at, status
		FROM jobs
		WHERE queue = $1 AND status = 'pending'
		   OR (queue = $1 AND status = 'leased' AND lease_until < $2)
		ORDER BY enqueued_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, queue, now).Scan(&job.ID, &job.Queue, &job.CallableID, &job.Args, &timeoutMS, &job.Attempts, &job.EnqueuedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("querying next job: %w", err)
	}
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond

	// An expired lease counts as a failed attempt: redelivered once, then
	// moved to the failed list.
	if status == "leased" {
		job.Attempts++
		if job.Attempts > 1 {
			if _, err := tx.Exec(ctx, `
				UPDATE jobs SET status = 'failed', attempts = $2, failed_at = $3, lease_until = NULL WHERE id = $1
			`, job.ID, job.Attempts, now); err != nil {
				return Job{}, false, fmt.Errorf("dead-lettering expired job: %w", err)
			}
			return Job{}, false, tx.Commit(ctx)
		}
	}

	leaseUntil := now.Add(leaseFor)
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'leased', lease_until = $2, attempts = $3 WHERE id = $1
	`, job.ID, leaseUntil, job.Attempts); err != nil {
		return Job{}, false, fmt.Errorf("leasing job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, false, fmt.Errorf("committing lease: %w", err)
	}
	return job, true, nil
}

func (s *PostgresStore) Ack(ctx context.Context, job Job) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID)
	if err != nil {
		return fmt.Errorf("acking job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, job Job) error {
	attempts := job.Attempts + 1
	if attempts > 1 {
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = 'failed', attempts = $2, failed_at = $3, lease_until = NULL WHERE id = $1
		`, job.ID, attempts, time.Now())
		if err != nil {
			return fmt.Errorf("dead-lettering job: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', attempts = $2, lease_until = NULL WHERE id = $1
	`, job.ID, attempts)
	if err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE status = 'pending'`)
	if err != nil {
		return fmt.Errorf("resetting pending jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailedJobs(ctx context.Context, queue string) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, callable_id, args, timeout_ms, attempts, enqueued_at
		FROM jobs WHERE queue = $1 AND status = 'failed'
		ORDER BY failed_at
	`, queue)
	if err != nil {
		return nil, fmt.Errorf("querying failed jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var job Job
		var timeoutMS int64
		if err := rows.Scan(&job.ID, &job.Queue, &job.CallableID, &job.Args, &timeoutMS, &job.Attempts, &job.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning failed job: %w", err)
		}
		job.Timeout = time.Duration(timeoutMS) * time.Millisecond
		out = append(out, job)
	}
	return out, rows.Err()
}
