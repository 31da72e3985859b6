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

// Package queue implements the three named durable FIFO queues
// (transactions, update_repo, webhook) and the single-worker-per-queue
// runtime that serves them. Serialization per queue is a deliberate
// invariant: it guarantees single-writer semantics for the transaction
// engine and the repo updater, not an implementation accident.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known queue names.
const (
	Transactions = "transactions"
	UpdateRepo   = "update_repo"
	Webhook      = "webhook"
)

// Job is a durable unit of work: a callable identifier plus its argument
// payload and a per-job timeout.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	CallableID string          `json:"callable_id"`
	Args       json.RawMessage `json:"args"`
	Timeout    time.Duration   `json:"timeout"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob constructs a job with a fresh id, marshaling args to JSON.
func NewJob(queue, callableID string, args interface{}, timeout time.Duration) (Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:         uuid.New().String(),
		Queue:      queue,
		CallableID: callableID,
		Args:       raw,
		Timeout:    timeout,
		EnqueuedAt: time.Now(),
	}, nil
}

// Store is the durable job store backing all three queues. Enqueue is an
// atomic push-tail; Dequeue is a non-blocking pop-head with a visibility
// timeout — the returned job is invisible to other Dequeue callers on the
// same queue until Ack, Fail, or the lease itself expires. Worker.Run
// turns it into a blocking loop by polling an empty queue.
type Store interface {
	Enqueue(ctx context.Context, job Job) error

	// Dequeue returns the next job on queue with ok=true, or ok=false at
	// once when none is available. leaseFor bounds how long the job stays
	// invisible before being considered abandoned and eligible for
	// redelivery; an expired lease counts as one failed attempt.
	Dequeue(ctx context.Context, queue string, leaseFor time.Duration) (Job, bool, error)

	// Ack removes a leased job permanently; call after successful
	// processing.
	Ack(ctx context.Context, job Job) error

	// Fail is called when processing errors. It retries the job at most
	// once; a second failure moves it to the failed-jobs list instead of
	// requeueing. An expired lease is counted the same way, by Dequeue.
	Fail(ctx context.Context, job Job) error

	// Reset drains all pending (not in-flight) jobs from every named
	// queue, for the operator "reset" action. In-flight jobs are left
	// alone — they drain naturally.
	Reset(ctx context.Context) error

	// FailedJobs returns jobs that exhausted their one retry.
	FailedJobs(ctx context.Context, queue string) ([]Job, error)
}
