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
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
)

// Handler processes a single job's argument payload. A non-nil error
// triggers the store's retry-once-then-dead-letter behavior.
type Handler func(ctx context.Context, job Job) error

// defaultLease bounds how long a dequeued job is invisible to other
// workers before it's considered abandoned. It must comfortably exceed
// any job's own Timeout so a live job is never reclaimed out from under
// its worker.
const defaultLease = 6 * time.Hour

// Worker runs a single-consumer loop against one named queue, dispatching
// each job to its registered Handler. One worker per queue is the
// invariant that gives the transaction engine and the repo updater their
// single-writer guarantee; running more than one worker against the same
// queue name would violate it.
type Worker struct {
	Store   Store
	Queue   string
	Handler Handler

	// Lease overrides defaultLease, mostly for tests.
	Lease time.Duration
}

// NewWorker returns a Worker bound to queue, dispatching to handler.
func NewWorker(store Store, queue string, handler Handler) *Worker {
	return &Worker{Store: store, Queue: queue, Handler: handler, Lease: defaultLease}
}

// Run blocks, serving jobs from the queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	log := clog.FromContext(ctx).With("queue", w.Queue)
	lease := w.Lease
	if lease <= 0 {
		lease = defaultLease
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, ok, err := w.Store.Dequeue(ctx, w.Queue, lease)
		if err != nil {
			log.Errorf("queue: dequeue failed: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	log := clog.FromContext(ctx).With("queue", w.Queue, "job_id", job.ID, "callable", job.CallableID)

	// A job with no Timeout of its own (a whole transaction) runs without a
	// deadline.
	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	defer cancel()

	err := w.runHandler(jobCtx, job)
	if err != nil {
		log.Errorf("queue: job failed: %v", err)
		if failErr := w.Store.Fail(ctx, job); failErr != nil {
			log.Errorf("queue: failed to record job failure: %v", failErr)
		}
		return
	}
	if ackErr := w.Store.Ack(ctx, job); ackErr != nil {
		log.Errorf("queue: failed to ack job: %v", ackErr)
	}
}

// runHandler recovers a panicking handler into an error so a single bad
// job can't take the worker loop down with it.
func (w *Worker) runHandler(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.Handler(ctx, job)
}
