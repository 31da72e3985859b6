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
	"encoding/json"
	"fmt"
	"time"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

// pollInterval is how often Worker.Run retries an empty queue (or a failed
// Dequeue).
const pollInterval = 100 * time.Millisecond

// KVStore implements Store on top of a kv.Store, making jobs durable
// across process restarts when kv.Store is Redis-backed. Job descriptors
// are serialized JSON values, exactly as §4.D specifies.
type KVStore struct {
	kv kv.Store
}

// NewKVStore wraps a kv.Store as a job Store.
func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store}
}

func pendingKey(queue string) string  { return fmt.Sprintf("queue:%s:pending", queue) }
func inflightKey(queue string) string { return fmt.Sprintf("queue:%s:inflight", queue) }
func failedKey(queue string) string   { return fmt.Sprintf("queue:%s:failed", queue) }
func jobDataKey(id string) string     { return fmt.Sprintf("queue:job:%s:data", id) }
func jobLeaseKey(id string) string    { return fmt.Sprintf("queue:job:%s:lease_until", id) }
func jobQueueKey(id string) string    { return fmt.Sprintf("queue:job:%s:queue", id) }

func (s *KVStore) saveJob(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := s.kv.SetString(ctx, jobDataKey(job.ID), string(raw)); err != nil {
		return err
	}
	return s.kv.SetString(ctx, jobQueueKey(job.ID), job.Queue)
}

func (s *KVStore) loadJob(ctx context.Context, id string) (Job, bool, error) {
	raw, err := s.kv.GetString(ctx, jobDataKey(id))
	if err != nil {
		return Job{}, false, err
	}
	if raw == "" {
		return Job{}, false, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (s *KVStore) Enqueue(ctx context.Context, job Job) error {
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	return s.kv.ListPush(ctx, pendingKey(job.Queue), job.ID)
}

// reclaimExpired requeues (or fails, if already retried once) any
// in-flight job on queue whose lease has elapsed. This is what lets a
// restarted worker recover jobs that were leased by a process that died
// mid-job.
func (s *KVStore) reclaimExpired(ctx context.Context, queue string) error {
	ids, err := s.kv.SetMembers(ctx, inflightKey(queue))
	if err != nil {
		return err
	}
	now := time.Now()
	for _, id := range ids {
		leaseStr, err := s.kv.GetString(ctx, jobLeaseKey(id))
		if err != nil {
			return err
		}
		leaseUntil, err := time.Parse(time.RFC3339Nano, leaseStr)
		if err != nil || now.Before(leaseUntil) {
			continue
		}
		job, ok, err := s.loadJob(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			_ = s.kv.SetRem(ctx, inflightKey(queue), id)
			continue
		}
		if err := s.kv.SetRem(ctx, inflightKey(queue), id); err != nil {
			return err
		}
		if err := s.requeueOrFail(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) requeueOrFail(ctx context.Context, job Job) error {
	job.Attempts++
	if job.Attempts > 1 {
		if err := s.kv.ListPush(ctx, failedKey(job.Queue), job.ID); err != nil {
			return err
		}
		return s.saveJob(ctx, job)
	}
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	return s.kv.ListPush(ctx, pendingKey(job.Queue), job.ID)
}

func (s *KVStore) Dequeue(ctx context.Context, queue string, leaseFor time.Duration) (Job, bool, error) {
	if err := s.reclaimExpired(ctx, queue); err != nil {
		return Job{}, false, err
	}
	id, ok, err := s.kv.ListPopFront(ctx, pendingKey(queue))
	if err != nil {
		return Job{}, false, err
	}
	if !ok {
		return Job{}, false, nil
	}
	job, ok, err := s.loadJob(ctx, id)
	if err != nil || !ok {
		return Job{}, false, err
	}
	if err := s.kv.SetAdd(ctx, inflightKey(queue), id); err != nil {
		return Job{}, false, err
	}
	leaseUntil := time.Now().Add(leaseFor)
	if err := s.kv.SetString(ctx, jobLeaseKey(id), leaseUntil.Format(time.RFC3339Nano)); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (s *KVStore) Ack(ctx context.Context, job Job) error {
	if err := s.kv.SetRem(ctx, inflightKey(job.Queue), job.ID); err != nil {
		return err
	}
	if err := s.kv.Del(ctx, jobDataKey(job.ID)); err != nil {
		return err
	}
	return s.kv.Del(ctx, jobLeaseKey(job.ID))
}

func (s *KVStore) Fail(ctx context.Context, job Job) error {
	if err := s.kv.SetRem(ctx, inflightKey(job.Queue), job.ID); err != nil {
		return err
	}
	return s.requeueOrFail(ctx, job)
}

func (s *KVStore) Reset(ctx context.Context) error {
	for _, q := range []string{Transactions, UpdateRepo, Webhook} {
		if err := s.kv.Del(ctx, pendingKey(q)); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) FailedJobs(ctx context.Context, queue string) ([]Job, error) {
	ids, err := s.kv.ListRange(ctx, failedKey(queue))
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := s.loadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, job)
		}
	}
	return out, nil
}
