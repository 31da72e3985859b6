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

package domain

import (
	"context"
	"fmt"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

// maxCompletedFailed caps the completed/failed lists exposed by
// ServerStatus, mirroring the "capped to last N" field description.
const maxCompletedFailed = 100

// ServerStatus is the process-wide singleton. There is exactly one
// instance per store; GetServerStatus always returns an equivalent view,
// materialized at most once per process but still store-backed — nothing
// here is cached across calls.
type ServerStatus struct {
	store kv.Store
}

func GetServerStatus(store kv.Store) *ServerStatus {
	return &ServerStatus{store: store}
}

func (s *ServerStatus) Idle(ctx context.Context) (bool, error) {
	return s.store.GetBool(ctx, statusKey("idle"))
}

// SetIdle updates idle and publishes a status transition if idle actually
// changed (SetCurrentStatus does the same for current_status), so the
// status SSE channel (§4.G) only emits on transition.
func (s *ServerStatus) SetIdle(ctx context.Context, v bool) error {
	prev, err := s.Idle(ctx)
	if err != nil {
		return err
	}
	if err := s.store.SetBool(ctx, statusKey("idle"), v); err != nil {
		return err
	}
	if prev != v {
		return s.publishTransition(ctx)
	}
	return nil
}

func (s *ServerStatus) CurrentStatus(ctx context.Context) (string, error) {
	return s.store.GetString(ctx, statusKey("current_status"))
}

func (s *ServerStatus) SetCurrentStatus(ctx context.Context, v string) error {
	prev, err := s.CurrentStatus(ctx)
	if err != nil {
		return err
	}
	if err := s.store.SetString(ctx, statusKey("current_status"), v); err != nil {
		return err
	}
	if prev != v {
		return s.publishTransition(ctx)
	}
	return nil
}

func (s *ServerStatus) publishTransition(ctx context.Context) error {
	idle, err := s.Idle(ctx)
	if err != nil {
		return err
	}
	cur, err := s.CurrentStatus(ctx)
	if err != nil {
		return err
	}
	msg := cur
	if idle {
		msg = "Idle."
	}
	return s.store.Publish(ctx, StatusChannel, msg)
}

func (s *ServerStatus) NowBuilding(ctx context.Context) ([]string, error) {
	return s.store.ListRange(ctx, statusKey("now_building"))
}

func (s *ServerStatus) PushNowBuilding(ctx context.Context, bnum int64) error {
	return s.store.ListPush(ctx, statusKey("now_building"), fmt.Sprintf("%d", bnum))
}

func (s *ServerStatus) RemoveNowBuilding(ctx context.Context, bnum int64) error {
	return s.store.ListRem(ctx, statusKey("now_building"), fmt.Sprintf("%d", bnum))
}

func (s *ServerStatus) TransactionsRunning(ctx context.Context) ([]string, error) {
	return s.store.SetMembers(ctx, statusKey("transactions_running"))
}

func (s *ServerStatus) AddTransactionRunning(ctx context.Context, tnum int64) error {
	return s.store.SetAdd(ctx, statusKey("transactions_running"), fmt.Sprintf("%d", tnum))
}

func (s *ServerStatus) RemoveTransactionRunning(ctx context.Context, tnum int64) error {
	return s.store.SetRem(ctx, statusKey("transactions_running"), fmt.Sprintf("%d", tnum))
}

func (s *ServerStatus) TransactionQueue(ctx context.Context) ([]string, error) {
	return s.store.ListRange(ctx, statusKey("transaction_queue"))
}

func (s *ServerStatus) PushTransactionQueue(ctx context.Context, tnum int64) error {
	return s.store.ListPush(ctx, statusKey("transaction_queue"), fmt.Sprintf("%d", tnum))
}

func (s *ServerStatus) PopTransactionQueue(ctx context.Context) (string, bool, error) {
	return s.store.ListPopFront(ctx, statusKey("transaction_queue"))
}

// DrainTransactionQueue empties the pending-transaction queue, used by the
// operator "reset" action. In-flight sandboxes are not touched.
func (s *ServerStatus) DrainTransactionQueue(ctx context.Context) error {
	return s.store.Del(ctx, statusKey("transaction_queue"))
}

func (s *ServerStatus) appendCapped(ctx context.Context, field, val string) error {
	key := statusKey(field)
	if err := s.store.ListPush(ctx, key, val); err != nil {
		return err
	}
	n, err := s.store.ListLen(ctx, key)
	if err != nil {
		return err
	}
	for n > maxCompletedFailed {
		if _, _, err := s.store.ListPopFront(ctx, key); err != nil {
			return err
		}
		n--
	}
	return nil
}

func (s *ServerStatus) AddCompleted(ctx context.Context, bnum int64) error {
	return s.appendCapped(ctx, "completed", fmt.Sprintf("%d", bnum))
}

func (s *ServerStatus) Completed(ctx context.Context) ([]string, error) {
	return s.store.ListRange(ctx, statusKey("completed"))
}

func (s *ServerStatus) AddFailed(ctx context.Context, bnum int64) error {
	return s.appendCapped(ctx, "failed", fmt.Sprintf("%d", bnum))
}

func (s *ServerStatus) Failed(ctx context.Context) ([]string, error) {
	return s.store.ListRange(ctx, statusKey("failed"))
}

func (s *ServerStatus) ISOFlag(ctx context.Context) (bool, error) {
	return s.store.GetBool(ctx, statusKey("iso_flag"))
}

func (s *ServerStatus) SetISOFlag(ctx context.Context, v bool) error {
	return s.store.SetBool(ctx, statusKey("iso_flag"), v)
}

func (s *ServerStatus) ISOMinimal(ctx context.Context) (bool, error) {
	return s.store.GetBool(ctx, statusKey("iso_minimal"))
}

func (s *ServerStatus) SetISOMinimal(ctx context.Context, v bool) error {
	return s.store.SetBool(ctx, statusKey("iso_minimal"), v)
}

func (s *ServerStatus) AllPackages(ctx context.Context) ([]string, error) {
	return s.store.SetMembers(ctx, statusKey("all_packages"))
}

func (s *ServerStatus) AddAllPackages(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	return s.store.SetAdd(ctx, statusKey("all_packages"), names...)
}

// HookQueue is the set of package names awaiting grouping into a
// Transaction by the webhook dispatcher. It is an ordered list because
// insertion order is preserved into the eventual transaction's initial
// package ordering.
func (s *ServerStatus) HookQueue(ctx context.Context) ([]string, error) {
	return s.store.ListRange(ctx, statusKey("hook_queue"))
}

func (s *ServerStatus) PushHookQueue(ctx context.Context, pkgname string) error {
	return s.store.ListPush(ctx, statusKey("hook_queue"), pkgname)
}

// DrainHookQueue empties and returns the hook queue's contents, in
// insertion order, for handoff into a new Transaction's package set. Each
// name is removed with an atomic pop, so a name pushed while the drain is
// running is either returned or left queued, never lost.
func (s *ServerStatus) DrainHookQueue(ctx context.Context) ([]string, error) {
	var names []string
	for {
		name, ok, err := s.store.ListPopFront(ctx, statusKey("hook_queue"))
		if err != nil {
			return nil, err
		}
		if !ok {
			return names, nil
		}
		names = append(names, name)
	}
}

// MaybeGoIdle sets idle=true and a default status string if no
// transactions are running and no build is in flight. This is the common
// teardown check shared by the transaction engine (§4.E.6) and the repo
// updater (§4.F step 7).
func (s *ServerStatus) MaybeGoIdle(ctx context.Context) error {
	running, err := s.TransactionsRunning(ctx)
	if err != nil {
		return err
	}
	building, err := s.NowBuilding(ctx)
	if err != nil {
		return err
	}
	if len(running) == 0 && len(building) == 0 {
		if err := s.SetCurrentStatus(ctx, "Idle."); err != nil {
			return err
		}
		return s.SetIdle(ctx, true)
	}
	return nil
}
