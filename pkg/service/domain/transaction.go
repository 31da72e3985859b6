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

// Transaction is a store-backed view of one batch of package builds.
type Transaction struct {
	store kv.Store
	Tnum  int64
}

// NewTransaction allocates a fresh transaction-id.
func NewTransaction(ctx context.Context, store kv.Store) (*Transaction, error) {
	tnum, err := store.Incr(ctx, CounterTnum)
	if err != nil {
		return nil, err
	}
	return &Transaction{store: store, Tnum: tnum}, nil
}

func GetTransaction(store kv.Store, tnum int64) *Transaction {
	return &Transaction{store: store, Tnum: tnum}
}

func (t *Transaction) field(f string) string { return txnKey(t.Tnum, f) }

// SetPackages fixes the immutable package set. Must be called exactly once
// before Start.
func (t *Transaction) SetPackages(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return t.store.SetAdd(ctx, t.field("packages"), names...)
}

func (t *Transaction) Packages(ctx context.Context) ([]string, error) {
	return t.store.SetMembers(ctx, t.field("packages"))
}

// SetQueue stores the topologically sorted build order, replacing any
// previous queue.
func (t *Transaction) SetQueue(ctx context.Context, order []string) error {
	key := t.field("queue")
	if err := t.store.Del(ctx, key); err != nil {
		return err
	}
	if len(order) == 0 {
		return nil
	}
	return t.store.ListPush(ctx, key, order...)
}

func (t *Transaction) Queue(ctx context.Context) ([]string, error) {
	return t.store.ListRange(ctx, t.field("queue"))
}

// PopQueue removes and returns the head of the build-order queue.
func (t *Transaction) PopQueue(ctx context.Context) (string, bool, error) {
	return t.store.ListPopFront(ctx, t.field("queue"))
}

func (t *Transaction) AddBuild(ctx context.Context, bnum int64) error {
	return t.store.SetAdd(ctx, t.field("builds"), fmt.Sprintf("%d", bnum))
}

func (t *Transaction) Builds(ctx context.Context) ([]string, error) {
	return t.store.SetMembers(ctx, t.field("builds"))
}

func (t *Transaction) AddCompleted(ctx context.Context, bnum int64) error {
	return t.store.SetAdd(ctx, t.field("completed"), fmt.Sprintf("%d", bnum))
}

func (t *Transaction) Completed(ctx context.Context) ([]string, error) {
	return t.store.SetMembers(ctx, t.field("completed"))
}

func (t *Transaction) AddFailed(ctx context.Context, bnum int64) error {
	return t.store.SetAdd(ctx, t.field("failed"), fmt.Sprintf("%d", bnum))
}

func (t *Transaction) Failed(ctx context.Context) ([]string, error) {
	return t.store.SetMembers(ctx, t.field("failed"))
}

func (t *Transaction) Building(ctx context.Context) (string, error) {
	return t.store.GetString(ctx, t.field("building"))
}

func (t *Transaction) SetBuilding(ctx context.Context, pkgname string) error {
	return t.store.SetString(ctx, t.field("building"), pkgname)
}

func (t *Transaction) IsRunning(ctx context.Context) (bool, error) {
	return t.store.GetBool(ctx, t.field("is_running"))
}

func (t *Transaction) IsFinished(ctx context.Context) (bool, error) {
	return t.store.GetBool(ctx, t.field("is_finished"))
}

// Start marks the transaction as running. It is an error to start a
// transaction that has already finished.
func (t *Transaction) Start(ctx context.Context) error {
	finished, err := t.IsFinished(ctx)
	if err != nil {
		return err
	}
	if finished {
		return fmt.Errorf("transaction %d: already finished", t.Tnum)
	}
	return t.store.SetBool(ctx, t.field("is_running"), true)
}

// Finish marks the transaction terminal: is_running=false, is_finished=true.
// This is the single point through which the running XOR finished
// invariant is enforced.
func (t *Transaction) Finish(ctx context.Context) error {
	if err := t.store.SetBool(ctx, t.field("is_running"), false); err != nil {
		return err
	}
	return t.store.SetBool(ctx, t.field("is_finished"), true)
}

func (t *Transaction) StartStr(ctx context.Context) (string, error) {
	return t.store.GetString(ctx, t.field("start_str"))
}

func (t *Transaction) SetStartStr(ctx context.Context, v string) error {
	return t.store.SetString(ctx, t.field("start_str"), v)
}

func (t *Transaction) EndStr(ctx context.Context) (string, error) {
	return t.store.GetString(ctx, t.field("end_str"))
}

func (t *Transaction) SetEndStr(ctx context.Context, v string) error {
	return t.store.SetString(ctx, t.field("end_str"), v)
}

func (t *Transaction) Path(ctx context.Context) (string, error) {
	return t.store.GetString(ctx, t.field("path"))
}

func (t *Transaction) SetPath(ctx context.Context, v string) error {
	return t.store.SetString(ctx, t.field("path"), v)
}

func (t *Transaction) ResultDir(ctx context.Context) (string, error) {
	return t.store.GetString(ctx, t.field("result_dir"))
}

func (t *Transaction) SetResultDir(ctx context.Context, v string) error {
	return t.store.SetString(ctx, t.field("result_dir"), v)
}
