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

// Package monitor implements the process-wide "have we checked upstream
// recently" gate: a TTL-backed flag that, once expired, triggers a sweep
// of watched packages' upstream source hosts and converts any change into
// a webhook-shaped event.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

// CheckedRecentlyTTL is the flag's lifetime (§4.H: "e.g., 5 min").
const CheckedRecentlyTTL = 5 * time.Minute

const checkedRecentlyKey = "antbs:monitor:checked_recently"

// UpstreamChange describes a detected new commit or tag for a watched
// package, shaped like the push events the webhook dispatcher already
// knows how to fold into a transaction.
type UpstreamChange struct {
	Pkgname string
	Ref     string
}

// SourceChecker polls one upstream source host for new commits/tags
// against the packages it's watching.
type SourceChecker interface {
	// Host names the upstream source host this checker watches, purely
	// for logging.
	Host() string
	Check(ctx context.Context) ([]UpstreamChange, error)
}

// ChangeHandler is invoked for every detected change, converting it into
// a webhook-shaped event (§4.I). It's an interface rather than this
// package importing the webhook package directly, to avoid a dependency
// cycle (the webhook package imports this one for its MonitorAdapter).
type ChangeHandler interface {
	HandleUpstreamChange(ctx context.Context, change UpstreamChange) error
}

// Monitor gates upstream polling behind the checked_recently TTL flag.
type Monitor struct {
	Store    kv.Store
	Checkers []SourceChecker
	Handler  ChangeHandler
}

// MaybeCheck runs the upstream check, if the flag has expired, on every
// inbound HTTP request, before routing, per §4.H. It is a no-op (and cheap: one store read) when the
// flag hasn't expired.
func (m *Monitor) MaybeCheck(ctx context.Context) error {
	log := clog.FromContext(ctx)
	stale, err := m.isStale(ctx)
	if err != nil {
		return fmt.Errorf("checking monitor staleness: %w", err)
	}
	if !stale {
		return nil
	}
	if err := m.Store.SetBool(ctx, checkedRecentlyKey, true); err != nil {
		return fmt.Errorf("setting checked_recently: %w", err)
	}
	if err := m.Store.Expire(ctx, checkedRecentlyKey, CheckedRecentlyTTL); err != nil {
		return fmt.Errorf("setting checked_recently ttl: %w", err)
	}

	for _, checker := range m.Checkers {
		changes, err := checker.Check(ctx)
		if err != nil {
			log.Warnf("monitor: checking %s: %v", checker.Host(), err)
			continue
		}
		for _, change := range changes {
			if m.Handler == nil {
				continue
			}
			if err := m.Handler.HandleUpstreamChange(ctx, change); err != nil {
				log.Errorf("monitor: handling change for %s: %v", change.Pkgname, err)
			}
		}
	}
	return nil
}

func (m *Monitor) isStale(ctx context.Context) (bool, error) {
	exists, err := m.Store.Exists(ctx, checkedRecentlyKey)
	if err != nil {
		return false, err
	}
	return !exists, nil
}
