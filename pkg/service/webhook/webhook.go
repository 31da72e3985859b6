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

// Package webhook classifies and dispatches the handful of inbound HTTP
// shapes this system reacts to: a manual rebuild trigger, installer
// telemetry, and source-host push/ping notifications. Classification is
// pure (header/query in, Kind out) so it's testable without a real HTTP
// server; pkg/service/api wires it to net/http.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/queue"
)

// Kind is the classified shape of an inbound webhook request.
type Kind int

const (
	KindUnknown Kind = iota
	KindManual
	KindInstallerStart
	KindInstallerEnd
	KindPush
	KindPing
)

// numixRateLimitKey and numixRateLimitTTL implement the special-case
// rate-limit rule: at most one numix-icon-theme change per hour.
const (
	numixRateLimitKey = "antbs:webhook:numix_icon_theme:rate_limited"
	numixRateLimitTTL = time.Hour

	// TransactionBuilderCallable is the queue.Job callable id for the
	// job that drains status.hook_queue into a new Transaction.
	TransactionBuilderCallable = "build_transaction_from_hook_queue"
)

// ClassifyInput is the subset of an inbound HTTP request classification
// needs, extracted independently of net/http so tests don't need to
// construct real requests.
type ClassifyInput struct {
	Query      url.Values
	Header     http.Header
	RemoteAddr string
}

// AllowList resolves whether an IP belongs to a source host's published
// webhook-sender range, refreshed on its own TTL.
type AllowList interface {
	Contains(ctx context.Context, ip string) (bool, error)
}

// Dispatcher classifies and handles inbound webhook requests.
type Dispatcher struct {
	Store       kv.Store
	Queue       queue.Store
	ManualToken string
	GitHubIPs   AllowList
}

// Classify implements the four-way split from §4.I. Order matters: a
// manual trigger is checked first since it's explicit operator intent,
// then installer telemetry, then the vendor-specific push/ping headers.
func (d *Dispatcher) Classify(ctx context.Context, in ClassifyInput) (Kind, error) {
	if phab := in.Query.Get("phab"); phab != "" {
		if n, err := strconv.Atoi(phab); err == nil && n > 0 {
			if in.Header.Get("X-Antbs-Token") == d.ManualToken && d.ManualToken != "" {
				return KindManual, nil
			}
		}
	}

	if in.Query.Get("cnchi") != "" {
		if in.Query.Get("end") != "" || in.Header.Get("X-Cnchi-Result") != "" {
			return KindInstallerEnd, nil
		}
		return KindInstallerStart, nil
	}

	if in.Header.Get("X-Gitlab-Event") == "Push Hook" {
		return KindPush, nil
	}
	if in.Header.Get("X-Gitlab-Event") != "" {
		return KindPing, nil
	}

	if gh := in.Header.Get("X-GitHub-Event"); gh != "" {
		if gh == "ping" {
			return KindPing, nil
		}
		if gh == "push" {
			if d.GitHubIPs == nil {
				return KindUnknown, nil
			}
			ip := clientIP(in.RemoteAddr)
			ok, err := d.GitHubIPs.Contains(ctx, ip)
			if err != nil {
				return KindUnknown, fmt.Errorf("checking github ip allow-list: %w", err)
			}
			if !ok {
				return KindUnknown, nil
			}
			return KindPush, nil
		}
	}

	return KindUnknown, nil
}

func clientIP(remoteAddr string) string {
	if host, _, err := splitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// splitHostPort wraps net.SplitHostPort, isolated so tests can pass bare
// IPs (no port) without tripping an error path unrelated to this package.
func splitHostPort(addr string) (string, string, error) {
	if !strings.Contains(addr, ":") {
		return addr, "", nil
	}
	idx := strings.LastIndex(addr, ":")
	return addr[:idx], addr[idx+1:], nil
}

// Commit is the subset of a push payload's per-commit data this
// dispatcher inspects: the paths it added or modified.
type Commit struct {
	AddedOrModified []string
}

// PushEvent is the source-host-agnostic push payload, already parsed from
// whichever vendor's JSON shape produced it.
type PushEvent struct {
	Source  string // e.g. "numix-icon-theme" (rate limiting) or "gitlab" (timeline event type)
	Commits []Commit
}

// HandlePush implements the push-event half of §4.I: extract package
// names from changed PKGBUILD paths, de-duplicate, skip antergos-iso,
// push each name onto the hook queue, then enqueue one
// transaction-builder job to drain it.
func (d *Dispatcher) HandlePush(ctx context.Context, ev PushEvent) error {
	log := clog.FromContext(ctx)

	if ev.Source == "numix-icon-theme" {
		limited, err := d.rateLimited(ctx)
		if err != nil {
			return fmt.Errorf("checking numix-icon-theme rate limit: %w", err)
		}
		if limited {
			log.Infof("webhook: dropping numix-icon-theme push, rate-limited")
			return nil
		}
	}

	seen := make(map[string]bool)
	var names []string
	for _, c := range ev.Commits {
		for _, p := range c.AddedOrModified {
			if !strings.Contains(p, "PKGBUILD") {
				continue
			}
			pkgname := path.Base(path.Dir(p))
			if pkgname == "" || pkgname == "." || pkgname == "antergos-iso" {
				continue
			}
			if seen[pkgname] {
				continue
			}
			seen[pkgname] = true
			names = append(names, pkgname)
		}
	}
	if len(names) == 0 {
		return nil
	}

	status := domain.GetServerStatus(d.Store)
	for _, n := range names {
		if err := status.PushHookQueue(ctx, n); err != nil {
			return fmt.Errorf("pushing %s onto hook queue: %w", n, err)
		}
	}

	job, err := queue.NewJob(queue.Transactions, TransactionBuilderCallable, nil, 0)
	if err != nil {
		return fmt.Errorf("building transaction-builder job: %w", err)
	}
	if err := d.Queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueuing transaction-builder job: %w", err)
	}

	typ := domain.TimelineGithubHook
	if ev.Source == "gitlab" {
		typ = domain.TimelineGitlabHook
	}
	if _, err := domain.EmitTimelineEvent(ctx, d.Store, typ, fmt.Sprintf("push triggered %d package(s)", len(names)), names); err != nil {
		log.Warnf("webhook: emitting push timeline event: %v", err)
	}
	return nil
}

func (d *Dispatcher) rateLimited(ctx context.Context) (bool, error) {
	exists, err := d.Store.Exists(ctx, numixRateLimitKey)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	if err := d.Store.SetBool(ctx, numixRateLimitKey, true); err != nil {
		return false, err
	}
	return false, d.Store.Expire(ctx, numixRateLimitKey, numixRateLimitTTL)
}

// HandleInstallStart allocates an install id and stashes the client IP,
// the first half of installer telemetry.
func (d *Dispatcher) HandleInstallStart(ctx context.Context, clientIP string) (int64, error) {
	id, err := d.Store.Incr(ctx, domain.CounterInstallID)
	if err != nil {
		return 0, fmt.Errorf("allocating install id: %w", err)
	}
	if err := d.Store.SetString(ctx, installKey(id, "client_ip"), clientIP); err != nil {
		return 0, fmt.Errorf("recording install client ip: %w", err)
	}
	return id, nil
}

// HandleInstallEnd records the install's outcome, the second half of
// installer telemetry.
func (d *Dispatcher) HandleInstallEnd(ctx context.Context, installID int64, result string) error {
	return d.Store.SetString(ctx, installKey(installID, "result"), result)
}

func installKey(id int64, field string) string {
	return fmt.Sprintf("antbs:install:%d:%s", id, field)
}
