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

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

// githubIPBlocksKey caches the raw api.github.com/meta response.
const githubIPBlocksKey = "GITHUB_HOOK_IP_BLOCKS"

// githubIPBlocksTTL is ~12h, matching the original's 42300s.
const githubIPBlocksTTL = 42300 * time.Second

// metaResponse is the subset of api.github.com/meta this cares about: the
// CIDR blocks GitHub sends webhook deliveries from.
type metaResponse struct {
	Hooks []string `json:"hooks"`
}

// GitHubAllowList checks a remote address against GitHub's published
// webhook-sender IP ranges, cached in the store with a ~12h TTL so every
// push doesn't hit api.github.com/meta.
type GitHubAllowList struct {
	Store  kv.Store
	Client *http.Client
}

// Contains implements AllowList.
func (a *GitHubAllowList) Contains(ctx context.Context, ip string) (bool, error) {
	blocks, err := a.blocks(ctx)
	if err != nil {
		return false, err
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false, nil
	}
	for _, block := range blocks {
		_, network, err := net.ParseCIDR(block)
		if err != nil {
			continue
		}
		if network.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

func (a *GitHubAllowList) blocks(ctx context.Context) ([]string, error) {
	exists, err := a.Store.Exists(ctx, githubIPBlocksKey)
	if err != nil {
		return nil, fmt.Errorf("checking cached github ip blocks: %w", err)
	}
	if exists {
		raw, err := a.Store.GetString(ctx, githubIPBlocksKey)
		if err != nil {
			return nil, fmt.Errorf("reading cached github ip blocks: %w", err)
		}
		var meta metaResponse
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("parsing cached github ip blocks: %w", err)
		}
		return meta.Hooks, nil
	}

	raw, err := a.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.Store.SetString(ctx, githubIPBlocksKey, raw); err != nil {
		return nil, fmt.Errorf("caching github ip blocks: %w", err)
	}
	if err := a.Store.Expire(ctx, githubIPBlocksKey, githubIPBlocksTTL); err != nil {
		return nil, fmt.Errorf("setting github ip blocks ttl: %w", err)
	}

	var meta metaResponse
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("parsing github ip blocks: %w", err)
	}
	return meta.Hooks, nil
}

func (a *GitHubAllowList) fetch(ctx context.Context) (string, error) {
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/meta", nil)
	if err != nil {
		return "", fmt.Errorf("building github meta request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching github meta: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github meta returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading github meta response: %w", err)
	}
	clog.FromContext(ctx).Debugf("webhook: refreshed github ip blocks (%d bytes)", len(body))
	return string(body), nil
}
