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
	"fmt"

	"github.com/antbs-project/antbs/pkg/service/monitor"
)

// MonitorAdapter implements monitor.ChangeHandler by folding a detected
// upstream change into the same shape HandlePush already handles: a
// single-commit PushEvent whose one changed path is
// "<pkgname>/PKGBUILD", so a poll-detected change runs through the exact
// de-dup/hook-queue/transaction-builder path a real push does.
type MonitorAdapter struct {
	Dispatcher *Dispatcher
}

// HandleUpstreamChange implements monitor.ChangeHandler.
func (a *MonitorAdapter) HandleUpstreamChange(ctx context.Context, change monitor.UpstreamChange) error {
	ev := PushEvent{
		Source: change.Pkgname,
		Commits: []Commit{
			{AddedOrModified: []string{fmt.Sprintf("%s/PKGBUILD", change.Pkgname)}},
		},
	}
	return a.Dispatcher.HandlePush(ctx, ev)
}
