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

// Package live streams build output and server-status transitions to
// HTTP clients (SSE) via the store's pub/sub primitive. Producers never
// talk to this package directly — they publish onto the well-known
// channels in pkg/service/domain, and a Stream here is purely a consumer
// that applies the replay/heartbeat protocol on top.
package live

import (
	"context"
	"fmt"
	"time"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
)

// Event is one message delivered to a Stream consumer: either a log/status
// line, or a heartbeat comment keeping an idle SSE connection alive.
type Event struct {
	Line      string
	Heartbeat bool
}

const heartbeatInterval = 28 * time.Second

// BuildOutputPollInterval and StatusPollInterval are the two channel
// poll cadences named in §4.G step 4.
const (
	BuildOutputPollInterval = 50 * time.Millisecond
	StatusPollInterval      = time.Second
)

// StreamBuildOutput implements §4.G for one build's log: replay the last
// line for late joiners, then deliver every subsequently published line,
// emitting a heartbeat after heartbeatInterval of silence. It blocks until
// ctx is done or the subscription errors.
func StreamBuildOutput(ctx context.Context, store kv.Store, bnum int64, out chan<- Event) error {
	last, err := store.GetString(ctx, domain.BuildLastLineKey(bnum))
	if err != nil {
		return fmt.Errorf("reading last line for build %d: %w", bnum, err)
	}
	if last != "" {
		select {
		case out <- Event{Line: last}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sub, err := store.Subscribe(ctx, domain.BuildOutputChannel(bnum))
	if err != nil {
		return fmt.Errorf("subscribing to build %d output: %w", bnum, err)
	}
	defer sub.Close()

	return pump(ctx, sub, out)
}

// StreamStatus implements §4.G for the status channel: ServerStatus only
// publishes on transition (enforced in domain.ServerStatus), so this is a
// forward-only loop (no last-line replay) with no separate dedup needed
// here.
func StreamStatus(ctx context.Context, store kv.Store, out chan<- Event) error {
	sub, err := store.Subscribe(ctx, domain.StatusChannel)
	if err != nil {
		return fmt.Errorf("subscribing to status channel: %w", err)
	}
	defer sub.Close()

	return pump(ctx, sub, out)
}

// pump delivers messages from sub to out, emitting a heartbeat whenever
// heartbeatInterval elapses without a new message.
func pump(ctx context.Context, sub kv.Subscription, out chan<- Event) error {
	for {
		recvCtx, cancel := context.WithTimeout(ctx, heartbeatInterval)
		msg, err := sub.Receive(recvCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// recvCtx's own deadline firing (not the parent ctx) means
			// heartbeatInterval elapsed with nothing published.
			select {
			case out <- Event{Heartbeat: true}:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case out <- Event{Line: msg.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
