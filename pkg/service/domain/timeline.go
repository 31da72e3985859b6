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
	"strconv"
	"time"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

// TimelineEventType enumerates the event kinds the engine emits. The event
// is a structured record, not pre-rendered HTML — formatting is a view
// layer concern.
type TimelineEventType string

const (
	TimelineInfo       TimelineEventType = "info"
	TimelineGitlabHook TimelineEventType = "gitlab-hook"
	TimelineGithubHook TimelineEventType = "github-hook"
	TimelineBuildStart TimelineEventType = "build-start"
	TimelineBuildPass  TimelineEventType = "build-pass"
	TimelineBuildFail  TimelineEventType = "build-fail"
)

// TimelineEvent is a structured, append-only record of something that
// happened. Msg is a plain-text summary; callers that render HTML do so
// outside this package.
type TimelineEvent struct {
	EventID  int64
	Type     TimelineEventType
	Msg      string
	Packages []string
	At       time.Time
}

// EmitTimelineEvent allocates an event id and persists the event.
func EmitTimelineEvent(ctx context.Context, store kv.Store, typ TimelineEventType, msg string, packages []string) (*TimelineEvent, error) {
	id, err := store.Incr(ctx, CounterEventID)
	if err != nil {
		return nil, err
	}
	ev := &TimelineEvent{EventID: id, Type: typ, Msg: msg, Packages: packages, At: time.Now()}
	if err := store.SetString(ctx, timelineKey(id, "type"), string(typ)); err != nil {
		return nil, err
	}
	if err := store.SetString(ctx, timelineKey(id, "msg"), msg); err != nil {
		return nil, err
	}
	if len(packages) > 0 {
		if err := store.SetAdd(ctx, timelineKey(id, "packages"), packages...); err != nil {
			return nil, err
		}
	}
	if err := store.SetString(ctx, timelineKey(id, "at"), ev.At.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if err := store.ListPush(ctx, keyPrefix+":timeline:ids", strconv.FormatInt(id, 10)); err != nil {
		return nil, err
	}
	return ev, nil
}

// GetTimelineEvent loads a previously emitted event by id.
func GetTimelineEvent(ctx context.Context, store kv.Store, eventID int64) (*TimelineEvent, error) {
	typ, err := store.GetString(ctx, timelineKey(eventID, "type"))
	if err != nil {
		return nil, err
	}
	msg, err := store.GetString(ctx, timelineKey(eventID, "msg"))
	if err != nil {
		return nil, err
	}
	packages, err := store.SetMembers(ctx, timelineKey(eventID, "packages"))
	if err != nil {
		return nil, err
	}
	atStr, err := store.GetString(ctx, timelineKey(eventID, "at"))
	if err != nil {
		return nil, err
	}
	at, _ := time.Parse(time.RFC3339Nano, atStr)
	return &TimelineEvent{
		EventID:  eventID,
		Type:     TimelineEventType(typ),
		Msg:      msg,
		Packages: packages,
		At:       at,
	}, nil
}

// String renders a minimal plain-text form, useful for logs and tests.
func (e *TimelineEvent) String() string {
	return fmt.Sprintf("[%s] %s %v", e.Type, e.Msg, e.Packages)
}
