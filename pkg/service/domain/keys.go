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

// Package domain implements the store-backed entity views: Package, Build,
// Repo, Transaction, TimelineEvent and ServerStatus. Every entity is a thin
// handle over a kv.Store plus an id or name; no entity keeps mutable state
// in memory across calls. Construction is idempotent — calling GetPackage
// twice for the same name returns two independent, interchangeable views.
package domain

import "fmt"

const keyPrefix = "antbs"

func pkgKey(name, field string) string {
	return fmt.Sprintf("%s:pkg:%s:%s", keyPrefix, name, field)
}

func buildKey(bnum int64, field string) string {
	return fmt.Sprintf("%s:build:%d:%s", keyPrefix, bnum, field)
}

func repoKey(name, field string) string {
	return fmt.Sprintf("%s:repo:%s:%s", keyPrefix, name, field)
}

func txnKey(tnum int64, field string) string {
	return fmt.Sprintf("%s:txn:%d:%s", keyPrefix, tnum, field)
}

func timelineKey(eventID int64, field string) string {
	return fmt.Sprintf("%s:timeline:%d:%s", keyPrefix, eventID, field)
}

func statusKey(field string) string {
	return fmt.Sprintf("%s:status:%s", keyPrefix, field)
}

// Counter keys, named exactly as the environment table in the external
// interfaces section of the design.
const (
	CounterBnum      = keyPrefix + ":misc:bnum:next"
	CounterTnum      = keyPrefix + ":misc:tnum:next"
	CounterEventID   = keyPrefix + ":misc:event:next"
	CounterInstallID = "cnchi:install_id:next"
)

// BuildOutputChannel is the pub/sub channel name for a build's live log.
func BuildOutputChannel(bnum int64) string {
	return fmt.Sprintf("live:build_output:%d", bnum)
}

// BuildLastLineKey holds the most recent log line for late SSE joiners.
func BuildLastLineKey(bnum int64) string {
	return fmt.Sprintf("tmp:build_log_last_line:%d", bnum)
}

// StatusChannel is the pub/sub channel for ServerStatus transitions.
const StatusChannel = "live:status"
