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

// Package kv provides the typed key/value store adapter that backs every
// durable entity in the orchestrator. All durable state lives here; entity
// objects built on top of a Store are short-lived views, never caches.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned (wrapped) for any failure talking to the
// backing store. It is the single failure condition callers need to
// recognize; component-level retry/abort policy is decided by the caller.
var ErrUnavailable = errors.New("kv: store unavailable")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a lazy sequence of published messages on one or more
// channels. Callers must call Close when done.
type Subscription interface {
	// Receive blocks until a message arrives, ctx is done, or the
	// subscription is closed.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Store is the typed key/value adapter. Keys are caller-namespaced
// (e.g. "antbs:build:123"); the Store itself knows nothing about entity
// semantics.
type Store interface {
	// Scalars.
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, val string) error
	GetInt(ctx context.Context, key string) (int64, error)
	SetInt(ctx context.Context, key string, val int64) error
	GetBool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, val bool) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments an integer key and returns the new value.
	// Used for bnum/tnum/install-id allocation.
	Incr(ctx context.Context, key string) (int64, error)

	// Ordered lists (insertion-ordered, duplicates allowed).
	ListPush(ctx context.Context, key string, vals ...string) error
	ListRange(ctx context.Context, key string) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)
	ListRem(ctx context.Context, key, val string) error
	// ListPopFront atomically removes and returns the first element, or
	// ("", false, nil) if the list is empty.
	ListPopFront(ctx context.Context, key string) (string, bool, error)

	// Unordered sets.
	SetAdd(ctx context.Context, key string, vals ...string) error
	SetRem(ctx context.Context, key string, vals ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetIsMember(ctx context.Context, key, val string) (bool, error)

	// Expire sets a TTL on key; ttl<=0 clears any existing TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Pub/sub.
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Close() error
}
