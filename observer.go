// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Observer is the per-consumer mediator for one Query.
//
// It applies the staleness gate when deciding whether to trigger the
// Query's fetch and relays Query notifications to exactly one
// registered listener. Re-subscribing replaces the previous listener.
type Observer struct {
	id        string
	query     *Query
	staleTime time.Duration

	mu       sync.Mutex
	listener func(QueryState)
}

// NewObserver creates an Observer for the given Query.
//
// The observer holds a non-owning reference: if the Query is
// garbage-collected while the observer still exists, notifications
// simply stop.
func NewObserver(q *Query, opts ...ObserverOption) *Observer {
	options := ObserverOptions{StaleTime: DefaultStaleTime}
	for _, opt := range opts {
		opt(&options)
	}

	return &Observer{
		id:        uuid.NewString(),
		query:     q,
		staleTime: options.StaleTime,
	}
}

// Subscribe stores listener as the sole active callback, registers the
// observer with its Query, and immediately evaluates the staleness
// gate once (covers fetch-on-first-use).
//
// Returns the Query's own unsubscribe function; the observer performs
// no teardown of its own beyond Query unsubscription.
func (o *Observer) Subscribe(ctx context.Context, listener func(QueryState)) func() {
	o.mu.Lock()
	o.listener = listener
	o.mu.Unlock()

	unsubscribe := o.query.Subscribe(o)
	o.Fetch(ctx)
	return unsubscribe
}

// Fetch triggers the Query's fetch only if the cached data has never
// been fetched or has aged past the observer's staleness threshold.
// Otherwise it is a no-op and the cached state stands.
//
// This is the stale-while-revalidate gate.
func (o *Observer) Fetch(ctx context.Context) {
	s := o.query.State()
	if s.UpdatedAt.IsZero() || time.Since(s.UpdatedAt) > o.staleTime {
		o.query.Fetch(ctx)
	}
}

// Result returns the Query's current state.
//
// The snapshot shares Data with the cache; callers must treat it as
// read-only.
func (o *Observer) Result() QueryState {
	return o.query.State()
}

// notify relays a state change to the active listener, if any.
func (o *Observer) notify(s QueryState) {
	o.mu.Lock()
	fn := o.listener
	o.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}
