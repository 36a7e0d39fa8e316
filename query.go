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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FetchFunc supplies the data for one Query. It is an opaque
// asynchronous operation from the cache's point of view; the cache
// never cancels or retries it.
type FetchFunc func(ctx context.Context) (any, error)

// Query is the cache entry for one key.
//
// A Query owns its state, a single in-flight fetch guard, the list of
// subscribed Observers, and a one-shot garbage-collection timer. At most
// one Query per canonical key exists in a Client at any time.
//
// Thread Safety:
//
//	Query is safe for concurrent use. State notifications run outside
//	the internal lock, so listeners may call back into the Query.
type Query struct {
	client    *Client
	key       Key
	hash      string
	fetchFn   FetchFunc
	cacheTime time.Duration

	mu          sync.Mutex
	state       QueryState
	subscribers []*Observer

	// inflight is the sole source of truth for "fetch already running".
	// It is cleared in the fetch finalizer on every exit path.
	inflight chan struct{}

	// gcTimer is armed only while the subscriber list is empty. gcGen
	// stamps each arming; an expiry callback carrying a stale
	// generation is ignored, so a timer that already fired when it was
	// cancelled cannot evict the query.
	gcTimer *time.Timer
	gcGen   uint64
}

// newQuery creates a Query in its initial loading state.
func newQuery(c *Client, key Key, hash string, fetch FetchFunc, cacheTime time.Duration) *Query {
	return &Query{
		client:    c,
		key:       key,
		hash:      hash,
		fetchFn:   fetch,
		cacheTime: cacheTime,
		state: QueryState{
			Status:     StatusLoading,
			IsFetching: true,
		},
	}
}

// Key returns the structured key this Query was created with.
func (q *Query) Key() Key {
	return q.key
}

// Hash returns the canonical key string addressing this Query.
func (q *Query) Hash() string {
	return q.hash
}

// State returns a snapshot of the current query state.
//
// The snapshot shares Data with the cache; callers must treat it as
// read-only.
func (q *Query) State() QueryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// SetState applies transform to the previous state and synchronously
// notifies every currently subscribed Observer in subscription order.
//
// Each call produces its own notification round; rounds are not
// coalesced across calls within one fetch cycle.
func (q *Query) SetState(transform func(QueryState) QueryState) {
	q.mu.Lock()
	q.state = transform(q.state)
	next := q.state
	subs := make([]*Observer, len(q.subscribers))
	copy(subs, q.subscribers)
	q.mu.Unlock()

	notifyFanout.Observe(float64(len(subs)))
	for _, o := range subs {
		o.notify(next)
	}
}

// Fetch triggers the query's fetch operation, deduplicating concurrent
// triggers into a single underlying call.
//
// Description:
//
//	If no fetch is in flight, one asynchronous attempt starts and its
//	handle is stored; every caller that triggers before the attempt
//	settles receives that same handle. The handle is cleared in a
//	deferred finalizer on every exit path, so a subsequent Fetch after
//	completion always starts fresh work.
//
// Outputs:
//
//	<-chan struct{} - Closed when the attempt settles. Fetch never
//	reports failure itself; callers inspect State().Status and
//	State().Error instead.
//
// Behavior:
//
//  1. Fetch start sets IsFetching and clears Error; Status unchanged
//  2. Success sets Status, Data, and UpdatedAt
//  3. Failure sets Status and Error; Data is kept
//  4. Settle always clears IsFetching and the in-flight handle
//
// Thread Safety: Safe for concurrent use.
func (q *Query) Fetch(ctx context.Context) <-chan struct{} {
	q.mu.Lock()
	if q.inflight != nil {
		done := q.inflight
		q.mu.Unlock()
		atomic.AddInt64(&q.client.dedups, 1)
		recordFetchDedup(ctx)
		return done
	}
	done := make(chan struct{})
	q.inflight = done
	q.mu.Unlock()

	atomic.AddInt64(&q.client.fetches, 1)
	recordFetchStart(ctx)
	q.SetState(func(s QueryState) QueryState {
		s.IsFetching = true
		s.Error = nil
		return s
	})

	go q.run(ctx, done)
	return done
}

// run executes one fetch attempt and applies its completion steps.
func (q *Query) run(ctx context.Context, done chan struct{}) {
	ctx, span := startQuerySpan(ctx, "Fetch", q.hash)
	defer span.End()

	start := time.Now()
	var ok bool

	defer func() {
		q.mu.Lock()
		q.inflight = nil
		q.mu.Unlock()
		q.SetState(func(s QueryState) QueryState {
			s.IsFetching = false
			return s
		})
		close(done)
		recordFetchLatency(ctx, time.Since(start), ok)
	}()

	data, err := q.fetchFn(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Warn("querycache: fetch failed",
			slog.String("key", q.hash),
			slog.String("error", err.Error()),
		)
		atomic.AddInt64(&q.client.fetchErrors, 1)
		recordFetchError(ctx)
		q.SetState(func(s QueryState) QueryState {
			s.Status = StatusError
			s.Error = err
			return s
		})
		return
	}

	ok = true
	q.SetState(func(s QueryState) QueryState {
		s.Status = StatusSuccess
		s.Data = data
		s.UpdatedAt = time.Now()
		return s
	})
}

// Subscribe registers an observer and cancels any pending garbage
// collection.
//
// Returns an unsubscribe function bound to the observer's identity.
// Invoking it removes the observer; when the subscriber list becomes
// empty, garbage collection is scheduled to fire after the query's
// cacheTime.
func (q *Query) Subscribe(o *Observer) func() {
	q.mu.Lock()
	if !q.subscribedLocked(o) {
		q.subscribers = append(q.subscribers, o)
	}
	q.cancelGCLocked()
	q.mu.Unlock()

	return func() {
		q.unsubscribe(o)
	}
}

// subscribedLocked reports whether o is already in the subscriber list.
func (q *Query) subscribedLocked(o *Observer) bool {
	for _, s := range q.subscribers {
		if s.id == o.id {
			return true
		}
	}
	return false
}

// unsubscribe removes an observer by identity. Idempotent.
func (q *Query) unsubscribe(o *Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	for i, s := range q.subscribers {
		if s.id == o.id {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			removed = true
			break
		}
	}
	if removed && len(q.subscribers) == 0 {
		q.scheduleGCLocked()
	}
}

// observers returns a snapshot of the subscriber list.
func (q *Query) observers() []*Observer {
	q.mu.Lock()
	defer q.mu.Unlock()
	subs := make([]*Observer, len(q.subscribers))
	copy(subs, q.subscribers)
	return subs
}

// scheduleGCLocked arms the one-shot garbage-collection timer,
// replacing any prior timer. Caller must hold q.mu.
func (q *Query) scheduleGCLocked() {
	q.cancelGCLocked()
	slog.Debug("querycache: scheduling gc",
		slog.String("key", q.hash),
		slog.Duration("cache_time", q.cacheTime),
	)
	gen := q.gcGen
	q.gcTimer = time.AfterFunc(q.cacheTime, func() {
		q.client.expire(q, gen)
	})
}

// cancelGCLocked stops any pending garbage collection and invalidates
// callbacks already launched by a fired timer. Idempotent.
// Caller must hold q.mu.
func (q *Query) cancelGCLocked() {
	q.gcGen++
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
}

// invalidate marks the cached data as no longer fresh, so the next
// staleness-gated fetch for this query triggers unconditionally.
func (q *Query) invalidate() {
	q.SetState(func(s QueryState) QueryState {
		s.UpdatedAt = time.Time{}
		return s
	})
}
