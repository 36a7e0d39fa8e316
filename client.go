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

	"github.com/google/uuid"
)

// Client owns the Query registry and a global notification bus.
//
// Queries are created lazily on first lookup and removed only by
// garbage collection (or the imperative removal operations). The
// registry lives and dies with the Client; collaborators receive the
// Client explicitly rather than through ambient state.
//
// Thread Safety:
//
//	Client is safe for concurrent use.
type Client struct {
	options ClientOptions

	mu      sync.RWMutex
	queries map[string]*Query
	closed  bool

	lmu       sync.Mutex
	listeners []globalListener

	// Stats
	created     int64
	fetches     int64
	dedups      int64
	fetchErrors int64
	evictions   int64
}

// globalListener pairs a listener with an identity so unsubscribe
// removes exactly that registration.
type globalListener struct {
	id string
	fn func()
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Client{
		options: options,
		queries: make(map[string]*Query),
	}
}

// GetQuery returns the Query registered for the key's canonical form,
// creating and registering one if absent.
//
// The fetch function and cacheTime are fixed for the Query's lifetime:
// a later lookup for the same live key with a different configuration
// returns the existing Query and the new configuration is ignored.
// This is a known limitation, kept deliberately.
func (c *Client) GetQuery(key Key, fetch FetchFunc, opts ...QueryOption) (*Query, error) {
	hash, err := key.Canonical()
	if err != nil {
		return nil, err
	}

	qopts := QueryOptions{CacheTime: c.options.CacheTime}
	for _, opt := range opts {
		opt(&qopts)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if q, ok := c.queries[hash]; ok {
		return q, nil
	}

	q := newQuery(c, key, hash, fetch, qopts.CacheTime)
	c.queries[hash] = q
	atomic.AddInt64(&c.created, 1)
	return q, nil
}

// SubscribeGlobal registers a listener on the client-wide list and
// returns a function removing exactly that registration.
//
// Global listeners are the hook point for external event sources
// (window focus, visibility changes) that want to piggyback on
// NotifyGlobal sweeps.
func (c *Client) SubscribeGlobal(fn func()) func() {
	id := uuid.NewString()

	c.lmu.Lock()
	c.listeners = append(c.listeners, globalListener{id: id, fn: fn})
	c.lmu.Unlock()

	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				break
			}
		}
	}
}

// NotifyGlobal invokes every registered global listener synchronously
// in registration order, then runs a full refetch sweep: for every
// Query in the registry, every subscribed Observer re-evaluates its
// staleness gate.
//
// External event sources call this to refresh everything that has
// gone stale, e.g. when the application window regains focus.
func (c *Client) NotifyGlobal(ctx context.Context) {
	c.lmu.Lock()
	listeners := make([]globalListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.lmu.Unlock()

	for _, l := range listeners {
		l.fn()
	}

	for _, q := range c.snapshot() {
		for _, o := range q.observers() {
			o.Fetch(ctx)
		}
	}
}

// InvalidateQueries marks the Query for key as no longer fresh and
// immediately re-evaluates the staleness gate for its subscribed
// observers, so active consumers refetch right away.
//
// A key with no registered Query is a no-op.
func (c *Client) InvalidateQueries(ctx context.Context, key Key) error {
	hash, err := key.Canonical()
	if err != nil {
		return err
	}

	c.mu.RLock()
	q, ok := c.queries[hash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	q.invalidate()
	for _, o := range q.observers() {
		o.Fetch(ctx)
	}
	return nil
}

// RemoveQuery removes the Query for key from the registry.
//
// Returns ErrQueryInUse if the Query has active subscribers; use
// InvalidateQueries to refresh a live Query instead.
func (c *Client) RemoveQuery(key Key) error {
	hash, err := key.Canonical()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[hash]
	if !ok {
		return nil // Already gone
	}

	// Hold q.mu through the delete so a concurrent Subscribe cannot
	// land between the in-use check and the removal.
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.subscribers) > 0 {
		return ErrQueryInUse
	}
	q.cancelGCLocked()
	delete(c.queries, hash)
	return nil
}

// Clear removes every idle Query from the registry.
//
// Queries with active subscribers stay registered but are invalidated,
// so their next gate evaluation refetches.
func (c *Client) Clear() {
	c.mu.Lock()
	var live []*Query
	for hash, q := range c.queries {
		q.mu.Lock()
		if len(q.subscribers) > 0 {
			q.mu.Unlock()
			live = append(live, q)
			continue
		}
		q.cancelGCLocked()
		delete(c.queries, hash)
		q.mu.Unlock()
	}
	c.mu.Unlock()

	// Invalidation notifies subscribers, so it runs outside the
	// registry lock.
	for _, q := range live {
		q.invalidate()
	}
}

// Close discards the registry and stops all pending garbage-collection
// timers. Subsequent lookups fail with ErrClientClosed.
//
// In-flight fetches are not cancelled; they settle against orphaned
// queries and their results are dropped.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for hash, q := range c.queries {
		q.mu.Lock()
		q.cancelGCLocked()
		delete(c.queries, hash)
		q.mu.Unlock()
	}
}

// expire removes q from the registry after its cacheTime elapsed with
// zero subscribers. Runs on the GC timer goroutine; gen is the timer
// generation captured when the timer was armed.
func (c *Client) expire(q *Query, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	// A stale generation means the timer was cancelled (or replaced)
	// after this callback launched; the current window rules.
	if gen != q.gcGen {
		return
	}
	if len(q.subscribers) > 0 {
		// Re-subscribed between the timer firing and this lock.
		return
	}
	q.gcTimer = nil

	cur, ok := c.queries[q.hash]
	if !ok || cur != q {
		return
	}

	delete(c.queries, q.hash)
	atomic.AddInt64(&c.evictions, 1)
	gcEvictionsTotal.Inc()
	slog.Debug("querycache: gc removed query",
		slog.String("key", q.hash),
	)
}

// snapshot returns the registered queries at this instant.
func (c *Client) snapshot() []*Query {
	c.mu.RLock()
	defer c.mu.RUnlock()

	queries := make([]*Query, 0, len(c.queries))
	for _, q := range c.queries {
		queries = append(queries, q)
	}
	return queries
}

// Stats contains statistics about the cache.
type Stats struct {
	// Queries is the number of queries currently registered.
	Queries int

	// QueriesCreated is the total number of queries ever created.
	QueriesCreated int64

	// Fetches is the number of fetch attempts started.
	Fetches int64

	// DedupHits is the number of fetch triggers that joined an
	// in-flight attempt instead of starting a new one.
	DedupHits int64

	// FetchErrors is the number of failed fetch attempts.
	FetchErrors int64

	// Evictions is the number of queries removed by garbage
	// collection.
	Evictions int64
}

// Stats returns current cache statistics.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	count := len(c.queries)
	c.mu.RUnlock()

	return Stats{
		Queries:        count,
		QueriesCreated: atomic.LoadInt64(&c.created),
		Fetches:        atomic.LoadInt64(&c.fetches),
		DedupHits:      atomic.LoadInt64(&c.dedups),
		FetchErrors:    atomic.LoadInt64(&c.fetchErrors),
		Evictions:      atomic.LoadInt64(&c.evictions),
	}
}
