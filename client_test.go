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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetQueryAddressing(t *testing.T) {
	c := NewClient()

	q1, err := c.GetQuery(Key{"posts", 1}, staticFetch("a"))
	require.NoError(t, err)
	q2, err := c.GetQuery(Key{"posts", 1}, staticFetch("b"))
	require.NoError(t, err)
	q3, err := c.GetQuery(Key{"posts", 2}, staticFetch("c"))
	require.NoError(t, err)

	assert.Same(t, q1, q2, "canonically identical keys must address one query")
	assert.NotSame(t, q1, q3, "differing keys must address distinct queries")

	_, err = c.GetQuery(Key{"bad", func() {}}, staticFetch("d"))
	assert.Error(t, err, "unserializable key must fail the lookup")
}

func TestGetQueryIgnoresLaterConfig(t *testing.T) {
	c := NewClient()

	q1, err := c.GetQuery(Key{"posts"}, staticFetch("a"),
		WithQueryCacheTime(50*time.Millisecond))
	require.NoError(t, err)

	q2, err := c.GetQuery(Key{"posts"}, staticFetch("b"),
		WithQueryCacheTime(time.Hour))
	require.NoError(t, err)

	assert.Same(t, q1, q2)
	assert.Equal(t, 50*time.Millisecond, q2.cacheTime,
		"configuration is fixed for the query's lifetime")
}

func TestSubscribeGlobal(t *testing.T) {
	c := NewClient()
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	listener := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	unsubA := c.SubscribeGlobal(listener("a"))
	unsubB := c.SubscribeGlobal(listener("b"))
	c.SubscribeGlobal(listener("c"))

	c.NotifyGlobal(ctx)
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, order, "registration order")
	order = nil
	mu.Unlock()

	unsubB()
	unsubB() // removing twice is harmless
	c.NotifyGlobal(ctx)
	mu.Lock()
	assert.Equal(t, []string{"a", "c"}, order)
	order = nil
	mu.Unlock()

	unsubA()
	c.NotifyGlobal(ctx)
	mu.Lock()
	assert.Equal(t, []string{"c"}, order)
	mu.Unlock()
}

func TestNotifyGlobalRefetchSweep(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	var calls int64
	q, err := c.GetQuery(Key{"posts"}, countingFetch(&calls, "data"))
	require.NoError(t, err)

	o := NewObserver(q, WithStaleTime(10*time.Second))
	o.Subscribe(ctx, nil)

	eventually(t, time.Second, func() bool {
		return atomic.LoadInt64(&calls) == 1
	}, "subscribe should run the initial fetch")

	// Fresh data: the sweep's staleness gate must no-op.
	c.NotifyGlobal(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	// Aged data: the sweep refetches.
	q.SetState(func(s QueryState) QueryState {
		s.UpdatedAt = time.Now().Add(-11 * time.Second)
		return s
	})
	c.NotifyGlobal(ctx)
	eventually(t, time.Second, func() bool {
		return atomic.LoadInt64(&calls) == 2
	}, "sweep should refetch stale queries")
}

func TestInvalidateQueries(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	var calls int64
	q, err := c.GetQuery(Key{"posts"}, countingFetch(&calls, "data"))
	require.NoError(t, err)

	o := NewObserver(q, WithStaleTime(time.Hour))
	o.Subscribe(ctx, nil)
	eventually(t, time.Second, func() bool {
		return atomic.LoadInt64(&calls) == 1
	}, "subscribe should run the initial fetch")

	require.NoError(t, c.InvalidateQueries(ctx, Key{"posts"}))
	eventually(t, time.Second, func() bool {
		return atomic.LoadInt64(&calls) == 2
	}, "invalidation should refetch despite the hour-long staleTime")

	// Unknown keys are a no-op.
	require.NoError(t, c.InvalidateQueries(ctx, Key{"missing"}))
}

func TestRemoveQuery(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	q, err := c.GetQuery(Key{"posts"}, staticFetch("data"))
	require.NoError(t, err)

	o := NewObserver(q, WithStaleTime(time.Hour))
	unsub := o.Subscribe(ctx, nil)

	assert.ErrorIs(t, c.RemoveQuery(Key{"posts"}), ErrQueryInUse)

	unsub()
	require.NoError(t, c.RemoveQuery(Key{"posts"}))
	assert.Equal(t, 0, c.Stats().Queries)

	// Removing an absent key is a no-op.
	require.NoError(t, c.RemoveQuery(Key{"posts"}))
}

func TestRemoveQueryConcurrentSubscribe(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	// Removal and subscription race on the same query; the registry
	// and the in-use error must stay consistent: a removal that
	// succeeds means the query had no subscriber at deletion time, so
	// the key is gone from the registry either way.
	for i := 0; i < 200; i++ {
		q, err := c.GetQuery(Key{"contested"}, staticFetch("data"))
		require.NoError(t, err)
		o := NewObserver(q, WithStaleTime(time.Hour))

		var (
			wg        sync.WaitGroup
			removeErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			o.Subscribe(ctx, nil)
		}()
		go func() {
			defer wg.Done()
			removeErr = c.RemoveQuery(Key{"contested"})
		}()
		wg.Wait()

		queries := c.Stats().Queries
		switch {
		case removeErr == nil:
			assert.Equal(t, 0, queries, "successful removal must leave the key unregistered")
		default:
			assert.ErrorIs(t, removeErr, ErrQueryInUse)
			assert.Equal(t, 1, queries, "refused removal must leave the subscribed query registered")
		}

		// Reset for the next round.
		q.unsubscribe(o)
		_ = c.RemoveQuery(Key{"contested"})
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	idle, err := c.GetQuery(Key{"idle"}, staticFetch("a"))
	require.NoError(t, err)
	<-idle.Fetch(ctx)

	live, err := c.GetQuery(Key{"live"}, staticFetch("b"))
	require.NoError(t, err)
	o := NewObserver(live, WithStaleTime(time.Hour))
	o.Subscribe(ctx, nil)
	eventually(t, time.Second, func() bool {
		return !live.State().UpdatedAt.IsZero()
	}, "subscribed query should settle")

	c.Clear()

	assert.Equal(t, 1, c.Stats().Queries, "subscribed queries survive Clear")
	assert.True(t, live.State().UpdatedAt.IsZero(), "surviving queries are invalidated")

	q2, err := c.GetQuery(Key{"idle"}, staticFetch("a"))
	require.NoError(t, err)
	assert.NotSame(t, idle, q2, "idle queries are removed by Clear")
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	q, err := c.GetQuery(Key{"posts"}, staticFetch("data"),
		WithQueryCacheTime(time.Hour))
	require.NoError(t, err)

	// Arm a gc timer, then close while it is pending.
	o := NewObserver(q, WithStaleTime(time.Hour))
	unsub := o.Subscribe(ctx, nil)
	unsub()

	c.Close()
	c.Close() // idempotent

	assert.Equal(t, 0, c.Stats().Queries)
	_, err = c.GetQuery(Key{"posts"}, staticFetch("data"))
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	q, err := c.GetQuery(Key{"posts"}, staticFetch("data"))
	require.NoError(t, err)
	<-q.Fetch(ctx)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Queries)
	assert.EqualValues(t, 1, stats.QueriesCreated)
	assert.EqualValues(t, 1, stats.Fetches)
	assert.EqualValues(t, 0, stats.FetchErrors)
}

// TestStaleWhileRevalidate walks the full consumer flow: subscribe,
// serve cached data, age past the threshold, refetch in the background.
func TestStaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	var generation int64
	fetch := func(ctx context.Context) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return atomic.AddInt64(&generation, 1), nil
	}

	q, err := c.GetQuery(Key{"feed"}, fetch, WithQueryCacheTime(time.Hour))
	require.NoError(t, err)

	o := NewObserver(q, WithStaleTime(60*time.Millisecond))
	o.Subscribe(ctx, nil)

	eventually(t, time.Second, func() bool {
		s := o.Result()
		return s.Status == StatusSuccess && s.Data == int64(1)
	}, "initial fetch should settle")

	// Inside the staleness window the cached value is served as is.
	o.Fetch(ctx)
	assert.Equal(t, int64(1), o.Result().Data)
	assert.False(t, o.Result().IsFetching)

	// Past the window the gate triggers a background refetch while the
	// stale value stays visible until the new one lands.
	time.Sleep(80 * time.Millisecond)
	o.Fetch(ctx)
	assert.Equal(t, int64(1), o.Result().Data, "stale value served during revalidation")

	eventually(t, time.Second, func() bool {
		return o.Result().Data == int64(2)
	}, "background refetch should replace the stale value")
}
