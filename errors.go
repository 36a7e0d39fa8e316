// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package querycache provides an in-process keyed cache for asynchronous
// data with a stale-while-revalidate refresh policy.
//
// Callers request data by key and receive cached results immediately when
// fresh; the cache triggers a background refetch once results age past a
// configurable staleness threshold. Entries with no subscribers are
// garbage-collected after a configurable inactivity window.
//
//   - Concurrent fetch triggers for one key collapse into a single
//     underlying call (one in-flight fetch per Query)
//   - Observers gate refetches by staleness and relay state changes to
//     exactly one listener each
//   - A Client owns the Query registry plus a global notification bus for
//     bulk refetch triggers (e.g. window refocus)
//
// # Design Principles
//
// Cached data is ephemeral and always refetchable through the supplied
// fetch function. A fetch failure is recorded in the Query state, never
// returned from the trigger call itself; consumers inspect the state to
// detect errors. Stale data survives a failed refetch so last-known-good
// results stay visible alongside the error.
//
// # Thread Safety
//
// Client, Query, and Observer are safe for concurrent use.
package querycache

import "errors"

// Sentinel errors for cache operations.
var (
	// ErrClientClosed is returned when a lookup is attempted on a
	// closed client.
	ErrClientClosed = errors.New("query client is closed")

	// ErrQueryInUse is returned when attempting to remove a query
	// that has active subscribers.
	ErrQueryInUse = errors.New("query has active subscribers")
)
