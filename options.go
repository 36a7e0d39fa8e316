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

import "time"

// Default configuration values.
const (
	// DefaultCacheTime is how long a query with zero subscribers is
	// kept before garbage collection.
	DefaultCacheTime = 5 * time.Minute

	// DefaultStaleTime is the default staleness threshold. Zero means
	// cached data is immediately eligible for a background refetch.
	DefaultStaleTime = 0 * time.Second
)

// ClientOptions configures Client behavior.
type ClientOptions struct {
	// CacheTime is the zero-subscriber inactivity window applied to
	// queries that don't override it.
	CacheTime time.Duration
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		CacheTime: DefaultCacheTime,
	}
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*ClientOptions)

// WithCacheTime sets the default zero-subscriber inactivity window.
func WithCacheTime(d time.Duration) ClientOption {
	return func(o *ClientOptions) {
		if d > 0 {
			o.CacheTime = d
		}
	}
}

// QueryOptions configures a single Query at creation time.
//
// The configuration is fixed for the Query's lifetime; later lookups
// for the same live key with different options are ignored.
type QueryOptions struct {
	// CacheTime overrides the client's inactivity window.
	CacheTime time.Duration
}

// QueryOption is a functional option for configuring a Query.
type QueryOption func(*QueryOptions)

// WithQueryCacheTime sets the zero-subscriber inactivity window for
// one Query.
func WithQueryCacheTime(d time.Duration) QueryOption {
	return func(o *QueryOptions) {
		if d > 0 {
			o.CacheTime = d
		}
	}
}

// ObserverOptions configures an Observer.
type ObserverOptions struct {
	// StaleTime is the age past which cached data is eligible for a
	// background refetch.
	StaleTime time.Duration
}

// ObserverOption is a functional option for configuring an Observer.
type ObserverOption func(*ObserverOptions)

// WithStaleTime sets the staleness threshold for one Observer.
func WithStaleTime(d time.Duration) ObserverOption {
	return func(o *ObserverOptions) {
		if d >= 0 {
			o.StaleTime = d
		}
	}
}
