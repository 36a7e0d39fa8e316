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

// Status is the lifecycle phase of a Query's data.
type Status string

const (
	// StatusLoading means no fetch has ever settled for this Query.
	StatusLoading Status = "loading"

	// StatusSuccess means the most recent settled fetch succeeded.
	StatusSuccess Status = "success"

	// StatusError means the most recent settled fetch failed.
	StatusError Status = "error"
)

// QueryState is a snapshot of a Query's cached result.
//
// Status tracks the outcome of the last settled fetch; IsFetching is an
// orthogonal flag that is true for the duration of any fetch attempt,
// initial or background.
type QueryState struct {
	// Status is the lifecycle phase: loading, success, or error.
	Status Status

	// IsFetching is true while a fetch attempt is in flight.
	IsFetching bool

	// Data is the most recently fetched result. It is kept across a
	// failed refetch so stale data stays visible alongside Error.
	Data any

	// Error is the failure of the most recent fetch attempt, nil
	// otherwise. Cleared when a new attempt starts.
	Error error

	// UpdatedAt is when Data was last successfully refreshed. The zero
	// time means data has never been fetched.
	UpdatedAt time.Time
}
