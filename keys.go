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
	"encoding/json"
	"fmt"
)

// Key is an ordered sequence of serializable values identifying a Query.
//
// Typical keys mix a resource name with its parameters:
//
//	querycache.Key{"posts"}
//	querycache.Key{"post", 42}
//	querycache.Key{"search", map[string]any{"q": "cache", "page": 2}}
type Key []any

// Canonical returns the canonical string form of the key, used as the
// registry address.
//
// Description:
//
//	Serializes the ordered key sequence deterministically with JSON.
//	Map values serialize with sorted keys, so structurally equal maps
//	produce equal canonical strings regardless of construction order.
//
// Outputs:
//
//	string - The canonical form. Equal canonical strings address the
//	         same Query; cache equivalence is string equality of this
//	         form, not deep structural equality of the key values.
//	error - Non-nil if a key element cannot be serialized (channels,
//	        functions, cyclic values).
//
// Limitations:
//
//	Two keys whose elements serialize differently (e.g. int(1) versus
//	"1") address distinct Queries even when a caller considers them
//	equivalent.
func (k Key) Canonical() (string, error) {
	b, err := json.Marshal([]any(k))
	if err != nil {
		return "", fmt.Errorf("canonicalizing query key: %w", err)
	}
	return string(b), nil
}
