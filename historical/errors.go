// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package historical

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for the historical collection.
var (
	// ErrNoPrimaryKey indicates a collection was constructed without
	// primary-key field names.
	ErrNoPrimaryKey = errors.New("primary key fields not declared")

	// ErrNilStore indicates a collection was constructed without a store.
	ErrNilStore = errors.New("document store must not be nil")

	// ErrMissingHeader indicates a document passed to a read path carries
	// no version header and so cannot anchor a chain walk.
	ErrMissingHeader = errors.New("document missing version header")
)

// KeyConsistencyError reports primary-key fields that are missing from a
// compared document, or that differ between compared documents.
type KeyConsistencyError struct {
	// Missing names primary-key fields absent from at least one document.
	Missing []string

	// Conflicts maps a primary-key field to the distinct values observed
	// for it across the compared documents.
	Conflicts map[string][]any
}

func (e *KeyConsistencyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("keys not present: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Conflicts) > 0 {
		fields := make([]string, 0, len(e.Conflicts))
		for f := range e.Conflicts {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			parts = append(parts, fmt.Sprintf("differing values for %s: %v", f, e.Conflicts[f]))
		}
	}
	if len(parts) == 0 {
		return "primary key inconsistency"
	}
	return "primary key inconsistency: " + strings.Join(parts, "; ")
}
