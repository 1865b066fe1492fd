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
	"sort"

	"github.com/AleutianAI/histstore/docstore"
)

// The diff engine computes field-level differences between two documents.
// All three functions treat the first argument as "newer" and the second as
// "older", take values from the older document, and exclude the ignored
// fields (which always include the storage id and the internal metadata
// key). They are pure: neither input is mutated.

// checkKey verifies that every primary-key field is present on all given
// documents and holds the same value across them.
func (c *Collection) checkKey(docs ...Document) error {
	kerr := &KeyConsistencyError{Conflicts: map[string][]any{}}
	for _, pk := range c.pkFields {
		var seen []any
		for _, d := range docs {
			v, ok := d[pk]
			if !ok {
				kerr.Missing = append(kerr.Missing, pk)
				continue
			}
			dup := false
			for _, s := range seen {
				if docstore.ValueEqual(s, v) {
					dup = true
					break
				}
			}
			if !dup {
				seen = append(seen, v)
			}
		}
		if len(seen) > 1 {
			kerr.Conflicts[pk] = seen
		}
	}
	if len(kerr.Missing) > 0 || len(kerr.Conflicts) > 0 {
		return kerr
	}
	return nil
}

// ignoredSet builds the full ignore set for one diff run.
func (c *Collection) ignoredSet(ignoreFields []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ignoreFields)+2)
	out[docstore.IDField] = struct{}{}
	out[c.cfg.InternalMetadataKey] = struct{}{}
	for _, f := range ignoreFields {
		out[f] = struct{}{}
	}
	return out
}

// additions returns fields present in older but absent from newer, with the
// older document's values. The key-consistency precondition applies.
func (c *Collection) additions(newer, older Document, ignore map[string]struct{}) (map[string]any, error) {
	if err := c.checkKey(newer, older); err != nil {
		return nil, err
	}
	out := map[string]any{}
	for k, v := range older {
		if _, skip := ignore[k]; skip {
			continue
		}
		if _, present := newer[k]; !present {
			out[k] = v
		}
	}
	return out, nil
}

// removals returns the names of fields present in newer but absent from
// older. The key-consistency precondition applies.
func (c *Collection) removals(newer, older Document, ignore map[string]struct{}) ([]string, error) {
	if err := c.checkKey(newer, older); err != nil {
		return nil, err
	}
	var out []string
	for k := range newer {
		if _, skip := ignore[k]; skip {
			continue
		}
		if _, present := older[k]; !present {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// updates returns fields present in both documents whose values differ,
// with the older document's values.
func (c *Collection) updates(newer, older Document, ignore map[string]struct{}) map[string]any {
	out := map[string]any{}
	for k, ov := range older {
		if _, skip := ignore[k]; skip {
			continue
		}
		nv, present := newer[k]
		if present && !docstore.ValueEqual(nv, ov) {
			out[k] = ov
		}
	}
	return out
}

// createDeltaSet computes the reverse delta that converts the incoming
// (newer) state back into the stored (older) state.
func (c *Collection) createDeltaSet(incoming, stored Document, ignoreFields []string) (DeltaSet, error) {
	ignore := c.ignoredSet(ignoreFields)
	added, err := c.additions(incoming, stored, ignore)
	if err != nil {
		return DeltaSet{}, err
	}
	removed, err := c.removals(incoming, stored, ignore)
	if err != nil {
		return DeltaSet{}, err
	}
	return DeltaSet{
		Added:   added,
		Updated: c.updates(incoming, stored, ignore),
		Removed: removed,
	}, nil
}
