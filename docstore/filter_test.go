// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqMatchesScalar(t *testing.T) {
	doc := Document{"name": "ada", "age": 37}
	assert.True(t, Eq("name", "ada").Matches(doc))
	assert.False(t, Eq("name", "grace").Matches(doc))
}

// Numeric equality must hold across representations, since a JSON round
// trip turns ints into float64.
func TestEqNumericNormalization(t *testing.T) {
	doc := Document{"age": float64(37)}
	assert.True(t, Eq("age", 37).Matches(doc))
	assert.True(t, Eq("age", int64(37)).Matches(doc))
	assert.False(t, Eq("age", 38).Matches(doc))
}

func TestEqNilMatchesMissingOrNull(t *testing.T) {
	withNull := Document{"deleted": nil}
	withValue := Document{"deleted": "yes"}
	missing := Document{}

	f := Eq("deleted", nil)
	assert.True(t, f.Matches(withNull))
	assert.True(t, f.Matches(missing))
	assert.False(t, f.Matches(withValue))
}

func TestDottedPathConditions(t *testing.T) {
	doc := Document{
		"meta": map[string]any{
			"version": map[string]any{"major": 2, "minor": 1},
		},
	}
	assert.True(t, Eq("meta.version.major", 2).Matches(doc))
	assert.False(t, Eq("meta.version.major", 3).Matches(doc))
	assert.False(t, Eq("meta.missing.major", 2).Matches(doc))
}

func TestInNotIn(t *testing.T) {
	doc := Document{"id": 5}

	assert.True(t, In("id", 1, 5, 9).Matches(doc))
	assert.False(t, In("id", 2, 3).Matches(doc))

	assert.False(t, NotIn("id", 1, 5, 9).Matches(doc))
	assert.True(t, NotIn("id", 2, 3).Matches(doc))

	// Documents missing the field match NotIn but never In.
	empty := Document{}
	assert.True(t, NotIn("id", 1).Matches(empty))
	assert.False(t, In("id", 1).Matches(empty))
}

func TestExists(t *testing.T) {
	doc := Document{"a": 1}
	assert.True(t, Exists("a", true).Matches(doc))
	assert.False(t, Exists("a", false).Matches(doc))
	assert.True(t, Exists("b", false).Matches(doc))
}

func TestAndIsConjunction(t *testing.T) {
	doc := Document{"a": 1, "b": 2}
	assert.True(t, And(Eq("a", 1), Eq("b", 2)).Matches(doc))
	assert.False(t, And(Eq("a", 1), Eq("b", 3)).Matches(doc))
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	assert.True(t, Filter{}.Matches(Document{"anything": true}))
	assert.True(t, Filter{}.Matches(Document{}))
}

func TestUpdateApplyDottedPath(t *testing.T) {
	doc := Document{"meta": map[string]any{"version": 1}}
	Set("meta.deleted", map[string]any{"by": "batch"}).Apply(doc)

	v, ok := GetPath(doc, "meta.deleted.by")
	require.True(t, ok)
	assert.Equal(t, "batch", v)
	// Sibling fields survive.
	v, ok = GetPath(doc, "meta.version")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestUpdateMerge(t *testing.T) {
	u := Set("a", 1).Merge(Set("b", 2)).Merge(Set("a", 3))
	doc := Document{}
	u.Apply(doc)
	assert.Equal(t, 3, doc["a"])
	assert.Equal(t, 2, doc["b"])
}

func TestValueEqualTimes(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.True(t, ValueEqual(now, now.Format(time.RFC3339Nano)))
	assert.True(t, ValueEqual(now.Format(time.RFC3339Nano), now))
	assert.False(t, ValueEqual(now, now.Add(time.Second)))
}

func TestValueEqualNested(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{1, "two"}}
	b := map[string]any{"x": float64(1), "y": []any{float64(1), "two"}}
	assert.True(t, ValueEqual(a, b))

	c := map[string]any{"x": 1, "y": []any{1, "three"}}
	assert.False(t, ValueEqual(a, c))
}
