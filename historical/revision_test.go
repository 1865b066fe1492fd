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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/histstore/docstore"
)

// seedContactHistory writes the canonical three-write history:
//
//	t1: create {id:1, a:1}
//	t2: patch  {id:1, a:2}
//	t3: patch  {id:1, a:2, b:9}
//
// and returns the write instants.
func seedContactHistory(t *testing.T, h *testHarness) (t1, t2, t3 time.Time) {
	t.Helper()
	ctx := context.Background()

	t1 = h.clock.Now()
	_, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{})
	require.NoError(t, err)

	t2 = h.clock.Advance(time.Minute)
	_, err = h.coll.PatchOne(ctx, Document{"id": 1, "a": 2}, PatchOptions{})
	require.NoError(t, err)

	t3 = h.clock.Advance(time.Minute)
	_, err = h.coll.PatchOne(ctx, Document{"id": 1, "a": 2, "b": 9}, PatchOptions{})
	require.NoError(t, err)
	return t1, t2, t3
}

func TestRevisionByDateRequiresHeader(t *testing.T) {
	h := newHarness(t)
	_, err := h.coll.RevisionByDate(context.Background(), Document{"id": 1}, time.Now())
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestRevisionByDateBeforeCreation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t1, _, _ := seedContactHistory(t, h)

	rev, err := h.coll.RevisionByDate(ctx, h.liveDoc(t, 1), t1.Add(-time.Second))
	require.NoError(t, err)
	assert.Nil(t, rev)
}

func TestRevisionByDateAfterLastWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, _, t3 := seedContactHistory(t, h)

	rev, err := h.coll.RevisionByDate(ctx, h.liveDoc(t, 1), t3.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 1, rev["id"])
	assert.Equal(t, 2, rev["a"])
	assert.Equal(t, 9, rev["b"])
	_, hasMeta := rev[DefaultInternalMetadataKey]
	assert.False(t, hasMeta, "internal metadata must be stripped")
	_, hasID := rev[docstore.IDField]
	assert.False(t, hasID, "storage id travels with the live copy, not revisions")
}

func TestRevisionByDateBetweenWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, t2, _ := seedContactHistory(t, h)

	// Between the second and third write the record was {id:1, a:2}.
	rev, err := h.coll.RevisionByDate(ctx, h.liveDoc(t, 1), t2.Add(30*time.Second))
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 2, rev["a"])
	_, hasB := rev["b"]
	assert.False(t, hasB)
}

func TestRevisionByDateAtOriginSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t1, _, _ := seedContactHistory(t, h)

	// Just after creation the record was its initial state.
	rev, err := h.coll.RevisionByDate(ctx, h.liveDoc(t, 1), t1.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 1, rev["a"])
	_, hasB := rev["b"]
	assert.False(t, hasB)
}

// A checkpoint snapshot met on the walk resets the accumulated deltas; one
// sitting on the boundary becomes the result outright.
func TestRevisionByDateSnapshotBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithNumDeltasBeforeSnapshot(2))

	// n=0 create, n=1 patch, n=2 checkpoint snapshot, n=3 patch.
	stamps := make([]time.Time, 0, 4)
	for n := 0; n < 4; n++ {
		if n > 0 {
			h.clock.Advance(time.Minute)
		}
		stamps = append(stamps, h.clock.Now())
		_, err := h.coll.PatchOne(ctx, Document{"id": 1, "n": n}, PatchOptions{})
		require.NoError(t, err)
	}
	hdr := h.headerOf(t, h.liveDoc(t, 1))
	require.Equal(t, Version{Major: 2, Minor: 1}, hdr.Version, "history must contain a checkpoint")

	// Between the checkpoint and the last patch: the checkpoint snapshot is
	// the boundary and its fields are the answer.
	rev, err := h.coll.RevisionByDate(ctx, h.liveDoc(t, 1), stamps[2].Add(30*time.Second))
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 2, rev["n"])

	// Between creation and the first patch: the walk crosses the checkpoint
	// (resetting accumulation) and lands on the origin snapshot.
	rev, err = h.coll.RevisionByDate(ctx, h.liveDoc(t, 1), stamps[0].Add(30*time.Second))
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 0, rev["n"])
}

// A chain whose middle entry vanished still yields a best-effort revision
// rather than an error.
func TestRevisionByDateTruncatedChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t1, _, _ := seedContactHistory(t, h)

	// Drop the oldest patch entry out from under the chain.
	hdr := h.headerOf(t, h.liveDoc(t, 1))
	newest, err := h.store.Collection("contacts_deltas").FindOne(ctx, docstore.Eq(docstore.IDField, hdr.PreviousDelta))
	require.NoError(t, err)
	entry, ok := decodeEntry(newest, DefaultInternalMetadataKey)
	require.True(t, ok)
	n, err := h.store.Collection("contacts_deltas").DeleteOne(ctx, docstore.Eq(docstore.IDField, entry.PreviousDelta))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	rev, err := h.coll.RevisionByDate(ctx, h.liveDoc(t, 1), t1.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, rev)
	// Only the newest reverse delta could be applied.
	assert.Equal(t, 2, rev["a"])
	_, hasB := rev["b"]
	assert.False(t, hasB)
}

func TestRevisionByVersionUnknown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedContactHistory(t, h)

	rev, err := h.coll.RevisionByVersion(ctx, 9, 9)
	require.NoError(t, err)
	assert.Nil(t, rev)
}

func TestRevisionByVersionInitialSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedContactHistory(t, h)

	rev, err := h.coll.RevisionByVersion(ctx, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 1, rev["a"])

	meta, ok := rev[DefaultInternalMetadataKey].(map[string]any)
	require.True(t, ok)
	ver, ok := decodeVersion(meta[fieldVersion])
	require.True(t, ok)
	assert.Equal(t, Version{}, ver)
}

// Forward reconstruction from the live record back to an intermediate
// version.
func TestRevisionByVersionIntermediate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedContactHistory(t, h)

	// Version {1,0} was {id:1, a:1}.
	rev, err := h.coll.RevisionByVersion(ctx, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 1, rev["a"])
	_, hasB := rev["b"]
	assert.False(t, hasB)

	meta, ok := rev[DefaultInternalMetadataKey].(map[string]any)
	require.True(t, ok)
	ver, ok := decodeVersion(meta[fieldVersion])
	require.True(t, ok)
	assert.Equal(t, Version{Major: 1, Minor: 0}, ver)

	// Version {1,1} was {id:1, a:2}.
	rev, err = h.coll.RevisionByVersion(ctx, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 2, rev["a"])
	_, hasB = rev["b"]
	assert.False(t, hasB)
}

// Versions past a checkpoint resolve against the checkpoint snapshot, not
// the live record.
func TestRevisionByVersionBehindSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithNumDeltasBeforeSnapshot(2))

	// n=0 create, n=1 patch, n=2 checkpoint, n=3 patch.
	for n := 0; n < 4; n++ {
		h.clock.Advance(time.Minute)
		_, err := h.coll.PatchOne(ctx, Document{"id": 1, "n": n}, PatchOptions{})
		require.NoError(t, err)
	}

	// Version {1,0}: the forward walk stops at the checkpoint snapshot and
	// unwinds the {1,0} patch entry from it.
	rev, err := h.coll.RevisionByVersion(ctx, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, 0, rev["n"])
}

func TestRevisionByVersionCarriesMetadata(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{
		Metadata: map[string]any{"actor": "sync"},
	})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.coll.PatchOne(ctx, Document{"id": 1, "a": 2}, PatchOptions{
		Metadata: map[string]any{"actor": "manual"},
	})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.coll.PatchOne(ctx, Document{"id": 1, "a": 3}, PatchOptions{})
	require.NoError(t, err)

	// Each entry carries the metadata the record held before its write, so
	// the {1,1} entry holds the second patch's metadata and the {1,0} entry
	// the first's.
	rev, err := h.coll.RevisionByVersion(ctx, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, rev)
	meta, ok := rev[DefaultInternalMetadataKey].(map[string]any)
	require.True(t, ok)
	md, ok := meta[fieldMetadata].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "manual", md["actor"])

	rev, err = h.coll.RevisionByVersion(ctx, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, rev)
	meta, ok = rev[DefaultInternalMetadataKey].(map[string]any)
	require.True(t, ok)
	md, ok = meta[fieldMetadata].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sync", md["actor"])
}
