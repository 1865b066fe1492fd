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
	"github.com/AleutianAI/histstore/docstore/memstore"
)

// stepClock hands out a controllable, strictly advancing time source.
type stepClock struct {
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (s *stepClock) Now() time.Time { return s.now }

func (s *stepClock) Advance(d time.Duration) time.Time {
	s.now = s.now.Add(d)
	return s.now
}

// testHarness bundles a collection over a fresh memstore with a step clock.
type testHarness struct {
	store *memstore.Store
	coll  *Collection
	clock *stepClock
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()
	store := memstore.New()
	clock := newStepClock()
	all := append([]Option{WithClock(clock.Now)}, opts...)
	coll, err := New(store, "contacts", []string{"id"}, all...)
	require.NoError(t, err)
	return &testHarness{store: store, coll: coll, clock: clock}
}

func (h *testHarness) liveDoc(t *testing.T, id any) Document {
	t.Helper()
	doc, err := h.store.Collection("contacts").FindOne(context.Background(), docstore.Eq("id", id))
	require.NoError(t, err)
	return doc
}

func (h *testHarness) deltaDocs(t *testing.T) []Document {
	t.Helper()
	docs, err := h.store.Collection("contacts_deltas").Find(context.Background(), docstore.Filter{})
	require.NoError(t, err)
	return docs
}

func (h *testHarness) headerOf(t *testing.T, doc Document) Header {
	t.Helper()
	hdr, ok := h.coll.header(doc)
	require.True(t, ok)
	return hdr
}

func TestNewRequiresPrimaryKey(t *testing.T) {
	_, err := New(memstore.New(), "contacts", nil)
	assert.ErrorIs(t, err, ErrNoPrimaryKey)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, "contacts", []string{"id"})
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(memstore.New(), "contacts", []string{"id"}, WithNumDeltasBeforeSnapshot(0))
	assert.Error(t, err)

	_, err = New(memstore.New(), "contacts", []string{"id"}, WithInternalMetadataKey(""))
	assert.Error(t, err)
}

// First patch of a never-seen key: initial snapshot at {0,0}, live record
// at {1,0}.
func TestPatchOneCreatesRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	outcome, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{
		Metadata: map[string]any{"source": "import"},
	})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeCreated, outcome.Kind)
	assert.Equal(t, Version{Major: 1, Minor: 0}, outcome.Version)

	live := h.liveDoc(t, 1)
	require.NotNil(t, live)
	hdr := h.headerOf(t, live)
	assert.Equal(t, Version{Major: 1, Minor: 0}, hdr.Version)
	assert.Equal(t, outcome.DeltaID, hdr.PreviousDelta)
	require.NotNil(t, hdr.Created)
	require.NotNil(t, hdr.Updated)
	assert.Equal(t, hdr.Created.Timestamp, hdr.Updated.Timestamp)
	assert.Equal(t, "import", hdr.Created.Metadata["source"])
	assert.Nil(t, hdr.Deleted)

	deltas := h.deltaDocs(t)
	require.Len(t, deltas, 1)
	entry, ok := decodeEntry(deltas[0], DefaultInternalMetadataKey)
	require.True(t, ok)
	assert.Equal(t, EntrySnapshot, entry.Type)
	assert.Equal(t, Version{}, entry.Version)
	// The initial snapshot carries no caller metadata.
	assert.Nil(t, entry.Metadata)
	assert.Equal(t, 1, entry.Fields["id"])
	assert.Equal(t, 1, entry.Fields["a"])
}

// Idempotence: an unchanged record with force unset writes nothing.
func TestPatchOneNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	outcome, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{})
	require.NoError(t, err)
	assert.Nil(t, outcome)

	assert.Len(t, h.deltaDocs(t), 1)
	hdr := h.headerOf(t, h.liveDoc(t, 1))
	assert.Equal(t, Version{Major: 1, Minor: 0}, hdr.Version)
}

func TestPatchOneWritesReverseDelta(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	outcome, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 2, "b": 9}, PatchOptions{})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomePatched, outcome.Kind)
	assert.Equal(t, Version{Major: 1, Minor: 1}, outcome.Version)

	// The patch entry holds the reverse transformation: a back to 1, b
	// removed.
	deltas := h.deltaDocs(t)
	require.Len(t, deltas, 2)
	var patch DeltaEntry
	for _, d := range deltas {
		if e, ok := decodeEntry(d, DefaultInternalMetadataKey); ok && e.Type == EntryPatch {
			patch = e
		}
	}
	require.NotNil(t, patch.Deltas)
	assert.Equal(t, map[string]any{"a": 1}, patch.Deltas.Updated)
	assert.Equal(t, []string{"b"}, patch.Deltas.Removed)
	assert.Empty(t, patch.Deltas.Added)
	// The entry is tagged with the version before the write.
	assert.Equal(t, Version{Major: 1, Minor: 0}, patch.Version)

	live := h.liveDoc(t, 1)
	assert.Equal(t, 2, live["a"])
	assert.Equal(t, 9, live["b"])
}

func TestPatchOnePreservesCreated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{})
	require.NoError(t, err)
	created := h.headerOf(t, h.liveDoc(t, 1)).Created.Timestamp

	h.clock.Advance(time.Hour)
	_, err = h.coll.PatchOne(ctx, Document{"id": 1, "a": 2}, PatchOptions{})
	require.NoError(t, err)

	hdr := h.headerOf(t, h.liveDoc(t, 1))
	assert.Equal(t, created, hdr.Created.Timestamp)
	assert.True(t, hdr.Updated.Timestamp.After(created))
}

// Forcing a patch with no differences still writes an empty patch entry
// and bumps minor.
func TestPatchOneForce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	outcome, err := h.coll.PatchOne(ctx, Document{"id": 1, "a": 1}, PatchOptions{Force: true})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomePatched, outcome.Kind)
	assert.Equal(t, Version{Major: 1, Minor: 1}, outcome.Version)

	deltas := h.deltaDocs(t)
	require.Len(t, deltas, 2)
	var patch DeltaEntry
	for _, d := range deltas {
		if e, ok := decodeEntry(d, DefaultInternalMetadataKey); ok && e.Type == EntryPatch {
			patch = e
		}
	}
	require.NotNil(t, patch.Deltas)
	assert.True(t, patch.Deltas.Empty())
}

// Checkpoint property: after the interval fills with patches, the next
// distinct write becomes a snapshot, major bumps, minor resets.
func TestPatchOneCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithNumDeltasBeforeSnapshot(3))

	_, err := h.coll.PatchOne(ctx, Document{"id": 1, "n": 0}, PatchOptions{})
	require.NoError(t, err)

	// Two patches fit inside the interval of 3 (the initial snapshot is
	// still within reach). The third distinct write is checkpoint-due.
	var last *PatchOutcome
	for n := 1; n <= 3; n++ {
		h.clock.Advance(time.Minute)
		last, err = h.coll.PatchOne(ctx, Document{"id": 1, "n": n}, PatchOptions{})
		require.NoError(t, err)
		require.NotNil(t, last)
	}

	assert.Equal(t, OutcomeSnapshotted, last.Kind)
	assert.Equal(t, Version{Major: 2, Minor: 0}, last.Version)

	hdr := h.headerOf(t, h.liveDoc(t, 1))
	assert.Equal(t, Version{Major: 2, Minor: 0}, hdr.Version)

	// The fresh snapshot holds the record's state at that point.
	entryDoc, err := h.store.Collection("contacts_deltas").FindOne(ctx, docstore.Eq(docstore.IDField, last.DeltaID))
	require.NoError(t, err)
	entry, ok := decodeEntry(entryDoc, DefaultInternalMetadataKey)
	require.True(t, ok)
	assert.Equal(t, EntrySnapshot, entry.Type)
	assert.Equal(t, 3, entry.Fields["n"])
	// Snapshots are tagged with the version before the write, like
	// patches.
	assert.Equal(t, Version{Major: 1, Minor: 2}, entry.Version)
}

// With an interval of 1 every distinct write is a checkpoint.
func TestPatchOneEveryWriteSnapshotsAtIntervalOne(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithNumDeltasBeforeSnapshot(1))

	_, err := h.coll.PatchOne(ctx, Document{"id": 1, "n": 0}, PatchOptions{})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	outcome, err := h.coll.PatchOne(ctx, Document{"id": 1, "n": 1}, PatchOptions{})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeSnapshotted, outcome.Kind)
	assert.Equal(t, Version{Major: 2, Minor: 0}, outcome.Version)
}

func TestPatchOneMissingPrimaryKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coll.PatchOne(ctx, Document{"a": 1}, PatchOptions{})
	require.Error(t, err)

	var kerr *KeyConsistencyError
	assert.ErrorAs(t, err, &kerr)
	// Nothing was written.
	assert.Empty(t, h.deltaDocs(t))
}

// The delta chain stays linked: live -> newest entry -> ... -> origin
// snapshot with no previous reference.
func TestChainIntegrity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for n := 0; n < 4; n++ {
		h.clock.Advance(time.Minute)
		_, err := h.coll.PatchOne(ctx, Document{"id": 1, "n": n}, PatchOptions{})
		require.NoError(t, err)
	}

	hdr := h.headerOf(t, h.liveDoc(t, 1))
	seen := 0
	deltaID := hdr.PreviousDelta
	for deltaID != "" {
		entryDoc, err := h.store.Collection("contacts_deltas").FindOne(ctx, docstore.Eq(docstore.IDField, deltaID))
		require.NoError(t, err)
		require.NotNil(t, entryDoc, "chain must not dangle")
		entry, ok := decodeEntry(entryDoc, DefaultInternalMetadataKey)
		require.True(t, ok)
		seen++
		if entry.PreviousDelta == "" {
			assert.Equal(t, EntrySnapshot, entry.Type, "origin must be a snapshot")
		}
		deltaID = entry.PreviousDelta
	}
	assert.Equal(t, 4, seen)
}
