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
	"time"

	"github.com/AleutianAI/histstore/docstore"
)

// Document is a schemaless record, re-exported from docstore for callers
// that only import this package.
type Document = docstore.Document

// Version is a {major, minor} pair. Major increments at every checkpoint
// snapshot; minor increments per patch since the last checkpoint and resets
// to zero at each checkpoint.
type Version struct {
	Major int
	Minor int
}

// Stamp records when a transition happened and the caller metadata supplied
// with it.
type Stamp struct {
	Timestamp time.Time
	Metadata  map[string]any
}

// Header is the metadata block embedded in every live record under the
// internal metadata key. It is an immutable value: each orchestrator run
// constructs a fresh Header and writes it wholesale.
type Header struct {
	// PreviousDelta references the newest delta entry that reconstructs
	// the record's immediately preceding state. Empty only before the
	// first version exists.
	PreviousDelta string

	// Version is the record's current version.
	Version Version

	// Created is set once, on first patch, and never overwritten.
	Created *Stamp

	// Updated is overwritten on every successful write.
	Updated *Stamp

	// Deleted is set by the bulk coordinator's mark-deleted pass and nil
	// otherwise. It is a soft flag; the record itself stays in place.
	Deleted *Stamp
}

// DeltaSet is a field-level difference. In the backward chain it is a
// reverse delta: applied to the state after a write, it reconstructs the
// state before that write.
type DeltaSet struct {
	// Added holds fields (with values) that must be re-added to undo the
	// write that removed them.
	Added map[string]any

	// Updated holds the pre-write values of fields the write changed.
	Updated map[string]any

	// Removed names fields the write introduced; undoing removes them.
	Removed []string
}

// Empty reports whether the delta carries no changes at all.
func (d DeltaSet) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// EntryType tags the two kinds of delta entries.
type EntryType string

const (
	// EntrySnapshot is a full copy of the record's field set at a version
	// boundary.
	EntrySnapshot EntryType = "snapshot"

	// EntryPatch is a reverse field-level difference.
	EntryPatch EntryType = "patch"
)

// DeltaEntry is one immutable node of the delta chain, decoded from the
// deltas collection.
type DeltaEntry struct {
	ID            string
	Type          EntryType
	Fields        Document  // snapshot payload; nil for patches
	Deltas        *DeltaSet // patch payload; nil for snapshots
	Version       Version
	Timestamp     time.Time
	PreviousDelta string
	Metadata      map[string]any
}

// OutcomeKind tags the transition a successful patch performed.
type OutcomeKind string

const (
	// OutcomeCreated means a never-seen primary key produced an initial
	// snapshot plus the first live record.
	OutcomeCreated OutcomeKind = "created"

	// OutcomePatched means a reverse-delta patch entry was written and the
	// minor version bumped.
	OutcomePatched OutcomeKind = "patched"

	// OutcomeSnapshotted means a checkpoint snapshot was written and the
	// major version bumped.
	OutcomeSnapshotted OutcomeKind = "snapshotted"
)

// PatchOutcome describes what a successful, non-no-op patch did.
type PatchOutcome struct {
	// Kind is the transition taken.
	Kind OutcomeKind

	// DeltaID is the id of the delta entry written for this transition.
	DeltaID string

	// Version is the live record's version after the write.
	Version Version
}

// VersionInfo summarizes one reachable delta-chain entry.
type VersionInfo struct {
	Version   Version
	Type      EntryType
	Timestamp time.Time
	DeltaID   string
}

// -----------------------------------------------------------------------------
// Stored representations
//
// Headers, stamps and delta payloads are persisted as nested maps so that
// every backend (native maps, JSON, BSON) can carry them. Decoding uses the
// docstore coercion helpers because a JSON round-trip turns time.Time into
// RFC 3339 strings and ints into float64.
// -----------------------------------------------------------------------------

const (
	fieldPreviousDelta = "previous_delta"
	fieldType          = "type"
	fieldVersion       = "version"
	fieldTimestamp     = "timestamp"
	fieldMetadata      = "metadata"
	fieldCreated       = "created"
	fieldUpdated       = "updated"
	fieldDeleted       = "deleted"
	fieldDeltas        = "deltas"
	fieldMajor         = "major"
	fieldMinor         = "minor"
	fieldAdded         = "added"
	fieldUpdatedSet    = "updated"
	fieldRemoved       = "removed"
)

func (v Version) encode() map[string]any {
	return map[string]any{fieldMajor: v.Major, fieldMinor: v.Minor}
}

func decodeVersion(v any) (Version, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Version{}, false
	}
	major, ok1 := docstore.AsInt(m[fieldMajor])
	minor, ok2 := docstore.AsInt(m[fieldMinor])
	if !ok1 || !ok2 {
		return Version{}, false
	}
	return Version{Major: major, Minor: minor}, true
}

func (s *Stamp) encode() any {
	if s == nil {
		return nil
	}
	var md any
	if s.Metadata != nil {
		md = s.Metadata
	}
	return map[string]any{fieldTimestamp: s.Timestamp, fieldMetadata: md}
}

func decodeStamp(v any) *Stamp {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	ts, ok := docstore.AsTime(m[fieldTimestamp])
	if !ok {
		return nil
	}
	md, _ := m[fieldMetadata].(map[string]any)
	return &Stamp{Timestamp: ts, Metadata: md}
}

func (h Header) encode() map[string]any {
	out := map[string]any{
		fieldVersion: h.Version.encode(),
		fieldCreated: h.Created.encode(),
		fieldUpdated: h.Updated.encode(),
		fieldDeleted: h.Deleted.encode(),
	}
	if h.PreviousDelta != "" {
		out[fieldPreviousDelta] = h.PreviousDelta
	}
	return out
}

func decodeHeader(v any) (Header, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Header{}, false
	}
	ver, ok := decodeVersion(m[fieldVersion])
	if !ok {
		return Header{}, false
	}
	prev, _ := m[fieldPreviousDelta].(string)
	return Header{
		PreviousDelta: prev,
		Version:       ver,
		Created:       decodeStamp(m[fieldCreated]),
		Updated:       decodeStamp(m[fieldUpdated]),
		Deleted:       decodeStamp(m[fieldDeleted]),
	}, true
}

func (d DeltaSet) encode() map[string]any {
	added := map[string]any{}
	for k, v := range d.Added {
		added[k] = v
	}
	updated := map[string]any{}
	for k, v := range d.Updated {
		updated[k] = v
	}
	removed := make([]any, 0, len(d.Removed))
	for _, k := range d.Removed {
		removed = append(removed, k)
	}
	return map[string]any{
		fieldAdded:      added,
		fieldUpdatedSet: updated,
		fieldRemoved:    removed,
	}
}

func decodeDeltaSet(v any) *DeltaSet {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := &DeltaSet{Added: map[string]any{}, Updated: map[string]any{}}
	if a, ok := m[fieldAdded].(map[string]any); ok {
		for k, vv := range a {
			out.Added[k] = vv
		}
	}
	if u, ok := m[fieldUpdatedSet].(map[string]any); ok {
		for k, vv := range u {
			out.Updated[k] = vv
		}
	}
	switch r := m[fieldRemoved].(type) {
	case []any:
		for _, k := range r {
			if s, ok := k.(string); ok {
				out.Removed = append(out.Removed, s)
			}
		}
	case []string:
		out.Removed = append(out.Removed, r...)
	}
	return out
}

// decodeEntry interprets a deltas-collection document. The bool result is
// false when the document is nil or carries no recognizable metadata block.
func decodeEntry(doc Document, metaKey string) (DeltaEntry, bool) {
	if doc == nil {
		return DeltaEntry{}, false
	}
	meta, ok := doc[metaKey].(map[string]any)
	if !ok {
		return DeltaEntry{}, false
	}

	var e DeltaEntry
	e.ID, _ = doc[docstore.IDField].(string)
	if t, ok := meta[fieldType].(string); ok {
		e.Type = EntryType(t)
	}
	e.Version, _ = decodeVersion(meta[fieldVersion])
	e.Timestamp, _ = docstore.AsTime(meta[fieldTimestamp])
	e.PreviousDelta, _ = meta[fieldPreviousDelta].(string)
	e.Metadata, _ = meta[fieldMetadata].(map[string]any)

	if e.Type == EntrySnapshot {
		fields := docstore.Clone(doc)
		delete(fields, metaKey)
		delete(fields, docstore.IDField)
		e.Fields = fields
	} else {
		e.Deltas = decodeDeltaSet(meta[fieldDeltas])
	}
	return e, true
}
