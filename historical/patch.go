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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/histstore/docstore"
)

// PatchOptions tunes a single patch. The zero value is the common case.
type PatchOptions struct {
	// Force writes a patch entry even when the diff is empty, bumping the
	// minor version.
	Force bool

	// IgnoreFields are excluded from the diff (in addition to the storage
	// id and the internal metadata key).
	IgnoreFields []string

	// Metadata is attached to the record's updated (or created) stamp and
	// travels into subsequent delta entries.
	Metadata map[string]any
}

// PatchOne runs the patch/snapshot orchestrator for one document.
//
// # Description
//
// Looks up the currently stored record by the document's primary-key
// filter and, inside one atomic transaction, either creates the record
// (initial snapshot + live insert), writes a reverse-delta patch entry, or
// writes a checkpoint snapshot — per the checkpoint policy. A write whose
// diff is empty is a no-op unless opts.Force is set.
//
// Outputs:
//
//	*PatchOutcome - What happened; nil for a no-op.
//	error - Key-consistency errors (no write attempted) or store errors.
//
// The transaction callback is retry-safe: each attempt re-reads the stored
// record, so retried executions observe post-conflict state.
func (c *Collection) PatchOne(ctx context.Context, doc Document, opts PatchOptions) (*PatchOutcome, error) {
	ctx, span := tracer.Start(ctx, "historical.PatchOne")
	defer span.End()
	span.SetAttributes(attribute.String("collection", c.name))

	now := c.clock()

	var outcome *PatchOutcome
	err := c.store.RunInTransaction(ctx, func(ctx context.Context, tx docstore.Store) error {
		outcome = nil
		out, err := c.patchTx(ctx, tx, doc, opts, now)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	}, c.txnOpts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		patchOutcomes.WithLabelValues(c.name, "error").Inc()
		return nil, err
	}

	if outcome == nil {
		patchOutcomes.WithLabelValues(c.name, "noop").Inc()
	} else {
		patchOutcomes.WithLabelValues(c.name, string(outcome.Kind)).Inc()
		span.SetAttributes(attribute.String("outcome", string(outcome.Kind)))
	}
	return outcome, nil
}

// patchTx is the transaction callback body.
func (c *Collection) patchTx(ctx context.Context, tx docstore.Store, doc Document, opts PatchOptions, now time.Time) (*PatchOutcome, error) {
	fltr, err := c.pkFilter(doc)
	if err != nil {
		return nil, err
	}
	live := c.live(tx)

	stored, err := live.FindOne(ctx, fltr)
	if err != nil {
		return nil, fmt.Errorf("find stored record: %w", err)
	}

	_, hasHeader := c.header(stored)
	if stored == nil || len(stored) == 0 || !hasHeader {
		return c.createRecord(ctx, tx, doc, opts.Metadata, now)
	}

	ds, err := c.createDeltaSet(doc, stored, opts.IgnoreFields)
	if err != nil {
		return nil, err
	}
	if ds.Empty() && !opts.Force {
		// No-op write.
		return nil, nil
	}

	storedHeader, _ := c.header(stored)
	due, err := c.checkpointDue(ctx, tx, storedHeader.PreviousDelta)
	if err != nil {
		return nil, err
	}
	if due {
		return c.writeSnapshot(ctx, tx, doc, stored, storedHeader, opts.Metadata, now)
	}
	return c.writePatch(ctx, tx, doc, stored, storedHeader, ds, opts.Metadata, now)
}

// createRecord handles a never-seen primary key: version (0,0) -> (1,0).
func (c *Collection) createRecord(ctx context.Context, tx docstore.Store, doc Document, metadata map[string]any, now time.Time) (*PatchOutcome, error) {
	metaKey := c.cfg.InternalMetadataKey

	// Initial snapshot carries the full incoming field set at version
	// {0,0} with no previous delta and no caller metadata.
	entry := docstore.Clone(doc)
	delete(entry, docstore.IDField)
	entry[metaKey] = map[string]any{
		fieldType:      string(EntrySnapshot),
		fieldVersion:   Version{}.encode(),
		fieldTimestamp: now,
		fieldMetadata:  nil,
	}
	deltaID, err := c.deltas(tx).InsertOne(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("write initial snapshot: %w", err)
	}

	stamp := &Stamp{Timestamp: now, Metadata: metadata}
	header := Header{
		PreviousDelta: deltaID,
		Version:       Version{Major: 1},
		Created:       stamp,
		Updated:       stamp,
	}
	liveDoc := docstore.Clone(doc)
	liveDoc[metaKey] = header.encode()
	if _, err := c.live(tx).InsertOne(ctx, liveDoc); err != nil {
		return nil, fmt.Errorf("insert live record: %w", err)
	}
	return &PatchOutcome{Kind: OutcomeCreated, DeltaID: deltaID, Version: header.Version}, nil
}

// checkpointDue walks backward from the live record's previous delta
// looking for a snapshot within the checkpoint interval. A chain that ends
// (dangling reference or truncated entry) inside the interval does not
// force a checkpoint; only walking the full interval without meeting a
// snapshot does.
func (c *Collection) checkpointDue(ctx context.Context, tx docstore.Store, deltaID string) (bool, error) {
	deltas := c.deltas(tx)
	i := 1
	for ; i < c.cfg.NumDeltasBeforeSnapshot; i++ {
		doc, err := deltas.FindOne(ctx, docstore.Eq(docstore.IDField, deltaID))
		if err != nil {
			return false, fmt.Errorf("walk delta chain: %w", err)
		}
		entry, ok := decodeEntry(doc, c.cfg.InternalMetadataKey)
		if !ok {
			break
		}
		if entry.Type == EntrySnapshot {
			break
		}
		if entry.PreviousDelta == "" {
			break
		}
		deltaID = entry.PreviousDelta
	}
	return i == c.cfg.NumDeltasBeforeSnapshot, nil
}

// writeSnapshot turns a due write into a checkpoint: the incoming record's
// full field set is captured at the stored version, major bumps, minor
// resets.
func (c *Collection) writeSnapshot(ctx context.Context, tx docstore.Store, doc, stored Document, storedHeader Header, metadata map[string]any, now time.Time) (*PatchOutcome, error) {
	metaKey := c.cfg.InternalMetadataKey

	var entryMeta map[string]any
	if storedHeader.Updated != nil {
		entryMeta = storedHeader.Updated.Metadata
	}
	entry := docstore.Clone(doc)
	delete(entry, docstore.IDField)
	entry[metaKey] = map[string]any{
		fieldPreviousDelta: storedHeader.PreviousDelta,
		fieldType:          string(EntrySnapshot),
		fieldVersion:       storedHeader.Version.encode(),
		fieldTimestamp:     now,
		fieldMetadata:      anyMetadata(entryMeta),
	}
	deltaID, err := c.deltas(tx).InsertOne(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("write checkpoint snapshot: %w", err)
	}

	header := Header{
		PreviousDelta: deltaID,
		Version:       Version{Major: storedHeader.Version.Major + 1},
		Created:       c.preservedCreated(storedHeader, metadata, now),
		Updated:       &Stamp{Timestamp: now, Metadata: metadata},
	}
	if err := c.replaceLive(ctx, tx, stored, doc, header); err != nil {
		return nil, err
	}
	return &PatchOutcome{Kind: OutcomeSnapshotted, DeltaID: deltaID, Version: header.Version}, nil
}

// writePatch appends a reverse-delta patch entry and bumps the minor
// version.
func (c *Collection) writePatch(ctx context.Context, tx docstore.Store, doc, stored Document, storedHeader Header, ds DeltaSet, metadata map[string]any, now time.Time) (*PatchOutcome, error) {
	metaKey := c.cfg.InternalMetadataKey

	var entryMeta map[string]any
	if storedHeader.Updated != nil {
		entryMeta = storedHeader.Updated.Metadata
	}
	entry := Document{
		metaKey: map[string]any{
			fieldPreviousDelta: storedHeader.PreviousDelta,
			fieldType:          string(EntryPatch),
			fieldDeltas:        ds.encode(),
			fieldVersion:       storedHeader.Version.encode(),
			fieldTimestamp:     now,
			fieldMetadata:      anyMetadata(entryMeta),
		},
	}
	deltaID, err := c.deltas(tx).InsertOne(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("write patch entry: %w", err)
	}

	header := Header{
		PreviousDelta: deltaID,
		Version: Version{
			Major: storedHeader.Version.Major,
			Minor: storedHeader.Version.Minor + 1,
		},
		Created: c.preservedCreated(storedHeader, metadata, now),
		Updated: &Stamp{Timestamp: now, Metadata: metadata},
	}
	if err := c.replaceLive(ctx, tx, stored, doc, header); err != nil {
		return nil, err
	}
	return &PatchOutcome{Kind: OutcomePatched, DeltaID: deltaID, Version: header.Version}, nil
}

// preservedCreated carries the stored record's created stamp forward,
// synthesizing one only when a legacy record lacks it.
func (c *Collection) preservedCreated(storedHeader Header, metadata map[string]any, now time.Time) *Stamp {
	if storedHeader.Created != nil {
		return storedHeader.Created
	}
	return &Stamp{Timestamp: now}
}

// replaceLive swaps the live record for the incoming document with a fresh
// header, keyed by the stored record's storage id.
func (c *Collection) replaceLive(ctx context.Context, tx docstore.Store, stored, doc Document, header Header) error {
	liveDoc := docstore.Clone(doc)
	liveDoc[c.cfg.InternalMetadataKey] = header.encode()

	id, _ := stored[docstore.IDField].(string)
	if err := c.live(tx).ReplaceOne(ctx, docstore.Eq(docstore.IDField, id), liveDoc); err != nil {
		return fmt.Errorf("replace live record: %w", err)
	}
	return nil
}

// anyMetadata keeps nil metadata as an explicit null rather than an empty
// map.
func anyMetadata(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
