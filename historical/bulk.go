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

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/histstore/docstore"
)

// BulkOptions tunes PatchMany. PatchOptions applies to every per-record
// patch.
type BulkOptions struct {
	PatchOptions

	// MissingMarkDeleted flags records whose primary key is absent from
	// the input batch as logically deleted (header-only update; no delta
	// entries are written).
	MissingMarkDeleted bool

	// MissingMarkDeletedFilter further restricts which absent records are
	// flagged, e.g. to one tenant's records when the batch covers one
	// tenant.
	MissingMarkDeletedFilter docstore.Filter
}

// BulkResult is what PatchMany accomplished.
type BulkResult struct {
	// Outcomes collects the non-no-op per-record outcomes, in input order.
	Outcomes []PatchOutcome

	// MarkedDeleted is how many absent records were flagged deleted.
	MarkedDeleted int64
}

// PatchMany applies PatchOne to each document in turn.
//
// # Description
//
// Each record's patch runs in its own transaction; there is no cross-record
// atomicity, and a failure aborts the loop, returning the outcomes
// collected so far alongside the error. When opts.MissingMarkDeleted is
// set, a trailing non-transactional pass flags every not-yet-deleted record
// whose primary key is absent from the batch.
func (c *Collection) PatchMany(ctx context.Context, docs []Document, opts BulkOptions) (BulkResult, error) {
	ctx, span := tracer.Start(ctx, "historical.PatchMany")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", c.name),
		attribute.Int("batch_size", len(docs)),
	)

	var result BulkResult
	for _, doc := range docs {
		outcome, err := c.PatchOne(ctx, doc, opts.PatchOptions)
		if err != nil {
			return result, err
		}
		if outcome != nil {
			result.Outcomes = append(result.Outcomes, *outcome)
		}
	}

	if opts.MissingMarkDeleted {
		n, err := c.markMissingDeleted(ctx, docs, opts.MissingMarkDeletedFilter, opts.Metadata)
		if err != nil {
			return result, err
		}
		result.MarkedDeleted = n
	}
	return result, nil
}

// markMissingDeleted sets the deleted stamp on every not-yet-deleted record
// whose primary key does not appear in the batch, intersected with the
// caller's filter. Header-only: no delta entries, no diff computation.
func (c *Collection) markMissingDeleted(ctx context.Context, docs []Document, extra docstore.Filter, metadata map[string]any) (int64, error) {
	metaKey := c.cfg.InternalMetadataKey
	live := c.live(c.store)

	var flt docstore.Filter
	for _, pk := range c.pkFields {
		values := make([]any, 0, len(docs))
		for _, doc := range docs {
			if v, ok := doc[pk]; ok {
				values = append(values, v)
			}
		}
		flt = docstore.And(flt, docstore.NotIn(pk, values...))
	}
	flt = docstore.And(flt, docstore.Null(metaKey+"."+fieldDeleted+"."+fieldTimestamp))

	missing, err := live.Find(ctx, flt)
	if err != nil {
		return 0, fmt.Errorf("find records missing from batch: %w", err)
	}
	if len(missing) == 0 {
		return 0, nil
	}
	ids := make([]any, 0, len(missing))
	for _, doc := range missing {
		if id, ok := doc[docstore.IDField].(string); ok {
			ids = append(ids, id)
		}
	}

	target := docstore.In(docstore.IDField, ids...)
	if !extra.Empty() {
		target = docstore.And(extra, target)
	}
	stamp := &Stamp{Timestamp: c.clock(), Metadata: metadata}
	n, err := live.UpdateMany(ctx, target, docstore.Set(metaKey+"."+fieldDeleted, stamp.encode()))
	if err != nil {
		return 0, fmt.Errorf("mark missing records deleted: %w", err)
	}
	markedDeleted.WithLabelValues(c.name).Add(float64(n))
	return n, nil
}

// DeleteDocAndPatches permanently erases the live record and its delta
// history by primary-key filter. This is the hard, non-recoverable path,
// distinct from the soft deleted flag set by PatchMany.
func (c *Collection) DeleteDocAndPatches(ctx context.Context, doc Document) error {
	ctx, span := tracer.Start(ctx, "historical.DeleteDocAndPatches")
	defer span.End()
	span.SetAttributes(attribute.String("collection", c.name))

	fltr, err := c.pkFilter(doc)
	if err != nil {
		return err
	}
	c.loggerWithTrace(ctx).Debug("deleting record and its delta history",
		"collection", c.name)

	n, err := c.live(c.store).DeleteOne(ctx, fltr)
	if err != nil {
		return fmt.Errorf("delete live record: %w", err)
	}
	if n == 0 {
		return nil
	}
	if _, err := c.deltas(c.store).DeleteMany(ctx, fltr); err != nil {
		return fmt.Errorf("delete delta history: %w", err)
	}
	return nil
}

// Versions lists the version, kind and timestamp of every delta-chain entry
// reachable backward from the live record, newest first. A truncated chain
// ends the listing without error.
func (c *Collection) Versions(ctx context.Context, doc Document) ([]VersionInfo, error) {
	hdr, ok := c.header(doc)
	if !ok {
		return nil, ErrMissingHeader
	}
	deltas := c.deltas(c.store)

	var out []VersionInfo
	deltaID := hdr.PreviousDelta
	for deltaID != "" {
		entryDoc, err := deltas.FindOne(ctx, docstore.Eq(docstore.IDField, deltaID))
		if err != nil {
			return nil, err
		}
		entry, ok := decodeEntry(entryDoc, c.cfg.InternalMetadataKey)
		if !ok {
			chainAnomalies.WithLabelValues(c.name, "truncated").Inc()
			c.logger.Warn("delta chain truncated while listing versions",
				"collection", c.name, "delta_id", deltaID)
			break
		}
		out = append(out, VersionInfo{
			Version:   entry.Version,
			Type:      entry.Type,
			Timestamp: entry.Timestamp,
			DeltaID:   entry.ID,
		})
		deltaID = entry.PreviousDelta
	}
	return out, nil
}
