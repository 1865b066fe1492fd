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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/histstore/docstore"
)

// RevisionByDate reconstructs a record's state as of a point in time.
//
// # Description
//
// Walks the backward delta chain from the live record, accumulating
// reverse deltas, until it crosses the requested instant. A snapshot met
// along the way resets the accumulation (a snapshot is self-sufficient); a
// snapshot sitting exactly on the boundary becomes the base directly. The
// accumulated reverse deltas are then applied newest to oldest.
//
// Inputs:
//
//	doc - The live document (must carry the metadata header and storage id).
//	at - The point in time to reconstruct.
//
// Outputs:
//
//	Document - The reconstructed field set, internal metadata stripped;
//	    nil when the record did not exist yet at the requested time.
//	error - ErrMissingHeader or a store error.
//
// Chain anomalies (truncated chain, REMOVE of an absent field) are logged
// as warnings and degrade the walk gracefully instead of failing it.
func (c *Collection) RevisionByDate(ctx context.Context, doc Document, at time.Time) (Document, error) {
	ctx, span := tracer.Start(ctx, "historical.RevisionByDate")
	defer span.End()
	span.SetAttributes(attribute.String("collection", c.name))

	start := time.Now()
	status := "ok"
	defer func() {
		reconstructDuration.WithLabelValues(c.name, "date", status).Observe(time.Since(start).Seconds())
	}()

	hdr, ok := c.header(doc)
	if !ok {
		status = "error"
		return nil, ErrMissingHeader
	}
	// A record created after the requested instant did not exist yet.
	if hdr.Created != nil && hdr.Created.Timestamp.After(at) {
		return nil, nil
	}

	log := c.loggerWithTrace(ctx)
	live := c.live(c.store)
	deltas := c.deltas(c.store)

	// Re-read the live record fresh; fall back to the caller's copy if it
	// vanished between their read and ours.
	base := doc
	if id, ok := doc[docstore.IDField].(string); ok && id != "" {
		fresh, err := live.FindOne(ctx, docstore.Eq(docstore.IDField, id))
		if err != nil {
			status = "error"
			return nil, err
		}
		if fresh != nil {
			base = fresh
		}
	}
	base = docstore.Clone(base)
	baseHdr, ok := c.header(base)
	if !ok {
		status = "error"
		return nil, ErrMissingHeader
	}

	var (
		accum    []DeltaSet
		revision Document
		depth    int
	)
	deltaID := baseHdr.PreviousDelta

	for {
		entryDoc, err := deltas.FindOne(ctx, docstore.Eq(docstore.IDField, deltaID))
		if err != nil {
			status = "error"
			return nil, err
		}
		entry, ok := decodeEntry(entryDoc, c.cfg.InternalMetadataKey)
		if !ok || entry.Timestamp.IsZero() {
			// Chain ends here (dangling reference or malformed entry):
			// use whatever base has been accumulated.
			if entryDoc != nil || deltaID != "" {
				chainAnomalies.WithLabelValues(c.name, "truncated").Inc()
				log.Warn("delta chain truncated during reconstruction",
					"collection", c.name, "delta_id", deltaID)
			}
			break
		}
		depth++

		if entry.Timestamp.Before(at) {
			// Reconstruction boundary: this entry's write happened before
			// the requested instant, so the state it produced was current
			// then. A snapshot on the boundary is that state outright; a
			// patch on the boundary contributes no delta — only the
			// entries already accumulated (all from writes at or after
			// the instant) are undone.
			if entry.Type == EntrySnapshot {
				revision = docstore.Clone(entry.Fields)
			}
			break
		}

		switch {
		case entry.Type == EntrySnapshot:
			// A snapshot is self-sufficient; restart composition from it.
			accum = accum[:0]
			base = docstore.Clone(entry.Fields)
		case entry.Deltas != nil:
			accum = append(accum, *entry.Deltas)
		default:
			chainAnomalies.WithLabelValues(c.name, "malformed").Inc()
			log.Warn("patch entry without delta payload",
				"collection", c.name, "delta_id", entry.ID)
		}
		if entry.Type != EntrySnapshot && entry.Deltas == nil {
			break
		}

		if entry.PreviousDelta == "" {
			// Origin reached.
			break
		}
		deltaID = entry.PreviousDelta
	}

	chainDepth.WithLabelValues(c.name, "date").Observe(float64(depth))

	if revision == nil {
		revision = c.applyReverse(ctx, base, accum)
	}
	delete(revision, c.cfg.InternalMetadataKey)
	delete(revision, docstore.IDField)
	return revision, nil
}

// applyReverse applies accumulated reverse deltas, newest to oldest, to the
// chosen base. ADD and UPDATE restore stored (old) values; REMOVE drops
// fields the corresponding write introduced.
func (c *Collection) applyReverse(ctx context.Context, base Document, accum []DeltaSet) Document {
	log := c.loggerWithTrace(ctx)
	for _, ds := range accum {
		for k, v := range ds.Added {
			base[k] = v
		}
		for k, v := range ds.Updated {
			base[k] = v
		}
		for _, k := range ds.Removed {
			if _, present := base[k]; !present {
				chainAnomalies.WithLabelValues(c.name, "remove_absent").Inc()
				log.Warn("reverse delta removes a field absent from the working document; skipping",
					"collection", c.name, "field", k)
				continue
			}
			delete(base, k)
		}
	}
	return base
}
