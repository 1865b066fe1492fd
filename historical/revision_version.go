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

// RevisionByVersion reconstructs the state of a record as of an explicit
// {major, minor} version.
//
// # Description
//
// Locates the delta entry tagged with exactly that version. A snapshot
// entry is returned directly. For a patch entry the walk proceeds forward
// (inverse of previous_delta) to the nearest newer snapshot — or, absent
// one, the live record — and the collected patches' stored field values are
// applied from the snapshot back toward the target version. The stored
// values are applied as written; this path deliberately does not re-derive
// reverse deltas, and the two walkers' delta directions must not be
// unified.
//
// Outputs:
//
//	Document - The reconstructed fields; the internal metadata key carries
//	    only the target's version and caller metadata. Nil when no entry
//	    holds that version or no forward path reaches a base.
//	error - A store error.
func (c *Collection) RevisionByVersion(ctx context.Context, major, minor int) (Document, error) {
	ctx, span := tracer.Start(ctx, "historical.RevisionByVersion")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", c.name),
		attribute.Int("version.major", major),
		attribute.Int("version.minor", minor),
	)

	start := time.Now()
	status := "ok"
	defer func() {
		reconstructDuration.WithLabelValues(c.name, "version", status).Observe(time.Since(start).Seconds())
	}()

	metaKey := c.cfg.InternalMetadataKey
	deltas := c.deltas(c.store)

	startDoc, err := deltas.FindOne(ctx, docstore.And(
		docstore.Eq(metaKey+"."+fieldVersion+"."+fieldMajor, major),
		docstore.Eq(metaKey+"."+fieldVersion+"."+fieldMinor, minor),
	))
	if err != nil {
		status = "error"
		return nil, err
	}
	target, ok := decodeEntry(startDoc, metaKey)
	if !ok {
		return nil, nil
	}

	if target.Type == EntrySnapshot {
		out := docstore.Clone(target.Fields)
		out[metaKey] = map[string]any{
			fieldVersion:  target.Version.encode(),
			fieldMetadata: anyMetadata(target.Metadata),
		}
		return out, nil
	}

	// Collect patch entries forward from the target until the next newer
	// snapshot.
	chain := []DeltaEntry{target}
	cursor := target.ID
	var base Document
	for {
		revDoc, err := deltas.FindOne(ctx, docstore.Eq(metaKey+"."+fieldPreviousDelta, cursor))
		if err != nil {
			status = "error"
			return nil, err
		}
		entry, ok := decodeEntry(revDoc, metaKey)
		if !ok {
			break
		}
		if entry.Type == EntrySnapshot {
			base = docstore.Clone(entry.Fields)
			break
		}
		chain = append(chain, entry)
		cursor = entry.ID
	}

	if base == nil {
		// No newer snapshot: the live record is the forward base.
		liveDoc, err := c.live(c.store).FindOne(ctx, docstore.Eq(metaKey+"."+fieldPreviousDelta, chain[len(chain)-1].ID))
		if err != nil {
			status = "error"
			return nil, err
		}
		if liveDoc == nil {
			chainAnomalies.WithLabelValues(c.name, "unreachable_version").Inc()
			c.loggerWithTrace(ctx).Warn("no forward base reachable for version",
				"collection", c.name, "major", major, "minor", minor)
			return nil, nil
		}
		base = docstore.Clone(liveDoc)
		delete(base, metaKey)
		delete(base, docstore.IDField)
	}

	chainDepth.WithLabelValues(c.name, "version").Observe(float64(len(chain)))

	// Apply the collected patches' stored field values from the snapshot
	// outward to the target; the target's own entry lands last, so its
	// version and caller metadata end up on the result.
	log := c.loggerWithTrace(ctx)
	var version Version
	var metadata map[string]any
	for i := len(chain) - 1; i >= 0; i-- {
		entry := chain[i]
		if entry.Deltas != nil {
			for k, v := range entry.Deltas.Added {
				base[k] = v
			}
			for k, v := range entry.Deltas.Updated {
				base[k] = v
			}
			for _, k := range entry.Deltas.Removed {
				if _, present := base[k]; !present {
					chainAnomalies.WithLabelValues(c.name, "remove_absent").Inc()
					log.Warn("delta removes a field absent from the working document; skipping",
						"collection", c.name, "field", k)
					continue
				}
				delete(base, k)
			}
		}
		version = entry.Version
		metadata = entry.Metadata
	}

	base[metaKey] = map[string]any{
		fieldVersion:  version.encode(),
		fieldMetadata: anyMetadata(metadata),
	}
	return base, nil
}
