// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package historical is a temporal-versioning layer in front of a mutable
// document store.
//
// Every write to a logical record is captured as a reverse delta or,
// periodically, a full checkpoint snapshot, in a paired "<name>_deltas"
// collection. Past states can then be reconstructed "as of a timestamp"
// (RevisionByDate) or "as of a {major, minor} version" (RevisionByVersion).
//
// # Model
//
// The live record carries a metadata header under a configurable internal
// key: the reference to the newest delta entry, the current version, and
// created/updated/deleted stamps. Delta entries form a backward singly
// linked chain; a snapshot is taken at least once every
// NumDeltasBeforeSnapshot consecutive patches, bounding reconstruction cost.
//
// # Concurrency
//
// Writes run inside store transactions; the callback re-reads the latest
// record on every attempt, so backend-level retries observe post-conflict
// state. Read paths take no locks and are safe alongside writers under the
// store's read concern.
package historical

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/histstore/docstore"
)

// Defaults for collection configuration.
const (
	// DefaultNumDeltasBeforeSnapshot is the checkpoint interval: the number
	// of consecutive patches tolerated before a write is turned into a
	// snapshot.
	DefaultNumDeltasBeforeSnapshot = 5

	// DefaultInternalMetadataKey is the document field the header and delta
	// payloads live under.
	DefaultInternalMetadataKey = "__HISTORICAL_COLLECTION_INTERNAL_METADATA"
)

var tracer = otel.Tracer("histstore.historical")

// configValidate validates collection configuration at construction.
var configValidate = validator.New()

// Config tunes a Collection. The zero value is replaced by defaults in New;
// use Options to override individual fields.
type Config struct {
	// NumDeltasBeforeSnapshot is the checkpoint interval. A value of 1
	// makes every write a snapshot.
	NumDeltasBeforeSnapshot int `validate:"gte=1"`

	// InternalMetadataKey is the field name the metadata header is stored
	// under, in both the live and the deltas collection.
	InternalMetadataKey string `validate:"required"`
}

// Option overrides one aspect of a Collection at construction.
type Option func(*Collection)

// WithNumDeltasBeforeSnapshot sets the checkpoint interval. Higher values
// mean fewer snapshots and longer reconstruction walks.
func WithNumDeltasBeforeSnapshot(n int) Option {
	return func(c *Collection) { c.cfg.NumDeltasBeforeSnapshot = n }
}

// WithInternalMetadataKey overrides the internal metadata field name.
func WithInternalMetadataKey(key string) Option {
	return func(c *Collection) { c.cfg.InternalMetadataKey = key }
}

// WithLogger injects the logger used for chain anomalies and debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collection) { c.logger = logger }
}

// WithClock overrides the time source. Tests use this to place writes at
// known instants.
func WithClock(clock func() time.Time) Option {
	return func(c *Collection) { c.clock = clock }
}

// WithTxnOptions overrides the transaction options used for writes.
func WithTxnOptions(opts docstore.TxnOptions) Option {
	return func(c *Collection) { c.txnOpts = opts }
}

// Collection is a record-type handler: it binds one live collection, its
// paired deltas collection and the declared primary-key fields to a
// document store.
//
// # Thread Safety
//
// Collection is immutable after New and safe for concurrent use.
type Collection struct {
	store    docstore.Store
	name     string
	pkFields []string
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
	txnOpts  docstore.TxnOptions
}

// New constructs a record-type handler for the named collection.
//
// # Description
//
// pkFields declares the record type's primary key and must be non-empty;
// its absence is a configuration error, not a runtime one. The paired
// deltas collection is named "<name>_deltas".
//
// Inputs:
//
//	store - Document store adapter. Must not be nil.
//	name - Live collection name. Must not be empty.
//	pkFields - Ordered primary-key field names. Must not be empty.
//	opts - Optional overrides.
//
// Outputs:
//
//	*Collection - The handler.
//	error - ErrNilStore, ErrNoPrimaryKey, or config validation failure.
func New(store docstore.Store, name string, pkFields []string, opts ...Option) (*Collection, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if name == "" {
		return nil, fmt.Errorf("collection name must not be empty")
	}
	if len(pkFields) == 0 {
		return nil, ErrNoPrimaryKey
	}

	c := &Collection{
		store:    store,
		name:     name,
		pkFields: append([]string(nil), pkFields...),
		cfg: Config{
			NumDeltasBeforeSnapshot: DefaultNumDeltasBeforeSnapshot,
			InternalMetadataKey:     DefaultInternalMetadataKey,
		},
		logger:  slog.Default(),
		clock:   func() time.Time { return time.Now().UTC() },
		txnOpts: docstore.DefaultTxnOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := configValidate.Struct(c.cfg); err != nil {
		return nil, fmt.Errorf("invalid collection config: %w", err)
	}
	return c, nil
}

// Name returns the live collection name.
func (c *Collection) Name() string { return c.name }

// DeltasName returns the paired deltas collection name.
func (c *Collection) DeltasName() string { return c.name + "_deltas" }

// MetadataKey returns the internal metadata field name in use.
func (c *Collection) MetadataKey() string { return c.cfg.InternalMetadataKey }

// PrimaryKeyFields returns a copy of the declared primary-key field names.
func (c *Collection) PrimaryKeyFields() []string {
	return append([]string(nil), c.pkFields...)
}

// live resolves the live collection against a store (the base store or a
// transaction-bound one).
func (c *Collection) live(s docstore.Store) docstore.Collection {
	return s.Collection(c.name)
}

// deltas resolves the deltas collection against a store.
func (c *Collection) deltas(s docstore.Store) docstore.Collection {
	return s.Collection(c.DeltasName())
}

// pkFilter builds the primary-key filter for a document. Every declared
// primary-key field must be present.
func (c *Collection) pkFilter(doc Document) (docstore.Filter, error) {
	var missing []string
	var f docstore.Filter
	for _, pk := range c.pkFields {
		v, ok := doc[pk]
		if !ok {
			missing = append(missing, pk)
			continue
		}
		f = docstore.And(f, docstore.Eq(pk, v))
	}
	if len(missing) > 0 {
		return docstore.Filter{}, &KeyConsistencyError{Missing: missing}
	}
	return f, nil
}

// header decodes the metadata header from a live document.
func (c *Collection) header(doc Document) (Header, bool) {
	return decodeHeader(doc[c.cfg.InternalMetadataKey])
}

// loggerWithTrace returns the collection logger with trace context attached
// when a span is recording.
func (c *Collection) loggerWithTrace(ctx context.Context) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return c.logger
	}
	return c.logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
