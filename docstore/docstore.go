// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docstore defines the document-store adapter consumed by the
// versioning engine.
//
// A Store exposes named collections of schemaless documents plus an atomic
// multi-operation transaction primitive. Three backends implement it:
//
//	memstore    - in-memory, for tests and embedding
//	badgerstore - BadgerDB-backed embedded persistence
//	mongostore  - MongoDB sessions with majority-durable commits
//
// The engine never touches a backend directly; everything goes through the
// Store and Collection interfaces so that backends remain swappable.
package docstore

import (
	"context"
	"errors"
	"time"
)

// IDField is the storage identity field present on every persisted document.
// Backends assign it on insert when the caller did not.
const IDField = "_id"

// Document is a schemaless record. Values are restricted to what survives a
// JSON round-trip: strings, bools, numbers, time.Time, nested maps, slices
// and nil.
type Document = map[string]any

// Sentinel errors shared by all backends.
var (
	// ErrTxnConflict indicates a transaction lost a race with a concurrent
	// writer and was not retried successfully.
	ErrTxnConflict = errors.New("transaction conflict")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// Collection is one named set of documents.
//
// # Description
//
// All methods take a context and are safe for concurrent use. Inside a
// RunInTransaction callback the Collection handles obtained from the
// transactional Store are bound to that transaction.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// FindOne returns the first document matching the filter, or (nil, nil)
	// when no document matches.
	FindOne(ctx context.Context, filter Filter) (Document, error)

	// Find returns all documents matching the filter.
	Find(ctx context.Context, filter Filter) ([]Document, error)

	// InsertOne stores a new document and returns its id. When the document
	// carries no id field, one is generated.
	InsertOne(ctx context.Context, doc Document) (string, error)

	// ReplaceOne replaces the first document matching the filter. It is a
	// no-op when nothing matches.
	ReplaceOne(ctx context.Context, filter Filter, doc Document) error

	// UpdateMany applies the update to every matching document and returns
	// the number of documents modified.
	UpdateMany(ctx context.Context, filter Filter, update Update) (int64, error)

	// DeleteOne removes the first matching document and returns the number
	// removed (0 or 1).
	DeleteOne(ctx context.Context, filter Filter) (int64, error)

	// DeleteMany removes every matching document and returns the number
	// removed.
	DeleteMany(ctx context.Context, filter Filter) (int64, error)
}

// Store provides named collections and transactions.
type Store interface {
	// Collection returns a handle for the named collection, creating it
	// lazily on first write.
	Collection(name string) Collection

	// RunInTransaction executes fn atomically: either every write performed
	// through tx commits, or none do. The callback must be retry-safe; the
	// backend may re-execute it after a conflict, and each attempt must
	// re-read whatever state it depends on through tx.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error, opts TxnOptions) error
}

// TxnOptions tunes transaction execution. The zero value uses backend
// defaults.
type TxnOptions struct {
	// MaxCommitTime bounds how long a commit may wait for durable
	// acknowledgment. Backends without a durability wait ignore it.
	// Default: 1 second.
	MaxCommitTime time.Duration

	// MaxRetries is how many times the callback is re-run after a conflict
	// before ErrTxnConflict surfaces. Backends whose driver retries
	// internally ignore it. Default: 3.
	MaxRetries int
}

// DefaultTxnOptions returns the options used when the caller passes a zero
// value.
func DefaultTxnOptions() TxnOptions {
	return TxnOptions{
		MaxCommitTime: time.Second,
		MaxRetries:    3,
	}
}

// withDefaults fills unset fields from DefaultTxnOptions.
func (o TxnOptions) withDefaults() TxnOptions {
	d := DefaultTxnOptions()
	if o.MaxCommitTime <= 0 {
		o.MaxCommitTime = d.MaxCommitTime
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	return o
}

// NormalizeTxnOptions is the exported form of withDefaults for backend
// packages.
func NormalizeTxnOptions(o TxnOptions) TxnOptions {
	return o.withDefaults()
}
