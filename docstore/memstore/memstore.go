// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memstore provides an in-memory docstore.Store.
//
// It exists for tests and for embedding the versioning engine without any
// external database. A single store mutex serializes transactions, so the
// all-or-nothing contract is met by deep-copying the state up front and
// restoring it if the callback fails. Insertion order is preserved so that
// Find results are deterministic.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/histstore/docstore"
)

// Store is an in-memory document store. The zero value is not usable; use
// New.
type Store struct {
	mu    sync.RWMutex
	colls map[string]*collData
}

// collData holds one collection's documents in insertion order.
type collData struct {
	docs  map[string]docstore.Document
	order []string
}

func (c *collData) clone() *collData {
	out := &collData{
		docs:  make(map[string]docstore.Document, len(c.docs)),
		order: append([]string(nil), c.order...),
	}
	for id, d := range c.docs {
		out.docs[id] = docstore.Clone(d)
	}
	return out
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{colls: make(map[string]*collData)}
}

// Collection implements docstore.Store.
func (s *Store) Collection(name string) docstore.Collection {
	return &collection{store: s, name: name}
}

// RunInTransaction implements docstore.Store.
//
// The whole store is locked for the duration of the callback, so retries
// never happen here; a failed callback restores the pre-transaction state
// and its error is returned unchanged.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Store) error, opts docstore.TxnOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := make(map[string]*collData, len(s.colls))
	for name, c := range s.colls {
		backup[name] = c.clone()
	}

	tx := &txnStore{store: s}
	if err := fn(ctx, tx); err != nil {
		s.colls = backup
		return err
	}
	return nil
}

// txnStore hands out collections that skip the store lock; the transaction
// already holds it.
type txnStore struct {
	store *Store
}

func (t *txnStore) Collection(name string) docstore.Collection {
	return &collection{store: t.store, name: name, inTxn: true}
}

func (t *txnStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Store) error, opts docstore.TxnOptions) error {
	return fmt.Errorf("memstore: nested transactions are not supported")
}

type collection struct {
	store *Store
	name  string
	inTxn bool
}

func (c *collection) Name() string { return c.name }

func (c *collection) data(create bool) *collData {
	d, ok := c.store.colls[c.name]
	if !ok && create {
		d = &collData{docs: make(map[string]docstore.Document)}
		c.store.colls[c.name] = d
	}
	return d
}

func (c *collection) lock() func() {
	if c.inTxn {
		return func() {}
	}
	c.store.mu.Lock()
	return c.store.mu.Unlock
}

func (c *collection) rlock() func() {
	if c.inTxn {
		return func() {}
	}
	c.store.mu.RLock()
	return c.store.mu.RUnlock
}

func (c *collection) FindOne(ctx context.Context, filter docstore.Filter) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer c.rlock()()
	d := c.data(false)
	if d == nil {
		return nil, nil
	}
	for _, id := range d.order {
		if doc := d.docs[id]; filter.Matches(doc) {
			return docstore.Clone(doc), nil
		}
	}
	return nil, nil
}

func (c *collection) Find(ctx context.Context, filter docstore.Filter) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer c.rlock()()
	d := c.data(false)
	if d == nil {
		return nil, nil
	}
	var out []docstore.Document
	for _, id := range d.order {
		if doc := d.docs[id]; filter.Matches(doc) {
			out = append(out, docstore.Clone(doc))
		}
	}
	return out, nil
}

func (c *collection) InsertOne(ctx context.Context, doc docstore.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	defer c.lock()()
	d := c.data(true)

	stored := docstore.Clone(doc)
	id, _ := stored[docstore.IDField].(string)
	if id == "" {
		id = uuid.NewString()
		stored[docstore.IDField] = id
	}
	if _, exists := d.docs[id]; exists {
		return "", fmt.Errorf("memstore: duplicate id %q in collection %q", id, c.name)
	}
	d.docs[id] = stored
	d.order = append(d.order, id)
	return id, nil
}

func (c *collection) ReplaceOne(ctx context.Context, filter docstore.Filter, doc docstore.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer c.lock()()
	d := c.data(false)
	if d == nil {
		return nil
	}
	for _, id := range d.order {
		if filter.Matches(d.docs[id]) {
			stored := docstore.Clone(doc)
			stored[docstore.IDField] = id
			d.docs[id] = stored
			return nil
		}
	}
	return nil
}

func (c *collection) UpdateMany(ctx context.Context, filter docstore.Filter, update docstore.Update) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer c.lock()()
	d := c.data(false)
	if d == nil {
		return 0, nil
	}
	var n int64
	for _, id := range d.order {
		if doc := d.docs[id]; filter.Matches(doc) {
			update.Apply(doc)
			n++
		}
	}
	return n, nil
}

func (c *collection) DeleteOne(ctx context.Context, filter docstore.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer c.lock()()
	d := c.data(false)
	if d == nil {
		return 0, nil
	}
	for i, id := range d.order {
		if filter.Matches(d.docs[id]) {
			delete(d.docs, id)
			d.order = append(d.order[:i], d.order[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *collection) DeleteMany(ctx context.Context, filter docstore.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer c.lock()()
	d := c.data(false)
	if d == nil {
		return 0, nil
	}
	var n int64
	kept := d.order[:0]
	for _, id := range d.order {
		if filter.Matches(d.docs[id]) {
			delete(d.docs, id)
			n++
		} else {
			kept = append(kept, id)
		}
	}
	d.order = kept
	return n, nil
}
