// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore implements docstore.Store on BadgerDB.
//
// Documents are JSON-encoded under "doc/<collection>/<id>" keys and filters
// are evaluated by prefix scan, which is adequate for the modest per-record
// chain lengths the versioning engine produces. Timestamps survive the JSON
// round-trip as RFC 3339 strings; consumers use the docstore coercion
// helpers rather than type assertions.
//
// RunInTransaction maps to a read-write badger.Txn. BadgerDB uses optimistic
// concurrency, so the callback is re-executed on badger.ErrConflict up to
// TxnOptions.MaxRetries times.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/histstore/docstore"
)

// Config holds configuration for a badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for
	// testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. If nil, that output
	// is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: persistent, synchronous writes.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: in-memory, async writes.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed document store.
type Store struct {
	db *badger.DB
}

// Open creates the store, opening (or creating) the underlying database.
// Callers must Close it when done.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Collection implements docstore.Store.
func (s *Store) Collection(name string) docstore.Collection {
	return &collection{store: s, name: name}
}

// RunInTransaction implements docstore.Store.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Store) error, opts docstore.TxnOptions) error {
	opts = docstore.NormalizeTxnOptions(opts)

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		txn := s.db.NewTransaction(true)
		tx := &txnStore{store: s, txn: txn}
		err := fn(ctx, tx)
		if err != nil {
			txn.Discard()
			return err
		}
		err = txn.Commit()
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("commit transaction: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", docstore.ErrTxnConflict, lastErr)
}

// txnStore binds collections to one badger transaction.
type txnStore struct {
	store *Store
	txn   *badger.Txn
}

func (t *txnStore) Collection(name string) docstore.Collection {
	return &collection{store: t.store, name: name, txn: t.txn}
}

func (t *txnStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Store) error, opts docstore.TxnOptions) error {
	return errors.New("badgerstore: nested transactions are not supported")
}

type collection struct {
	store *Store
	name  string
	txn   *badger.Txn // non-nil inside RunInTransaction
}

func (c *collection) Name() string { return c.name }

func (c *collection) keyPrefix() []byte {
	return []byte("doc/" + c.name + "/")
}

func (c *collection) key(id string) []byte {
	return append(c.keyPrefix(), id...)
}

// view runs fn against either the bound transaction or a fresh read
// transaction.
func (c *collection) view(fn func(txn *badger.Txn) error) error {
	if c.txn != nil {
		return fn(c.txn)
	}
	return c.store.db.View(fn)
}

// update runs fn against either the bound transaction or a fresh write
// transaction.
func (c *collection) update(fn func(txn *badger.Txn) error) error {
	if c.txn != nil {
		return fn(c.txn)
	}
	return c.store.db.Update(fn)
}

func decodeDoc(item *badger.Item) (docstore.Document, error) {
	var doc docstore.Document
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("decode document %s: %w", item.Key(), err)
	}
	return doc, nil
}

// scan walks the collection prefix, calling fn for each matching document.
// fn returns false to stop early.
func (c *collection) scan(txn *badger.Txn, filter docstore.Filter, fn func(id string, doc docstore.Document) (bool, error)) error {
	prefix := c.keyPrefix()
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
	defer it.Close()
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		doc, err := decodeDoc(item)
		if err != nil {
			return err
		}
		if !filter.Matches(doc) {
			continue
		}
		id := string(item.Key()[len(prefix):])
		cont, err := fn(id, doc)
		if err != nil || !cont {
			return err
		}
	}
	return nil
}

func (c *collection) put(txn *badger.Txn, id string, doc docstore.Document) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}
	return txn.Set(c.key(id), buf)
}

func (c *collection) FindOne(ctx context.Context, filter docstore.Filter) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var found docstore.Document
	err := c.view(func(txn *badger.Txn) error {
		return c.scan(txn, filter, func(id string, doc docstore.Document) (bool, error) {
			found = doc
			return false, nil
		})
	})
	return found, err
}

func (c *collection) Find(ctx context.Context, filter docstore.Filter) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []docstore.Document
	err := c.view(func(txn *badger.Txn) error {
		return c.scan(txn, filter, func(id string, doc docstore.Document) (bool, error) {
			out = append(out, doc)
			return true, nil
		})
	})
	return out, err
}

func (c *collection) InsertOne(ctx context.Context, doc docstore.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored := docstore.Clone(doc)
	id, _ := stored[docstore.IDField].(string)
	if id == "" {
		id = uuid.NewString()
		stored[docstore.IDField] = id
	}
	err := c.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(c.key(id)); err == nil {
			return fmt.Errorf("badgerstore: duplicate id %q in collection %q", id, c.name)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return c.put(txn, id, stored)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *collection) ReplaceOne(ctx context.Context, filter docstore.Filter, doc docstore.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.update(func(txn *badger.Txn) error {
		var matchID string
		if err := c.scan(txn, filter, func(id string, d docstore.Document) (bool, error) {
			matchID = id
			return false, nil
		}); err != nil {
			return err
		}
		if matchID == "" {
			return nil
		}
		stored := docstore.Clone(doc)
		stored[docstore.IDField] = matchID
		return c.put(txn, matchID, stored)
	})
}

func (c *collection) UpdateMany(ctx context.Context, filter docstore.Filter, update docstore.Update) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := c.update(func(txn *badger.Txn) error {
		type pending struct {
			id  string
			doc docstore.Document
		}
		var updates []pending
		if err := c.scan(txn, filter, func(id string, doc docstore.Document) (bool, error) {
			update.Apply(doc)
			updates = append(updates, pending{id: id, doc: doc})
			return true, nil
		}); err != nil {
			return err
		}
		for _, p := range updates {
			if err := c.put(txn, p.id, p.doc); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *collection) DeleteOne(ctx context.Context, filter docstore.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := c.update(func(txn *badger.Txn) error {
		var matchID string
		if err := c.scan(txn, filter, func(id string, d docstore.Document) (bool, error) {
			matchID = id
			return false, nil
		}); err != nil {
			return err
		}
		if matchID == "" {
			return nil
		}
		n = 1
		return txn.Delete(c.key(matchID))
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *collection) DeleteMany(ctx context.Context, filter docstore.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := c.update(func(txn *badger.Txn) error {
		var ids []string
		if err := c.scan(txn, filter, func(id string, d docstore.Document) (bool, error) {
			ids = append(ids, id)
			return true, nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if err := txn.Delete(c.key(id)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
