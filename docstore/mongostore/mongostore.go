// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mongostore implements docstore.Store on MongoDB.
//
// Transactions run through driver sessions with read concern "local", write
// concern "majority" (bounded by TxnOptions.MaxCommitTime) and primary read
// preference. The driver transparently re-runs the callback on transient
// transaction errors, which satisfies the retry-safety contract documented
// on docstore.Store.
//
// Document ids are strings (UUID v4) rather than ObjectIDs so that documents
// move between backends without translation.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/AleutianAI/histstore/docstore"
)

// Store is a MongoDB-backed document store bound to one database.
type Store struct {
	db *mongo.Database
}

// New wraps an existing mongo database handle. The caller owns the client
// lifecycle.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Collection implements docstore.Store.
func (s *Store) Collection(name string) docstore.Collection {
	return &collection{coll: s.db.Collection(name)}
}

// RunInTransaction implements docstore.Store.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Store) error, opts docstore.TxnOptions) error {
	opts = docstore.NormalizeTxnOptions(opts)

	session, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	wc := writeconcern.Majority()
	wc.WTimeout = opts.MaxCommitTime
	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Local()).
		SetWriteConcern(wc).
		SetReadPreference(readpref.Primary())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		// Collections resolved through s are bound to the transaction by
		// the session context the driver threads through sc.
		return nil, fn(sc, s)
	}, txnOpts)
	return err
}

type collection struct {
	coll *mongo.Collection
}

func (c *collection) Name() string { return c.coll.Name() }

func (c *collection) FindOne(ctx context.Context, filter docstore.Filter) (docstore.Document, error) {
	var doc docstore.Document
	err := c.coll.FindOne(ctx, toBSON(filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find one in %s: %w", c.coll.Name(), err)
	}
	return doc, nil
}

func (c *collection) Find(ctx context.Context, filter docstore.Filter) ([]docstore.Document, error) {
	cur, err := c.coll.Find(ctx, toBSON(filter))
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.coll.Name(), err)
	}
	var out []docstore.Document
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("drain cursor for %s: %w", c.coll.Name(), err)
	}
	return out, nil
}

func (c *collection) InsertOne(ctx context.Context, doc docstore.Document) (string, error) {
	stored := docstore.Clone(doc)
	id, _ := stored[docstore.IDField].(string)
	if id == "" {
		id = uuid.NewString()
		stored[docstore.IDField] = id
	}
	if _, err := c.coll.InsertOne(ctx, stored); err != nil {
		return "", fmt.Errorf("insert into %s: %w", c.coll.Name(), err)
	}
	return id, nil
}

func (c *collection) ReplaceOne(ctx context.Context, filter docstore.Filter, doc docstore.Document) error {
	replacement := docstore.Clone(doc)
	// Mongo rejects replacements that change _id; let the filter target it.
	delete(replacement, docstore.IDField)
	if _, err := c.coll.ReplaceOne(ctx, toBSON(filter), replacement); err != nil {
		return fmt.Errorf("replace in %s: %w", c.coll.Name(), err)
	}
	return nil
}

func (c *collection) UpdateMany(ctx context.Context, filter docstore.Filter, update docstore.Update) (int64, error) {
	sets := bson.M{}
	for path, v := range update.Sets {
		sets[path] = v
	}
	res, err := c.coll.UpdateMany(ctx, toBSON(filter), bson.M{"$set": sets})
	if err != nil {
		return 0, fmt.Errorf("update many in %s: %w", c.coll.Name(), err)
	}
	return res.ModifiedCount, nil
}

func (c *collection) DeleteOne(ctx context.Context, filter docstore.Filter) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, toBSON(filter))
	if err != nil {
		return 0, fmt.Errorf("delete one in %s: %w", c.coll.Name(), err)
	}
	return res.DeletedCount, nil
}

func (c *collection) DeleteMany(ctx context.Context, filter docstore.Filter) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, fmt.Errorf("delete many in %s: %w", c.coll.Name(), err)
	}
	return res.DeletedCount, nil
}

// toBSON translates a typed filter into the driver's query language.
func toBSON(f docstore.Filter) bson.M {
	out := bson.M{}
	for _, c := range f.Conds {
		switch c.Op {
		case docstore.OpEq:
			out[c.Field] = c.Value
		case docstore.OpIn:
			out[c.Field] = bson.M{"$in": c.Values}
		case docstore.OpNotIn:
			out[c.Field] = bson.M{"$not": bson.M{"$in": c.Values}}
		case docstore.OpExists:
			present, _ := c.Value.(bool)
			out[c.Field] = bson.M{"$exists": present}
		}
	}
	return out
}
