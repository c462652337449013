package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ksmit799/Ardos-sub000/internal/core"
)

const globalsID = "GLOBALS"

// MongoBackend stores objects in an `objects` collection keyed by doid and
// doid allocation state in a single `globals` document. Field ids become
// decimal string keys; values stay opaque packed bytes.
type MongoBackend struct {
	client  *mongo.Client
	objects *mongo.Collection
	globals *mongo.Collection
	min     core.Doid
	max     core.Doid
}

type mongoObject struct {
	DoId   int64             `bson:"_id"`
	Class  string            `bson:"dclass"`
	Fields map[string][]byte `bson:"fields"`
}

type mongoGlobals struct {
	ID   string  `bson:"_id"`
	Next int64   `bson:"doid_next"`
	Free []int64 `bson:"doid_free"`
}

// NewMongoBackend connects and ensures the globals document exists.
func NewMongoBackend(ctx context.Context, uri, database string, min, max core.Doid) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	b := &MongoBackend{
		client:  client,
		objects: db.Collection("objects"),
		globals: db.Collection("globals"),
		min:     min,
		max:     max,
	}

	_, err = b.globals.UpdateOne(ctx,
		bson.M{"_id": globalsID},
		bson.M{"$setOnInsert": mongoGlobals{ID: globalsID, Next: int64(min), Free: []int64{}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo globals init: %w", err)
	}
	return b, nil
}

func fieldKey(id uint16) string { return strconv.FormatUint(uint64(id), 10) }

func packFields(fields map[uint16][]byte) map[string][]byte {
	out := make(map[string][]byte, len(fields))
	for id, v := range fields {
		out[fieldKey(id)] = v
	}
	return out
}

func unpackFields(fields map[string][]byte) (map[uint16][]byte, error) {
	out := make(map[uint16][]byte, len(fields))
	for key, v := range fields {
		id, err := strconv.ParseUint(key, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad field key %q: %w", key, err)
		}
		out[uint16(id)] = v
	}
	return out, nil
}

func (b *MongoBackend) CreateObject(ctx context.Context, doId core.Doid, class string, fields map[uint16][]byte) error {
	_, err := b.objects.ReplaceOne(ctx,
		bson.M{"_id": int64(doId)},
		mongoObject{DoId: int64(doId), Class: class, Fields: packFields(fields)},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (b *MongoBackend) GetObject(ctx context.Context, doId core.Doid) (Record, error) {
	var obj mongoObject
	err := b.objects.FindOne(ctx, bson.M{"_id": int64(doId)}).Decode(&obj)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrObjectNotFound
	}
	if err != nil {
		return Record{}, err
	}
	fields, err := unpackFields(obj.Fields)
	if err != nil {
		return Record{}, err
	}
	return Record{Class: obj.Class, Fields: fields}, nil
}

func (b *MongoBackend) SetFields(ctx context.Context, doId core.Doid, fields map[uint16][]byte) error {
	set := bson.M{}
	for id, v := range fields {
		set["fields."+fieldKey(id)] = v
	}
	res, err := b.objects.UpdateOne(ctx, bson.M{"_id": int64(doId)}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrObjectNotFound
	}
	return nil
}

func (b *MongoBackend) SetFieldsIfEquals(ctx context.Context, doId core.Doid, expected, updates map[uint16][]byte) (bool, map[uint16][]byte, error) {
	// Compare-and-set as a single filtered update; the filter encodes every
	// expectation, so a concurrent writer can never slip between check and
	// set.
	filter := bson.M{"_id": int64(doId)}
	for id, want := range expected {
		key := "fields." + fieldKey(id)
		if want == nil {
			filter[key] = bson.M{"$exists": false}
		} else {
			filter[key] = primitive.Binary{Data: want}
		}
	}
	set := bson.M{}
	for id, v := range updates {
		set["fields."+fieldKey(id)] = v
	}

	res, err := b.objects.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, nil, err
	}
	if res.MatchedCount > 0 {
		return true, nil, nil
	}

	// Mismatch or missing object; fetch current values for the response.
	rec, err := b.GetObject(ctx, doId)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil, ErrObjectNotFound
	}
	if err != nil {
		return false, nil, err
	}
	current := make(map[uint16][]byte, len(expected))
	for id := range expected {
		if v, ok := rec.Fields[id]; ok {
			current[id] = v
		}
	}
	return false, current, nil
}

func (b *MongoBackend) DeleteObject(ctx context.Context, doId core.Doid) error {
	res, err := b.objects.DeleteOne(ctx, bson.M{"_id": int64(doId)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrObjectNotFound
	}
	return nil
}

func (b *MongoBackend) AllocateDoid(ctx context.Context) (core.Doid, error) {
	// Prefer the free list.
	var g mongoGlobals
	err := b.globals.FindOneAndUpdate(ctx,
		bson.M{"_id": globalsID, "doid_free.0": bson.M{"$exists": true}},
		bson.M{"$pop": bson.M{"doid_free": -1}},
	).Decode(&g)
	if err == nil && len(g.Free) > 0 {
		return core.Doid(g.Free[0]), nil
	}
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return core.InvalidDoid, err
	}

	err = b.globals.FindOneAndUpdate(ctx,
		bson.M{"_id": globalsID, "doid_next": bson.M{"$lte": int64(b.max)}},
		bson.M{"$inc": bson.M{"doid_next": 1}},
	).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return core.InvalidDoid, ErrDoidsExhausted
	}
	if err != nil {
		return core.InvalidDoid, err
	}
	return core.Doid(g.Next), nil
}

func (b *MongoBackend) FreeDoid(ctx context.Context, doId core.Doid) error {
	_, err := b.globals.UpdateOne(ctx,
		bson.M{"_id": globalsID},
		bson.M{"$push": bson.M{"doid_free": int64(doId)}},
	)
	return err
}

func (b *MongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}
