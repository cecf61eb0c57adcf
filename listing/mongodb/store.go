// Package mongodb runs listing pipelines against MongoDB.
package mongodb

import (
	"context"

	"github.com/DEEJ4Y/servicehub/listing"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config holds the configuration for a Store.
type Config struct {
	// Database is required.
	Database *mongo.Database

	// Collections overrides the collection a kind reads from.
	// Default: Kind.Collection
	Collections map[listing.Kind]string
}

// Store implements listing.Store on a MongoDB database.
type Store struct {
	db          *mongo.Database
	collections map[listing.Kind]string
}

// NewStore creates a Store.
func NewStore(config Config) (*Store, error) {
	if config.Database == nil {
		return nil, errors.New("database is required")
	}

	collections := make(map[listing.Kind]string, len(listing.Kinds()))
	for _, kind := range listing.Kinds() {
		collections[kind] = kind.Collection()
	}
	for kind, name := range config.Collections {
		if _, ok := collections[kind]; !ok {
			return nil, errors.Newf("collection override %q for unknown kind %d", name, int(kind))
		}
		if name == "" {
			return nil, errors.Newf("empty collection name for %s", kind)
		}
		collections[kind] = name
	}
	return &Store{db: config.Database, collections: collections}, nil
}

// Collection returns the collection kind reads from.
func (s *Store) Collection(kind listing.Kind) *mongo.Collection {
	name, ok := s.collections[kind]
	if !ok {
		name = kind.Collection()
	}
	return s.db.Collection(name)
}

// Aggregate runs the data pass. Aggregations may spill to disk.
func (s *Store) Aggregate(ctx context.Context, kind listing.Kind, pipeline mongo.Pipeline, opts listing.AggregateOptions) ([]bson.Raw, error) {
	aggOpts := options.Aggregate().SetAllowDiskUse(true)
	if opts.Collation {
		aggOpts.SetCollation(&options.Collation{Locale: "en"})
	}

	cursor, err := s.Collection(kind).Aggregate(ctx, pipeline, aggOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate %s", kind)
	}
	defer cursor.Close(ctx)

	var rows []bson.Raw
	for cursor.Next(ctx) {
		row := make(bson.Raw, len(cursor.Current))
		copy(row, cursor.Current)
		rows = append(rows, row)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s rows", kind)
	}
	return rows, nil
}

// Count runs the count pass.
func (s *Store) Count(ctx context.Context, kind listing.Kind, pipeline mongo.Pipeline) (int64, error) {
	cursor, err := s.Collection(kind).Aggregate(ctx, pipeline, options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", kind)
	}
	defer cursor.Close(ctx)

	var result struct {
		Total int64 `bson:"total"`
	}
	if !cursor.Next(ctx) {
		return 0, errors.Wrapf(cursor.Err(), "count %s", kind)
	}
	if err := cursor.Decode(&result); err != nil {
		return 0, errors.Wrapf(err, "decode %s count", kind)
	}
	return result.Total, nil
}

// EnsureIndexes creates the 2dsphere index every geo-enabled kind needs.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, kind := range listing.Kinds() {
		if !kind.SupportsGeo() {
			continue
		}
		_, err := s.Collection(kind).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: kind.GeoKey(), Value: "2dsphere"}},
		})
		if err != nil {
			return errors.Wrapf(err, "create %s geo index", kind)
		}
	}
	return nil
}
