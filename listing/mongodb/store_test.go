package mongodb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DEEJ4Y/servicehub/internal/mongotest"
	"github.com/DEEJ4Y/servicehub/listing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type jobRow struct {
	ID       primitive.ObjectID `bson:"_id"`
	Title    string             `bson:"title"`
	Status   string             `bson:"status"`
	Secret   string             `bson:"secret"`
	Distance *float64           `bson:"distance"`
}

func seedJobs(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	coll := store.Collection(listing.KindJobs)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var docs []interface{}
	for i := 0; i < 11; i++ {
		docs = append(docs, bson.M{
			"title":   fmt.Sprintf("Fix roof %02d", i),
			"status":  "SCHEDULED",
			"secret":  "internal",
			"created": base.Add(time.Duration(i) * time.Hour),
			"location": bson.M{
				"address":     "1 Main St",
				"type":        "Point",
				"coordinates": bson.A{-74.0 + float64(i)*0.01, 40.7},
			},
		})
	}
	docs = append(docs,
		bson.M{"title": "Deleted job", "status": "DELETED", "created": base,
			"location": bson.M{"address": "x", "coordinates": bson.A{-74.0, 40.7}}},
		bson.M{"title": "Price (a+b)*", "status": "COMPLETED", "created": base,
			"location": bson.M{"address": "y", "coordinates": bson.A{10.0, 10.0}}},
	)
	_, err := coll.InsertMany(ctx, docs)
	require.NoError(t, err)
}

func setup(t *testing.T) (*Store, *listing.Engine) {
	t.Helper()
	return setupWith(t, nil)
}

func setupWith(t *testing.T, collections map[listing.Kind]string) (*Store, *listing.Engine) {
	t.Helper()
	store, err := NewStore(Config{Database: mongotest.Database(t), Collections: collections})
	require.NoError(t, err)
	require.NoError(t, store.EnsureIndexes(context.Background()))
	seedJobs(t, store)

	engine, err := listing.NewEngine(listing.EngineConfig{Store: store})
	require.NoError(t, err)
	return store, engine
}

func TestNewStore_RequiresDatabase(t *testing.T) {
	_, err := NewStore(Config{})
	assert.Error(t, err)
}

func TestNewStore_Collections(t *testing.T) {
	// the driver connects lazily, so no server is needed to resolve names
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI("mongodb://127.0.0.1:1"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	db := client.Database("servicehub")

	store, err := NewStore(Config{Database: db})
	require.NoError(t, err)
	for _, kind := range listing.Kinds() {
		assert.Equal(t, kind.Collection(), store.Collection(kind).Name(), kind.String())
	}

	store, err = NewStore(Config{Database: db, Collections: map[listing.Kind]string{listing.KindJobs: "work_orders"}})
	require.NoError(t, err)
	assert.Equal(t, "work_orders", store.Collection(listing.KindJobs).Name())
	assert.Equal(t, "users", store.Collection(listing.KindUsers).Name())

	_, err = NewStore(Config{Database: db, Collections: map[listing.Kind]string{listing.KindJobs: ""}})
	assert.Error(t, err)

	_, err = NewStore(Config{Database: db, Collections: map[listing.Kind]string{listing.Kind(99): "x"}})
	assert.Error(t, err)
}

func TestStore_CollectionOverride(t *testing.T) {
	store, engine := setupWith(t, map[listing.Kind]string{listing.KindJobs: "work_orders"})
	ctx := context.Background()

	page, err := listing.Paginate[jobRow](ctx, engine, listing.KindJobs, listing.Query{Limit: 5, WantTotalCount: true})
	require.NoError(t, err)
	assert.Equal(t, int64(12), page.Total)
	assert.Len(t, page.Data, 5)

	n, err := store.db.Collection("jobs").CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_Paginate(t *testing.T) {
	_, engine := setup(t)
	ctx := context.Background()

	page, err := listing.Paginate[jobRow](ctx, engine, listing.KindJobs, listing.Query{
		PageNo:         1,
		Limit:          10,
		Status:         []string{"SCHEDULED"},
		WantTotalCount: true,
	})
	require.NoError(t, err)
	assert.Len(t, page.Data, 10)
	assert.Equal(t, 2, page.NextHit)
	assert.Equal(t, int64(11), page.Total)
	assert.Equal(t, int64(2), page.TotalPage)

	// newest first, internal fields never projected
	assert.Equal(t, "Fix roof 10", page.Data[0].Title)
	assert.Empty(t, page.Data[0].Secret)
	assert.Nil(t, page.Data[0].Distance)
}

func TestStore_DefaultExcludesDeleted(t *testing.T) {
	_, engine := setup(t)

	page, err := listing.Paginate[jobRow](context.Background(), engine, listing.KindJobs, listing.Query{
		Limit:          100,
		WantTotalCount: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), page.Total)
	for _, row := range page.Data {
		assert.NotEqual(t, listing.StatusDeleted, row.Status)
	}
}

func TestStore_SearchIsLiteral(t *testing.T) {
	_, engine := setup(t)
	ctx := context.Background()

	page, err := listing.Paginate[jobRow](ctx, engine, listing.KindJobs, listing.Query{SearchKey: "(a+b)*"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "Price (a+b)*", page.Data[0].Title)

	page, err = listing.Paginate[jobRow](ctx, engine, listing.KindJobs, listing.Query{SearchKey: ".*"})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
}

func TestStore_GeoNear(t *testing.T) {
	_, engine := setup(t)

	page, err := listing.Paginate[jobRow](context.Background(), engine, listing.KindJobs, listing.Query{
		Limit:          100,
		Geo:            &listing.GeoNear{Latitude: 40.7, Longitude: -74.0},
		WantTotalCount: true,
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 11)
	assert.Equal(t, int64(11), page.Total)

	last := -1.0
	for _, row := range page.Data {
		require.NotNil(t, row.Distance)
		assert.GreaterOrEqual(t, *row.Distance, last)
		last = *row.Distance
	}
}

func TestStore_CountEmpty(t *testing.T) {
	_, engine := setup(t)

	page, err := listing.Paginate[jobRow](context.Background(), engine, listing.KindJobs, listing.Query{
		Status:         []string{"CANCELED"},
		WantTotalCount: true,
		Collation:      true,
	})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.Zero(t, page.Total)
	assert.Zero(t, page.TotalPage)
	assert.Zero(t, page.NextHit)
}
