package listing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AggregateOptions tune a single data pass.
type AggregateOptions struct {
	Collation bool
}

// Store runs aggregation pipelines against the collection of a kind.
type Store interface {
	// Aggregate returns the documents produced by pipeline.
	Aggregate(ctx context.Context, kind Kind, pipeline mongo.Pipeline, opts AggregateOptions) ([]bson.Raw, error)

	// Count runs a pipeline ending in {$count: "total"} and returns the
	// total, or 0 when the pipeline produced no document.
	Count(ctx context.Context, kind Kind, pipeline mongo.Pipeline) (int64, error)
}

// Observer is told how long each listing took.
type Observer interface {
	ObserveListing(kind string, took time.Duration, err error)
}

// EngineConfig holds the configuration for an Engine.
type EngineConfig struct {
	// Store is required.
	Store Store

	// Observer is optional.
	Observer Observer

	// Logger is optional. Default: no-op.
	Logger *zap.Logger
}

// Engine executes listings.
type Engine struct {
	store    Store
	observer Observer
	log      *zap.Logger
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: config.Store, observer: config.Observer, log: log}, nil
}

// Execute builds and runs q for kind and returns the page as raw documents.
// The data and count passes run concurrently and may observe different
// points in time. Any storage error aborts the call and is returned as-is.
func (e *Engine) Execute(ctx context.Context, kind Kind, q Query) (*Page[bson.Raw], error) {
	if _, ok := kinds[kind]; !ok {
		return nil, errors.Wrapf(ErrInvalidParam, "unknown listing kind %d", int(kind))
	}

	started := time.Now()
	page, err := e.execute(ctx, kind, q)
	if e.observer != nil {
		e.observer.ObserveListing(kind.String(), time.Since(started), err)
	}
	if err != nil {
		e.log.Debug("listing failed", zap.Stringer("kind", kind), zap.Error(err))
		return nil, err
	}
	return page, nil
}

func (e *Engine) execute(ctx context.Context, kind Kind, q Query) (*Page[bson.Raw], error) {
	limit := q.EffectiveLimit()
	pageNo := q.EffectivePageNo()
	pipeline := Build(kind, q)

	var (
		rows  []bson.Raw
		total int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = e.store.Aggregate(gctx, kind, pipeline.Stages, AggregateOptions{Collation: q.Collation})
		return err
	})
	if q.WantTotalCount {
		g.Go(func() error {
			var err error
			total, err = e.store.Count(gctx, kind, pipeline.Count())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	page := &Page[bson.Raw]{
		Data:   rows,
		Total:  total,
		PageNo: pageNo,
		Limit:  limit,
	}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.NextHit = pageNo + 1
	}
	if q.WantTotalCount {
		page.TotalPage = totalPages(total, limit)
	}
	if page.Data == nil {
		page.Data = []bson.Raw{}
	}
	return page, nil
}

// Paginate runs q for kind and decodes each row into T. It is the single
// entry point for listing endpoints.
func Paginate[T any](ctx context.Context, engine *Engine, kind Kind, q Query) (*Page[T], error) {
	raw, err := engine.Execute(ctx, kind, q)
	if err != nil {
		return nil, err
	}

	data := make([]T, len(raw.Data))
	for i, doc := range raw.Data {
		if err := bson.Unmarshal(doc, &data[i]); err != nil {
			return nil, errors.Wrapf(err, "decode %s row %d", kind, i)
		}
	}
	return &Page[T]{
		Data:      data,
		Total:     raw.Total,
		PageNo:    raw.PageNo,
		Limit:     raw.Limit,
		TotalPage: raw.TotalPage,
		NextHit:   raw.NextHit,
	}, nil
}
