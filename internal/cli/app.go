package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/DEEJ4Y/servicehub/config"
	"github.com/DEEJ4Y/servicehub/events"
	"github.com/DEEJ4Y/servicehub/httpapi"
	"github.com/DEEJ4Y/servicehub/jobs"
	jobsmongo "github.com/DEEJ4Y/servicehub/jobs/mongodb"
	"github.com/DEEJ4Y/servicehub/listing"
	listingmongo "github.com/DEEJ4Y/servicehub/listing/mongodb"
	"github.com/DEEJ4Y/servicehub/metrics"
	"github.com/DEEJ4Y/servicehub/queue"
	queuemongo "github.com/DEEJ4Y/servicehub/queue/mongodb"
	queueredis "github.com/DEEJ4Y/servicehub/queue/redis"
	"github.com/cockroachdb/errors"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// app owns every long-lived component of a running process.
type app struct {
	cfg *config.Config
	log *zap.Logger

	client    *mongo.Client
	db        *mongo.Database
	pool      *redis.Pool
	collector *metrics.Collector
	queues    *queue.Registry
	scheduler *jobs.Scheduler
	listings  *listingmongo.Store

	reconciler *jobs.Reconciler
	server     *http.Server
	serverErr  chan error
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, serverErr: make(chan error, 1)}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}
	a.client = client
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		a.shutdown()
		return nil, errors.Wrap(err, "ping mongodb")
	}
	a.db = client.Database(cfg.Mongo.Database)

	if err := a.build(connectCtx); err != nil {
		a.shutdown()
		return nil, err
	}
	return a, nil
}

// build wires stores, broker, registry and scheduler and bootstraps indexes.
func (a *app) build(ctx context.Context) error {
	listings, err := listingmongo.NewStore(listingmongo.Config{
		Database:    a.db,
		Collections: listingCollections(a.cfg.Mongo),
	})
	if err != nil {
		return err
	}
	if err := listings.EnsureIndexes(ctx); err != nil {
		return errors.Wrap(err, "listing indexes")
	}
	a.listings = listings

	jobStore, err := jobsmongo.NewStore(a.db.Collection(a.cfg.Mongo.JobsCollection))
	if err != nil {
		return err
	}
	if err := jobStore.EnsureIndexes(ctx); err != nil {
		return errors.Wrap(err, "job indexes")
	}

	broker, err := a.newBroker(ctx)
	if err != nil {
		return err
	}

	a.collector = metrics.NewCollector(nil)
	a.queues = queue.NewRegistry(broker, a.log, a.collector)

	a.scheduler, err = jobs.NewScheduler(jobs.SchedulerConfig{
		Store:       jobStore,
		Queues:      a.queues,
		Events:      events.NewQueueEmitter(a.queues),
		Logger:      a.log.With(zap.String("component", "scheduler")),
		MaxAttempts: a.cfg.Queue.TransitionAttempts,
	})
	return err
}

// listingCollections points the jobs listing at the collection the job store
// writes to.
func listingCollections(c config.MongoConfig) map[listing.Kind]string {
	return map[listing.Kind]string{listing.KindJobs: c.JobsCollection}
}

func (a *app) newBroker(ctx context.Context) (queue.Broker, error) {
	switch a.cfg.Broker.Kind {
	case config.BrokerMemory:
		a.log.Warn("using the in-memory broker; scheduled transitions do not survive a restart")
		return queue.NewMemoryBroker(), nil
	case config.BrokerRedis:
		r := a.cfg.Redis
		a.pool = queueredis.NewPool(queueredis.PoolConfig{
			Server:      r.Address,
			Password:    r.Password,
			Database:    r.Database,
			UseTLS:      r.UseTLS,
			ConnTimeout: r.ConnTimeout,
			KeepAlive:   r.KeepAlive,
		})
		conn, err := a.pool.GetContext(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "connect to redis")
		}
		_, err = conn.Do("PING")
		conn.Close()
		if err != nil {
			return nil, errors.Wrap(err, "ping redis")
		}
		return queueredis.NewBroker(queueredis.Config{Pool: a.pool, Prefix: r.Prefix})
	default:
		broker, err := queuemongo.NewBroker(queuemongo.Config{Collection: a.db.Collection(a.cfg.Broker.Collection)})
		if err != nil {
			return nil, err
		}
		if err := broker.EnsureIndexes(ctx); err != nil {
			return nil, errors.Wrap(err, "task indexes")
		}
		return broker, nil
	}
}

// consumerConfig maps the configured timings onto a queue consumer.
func consumerConfig(c config.ConsumerConfig, concurrency int) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		Concurrency:   concurrency,
		IdleDelay:     c.IdleDelay,
		LockDuration:  c.LockDuration,
		RetryDelay:    c.RetryDelay,
		MaxRetryDelay: c.MaxRetryDelay,
	}
}

func (a *app) start(ctx context.Context, serveAPI bool) error {
	transitions, err := a.scheduler.Consume(consumerConfig(a.cfg.Consumer, a.cfg.Consumer.Concurrency))
	if err != nil {
		return err
	}
	if err := transitions.Start(ctx); err != nil {
		return err
	}

	eventsConfig := consumerConfig(a.cfg.Consumer, a.cfg.Consumer.EventsConcurrency)
	eventsConfig.Handler = events.Handler(events.NewLogSink(a.log), a.log)
	deliveries, err := a.queues.Queue(events.Queue).Process(eventsConfig)
	if err != nil {
		return err
	}
	if err := deliveries.Start(ctx); err != nil {
		return err
	}

	if a.cfg.Reconcile.Enabled {
		a.reconciler, err = jobs.NewReconciler(jobs.ReconcilerConfig{
			Scheduler: a.scheduler,
			Spec:      a.cfg.Reconcile.Spec,
			Grace:     a.cfg.Reconcile.Grace,
			BatchSize: a.cfg.Reconcile.BatchSize,
			Consumer:  consumerConfig(a.cfg.Consumer, 1),
		})
		if err != nil {
			return err
		}
		if err := a.reconciler.Start(ctx); err != nil {
			return err
		}
	}

	handler, addr, err := a.handler(serveAPI)
	if err != nil {
		return err
	}
	if handler == nil {
		return nil
	}
	a.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}
	go func() {
		a.log.Info("http server listening", zap.String("addr", addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErr <- err
		}
	}()
	return nil
}

// handler returns the API router, a metrics-only router for workers, or nil
// when a worker has metrics disabled.
func (a *app) handler(serveAPI bool) (http.Handler, string, error) {
	if !serveAPI {
		if !a.cfg.Metrics.Enabled {
			return nil, "", nil
		}
		r := mux.NewRouter()
		r.Handle(a.cfg.Metrics.Path, a.collector.Handler()).Methods(http.MethodGet)
		return r, a.cfg.Metrics.Address, nil
	}

	engine, err := listing.NewEngine(listing.EngineConfig{
		Store:    a.listings,
		Observer: a.collector,
		Logger:   a.log.With(zap.String("component", "listing")),
	})
	if err != nil {
		return nil, "", err
	}
	apiConfig := httpapi.Config{
		Engine:    engine,
		Scheduler: a.scheduler,
		Health: func(ctx context.Context) error {
			return a.client.Ping(ctx, readpref.Primary())
		},
		Logger: a.log.With(zap.String("component", "http")),
	}
	if a.cfg.Metrics.Enabled {
		apiConfig.Metrics = a.collector.Handler()
		apiConfig.MetricsPath = a.cfg.Metrics.Path
	}
	h, err := httpapi.NewHandler(apiConfig)
	return h, a.cfg.HTTP.Address, err
}

// shutdown stops components in reverse start order within the configured
// timeout. It is safe on a partially built app.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", zap.Error(err))
		}
	}
	if a.reconciler != nil {
		if err := a.reconciler.Stop(ctx); err != nil {
			a.log.Warn("reconciler shutdown", zap.Error(err))
		}
	}
	if a.queues != nil {
		if err := a.queues.StopAll(ctx); err != nil {
			a.log.Warn("consumer shutdown", zap.Error(err))
		}
	}
	if a.pool != nil {
		_ = a.pool.Close()
	}
	if a.client != nil {
		if err := a.client.Disconnect(ctx); err != nil {
			a.log.Warn("mongodb disconnect", zap.Error(err))
		}
	}
	a.log.Info("servicehub stopped")
}

func (a *app) shutdownTimeout() time.Duration {
	if a.cfg.Consumer.ShutdownTimeout > 0 {
		return a.cfg.Consumer.ShutdownTimeout
	}
	return 30 * time.Second
}
