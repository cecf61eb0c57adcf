package jobs

import (
	"context"
	"time"

	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Reconciler defaults.
const (
	DefaultReconcileSpec  = "0 */5 * * * *"
	DefaultReconcileGrace = 5 * time.Minute
	DefaultReconcileBatch = 100
)

// Reconcile re-enqueues the transition of every job whose schedule is more
// than grace in the past. A transition task lost by the broker would
// otherwise leave the job stuck. Re-enqueued transitions use the job's
// stored schedule, so they are no-ops if the original task still fires.
// It returns the number of transitions enqueued.
func (s *Scheduler) Reconcile(ctx context.Context, grace time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = DefaultReconcileBatch
	}

	overdue, err := s.store.ListOverdue(ctx, s.now().Add(-grace), batch)
	if err != nil {
		return 0, errors.Wrap(err, "list overdue jobs")
	}

	enqueued := 0
	for _, job := range overdue {
		if job.Schedule == nil {
			continue
		}
		_, err := s.queues.Enqueue(ctx, TransitionQueue, ScheduledTransition{
			JobID:        job.ID.Hex(),
			TargetStatus: StatusInProgress,
			ScheduledFor: *job.Schedule,
		}, queue.Options{MaxAttempts: s.maxAttempts})
		if err != nil {
			return enqueued, errors.Wrapf(err, "re-enqueue transition for job %s", job.ID.Hex())
		}
		enqueued++
	}

	if enqueued > 0 {
		s.log.Warn("re-enqueued overdue transitions", zap.Int("count", enqueued))
	}
	return enqueued, nil
}

// ReconcileQueue carries the repeating task that drives the Reconciler.
const ReconcileQueue = "job-reconcile"

// reconcileKey keeps a single reconcile task per broker however many
// processes start a Reconciler.
const reconcileKey = "overdue-transitions"

// ReconcilerConfig holds the configuration for a Reconciler.
type ReconcilerConfig struct {
	// Scheduler is required.
	Scheduler *Scheduler

	// Spec is a cron expression with seconds. Default: DefaultReconcileSpec
	Spec string

	// Grace is how long a schedule may be overdue before it is reconciled.
	// Default: DefaultReconcileGrace
	Grace time.Duration

	// BatchSize bounds the jobs handled per run. Default: DefaultReconcileBatch
	BatchSize int

	// Timeout bounds a single run. Default: 1 minute
	Timeout time.Duration

	// Consumer tunes the consumer of ReconcileQueue. Handler and OnStart
	// are overwritten and Concurrency is always 1.
	Consumer queue.ConsumerConfig
}

// Reconciler runs Scheduler.Reconcile from a repeating task on
// ReconcileQueue. The task is leased like any other, so when several
// processes run a Reconciler against one broker each run happens once.
type Reconciler struct {
	config   ReconcilerConfig
	log      *zap.Logger
	consumer *queue.Consumer
}

// NewReconciler creates a Reconciler. It does not run until Start.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if config.Spec == "" {
		config.Spec = DefaultReconcileSpec
	}
	if _, err := queue.ParseInterval(config.Spec); err != nil {
		return nil, errors.Wrap(err, "reconcile spec")
	}
	if config.Grace == 0 {
		config.Grace = DefaultReconcileGrace
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultReconcileBatch
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}

	r := &Reconciler{
		config: config,
		log:    config.Scheduler.log.With(zap.String("component", "reconciler")),
	}

	cc := config.Consumer
	cc.Handler = r.handle
	cc.OnStart = r.ensureTask
	cc.Concurrency = 1
	if cc.Logger == nil {
		cc.Logger = r.log
	}
	consumer, err := config.Scheduler.queues.Queue(ReconcileQueue).Process(cc)
	if err != nil {
		return nil, err
	}
	r.consumer = consumer
	return r, nil
}

// Start enqueues the repeating reconcile task unless the broker already
// holds it, then starts consuming ReconcileQueue.
func (r *Reconciler) Start(ctx context.Context) error {
	return r.consumer.Start(ctx)
}

// Stop stops consuming and waits for a running reconcile to finish or ctx
// to end. The repeating task stays in the broker.
func (r *Reconciler) Stop(ctx context.Context) error {
	return r.consumer.Stop(ctx)
}

func (r *Reconciler) ensureTask(ctx context.Context) error {
	now := time.Now()
	first, err := queue.NextRun(r.config.Spec, now)
	if err != nil {
		return err
	}

	task, err := r.config.Scheduler.queues.Enqueue(ctx, ReconcileQueue, struct{}{}, queue.Options{
		Delay:    first.Sub(now),
		Interval: r.config.Spec,
		Key:      reconcileKey,
	})
	if err != nil {
		return errors.Wrap(err, "enqueue reconcile task")
	}
	if task.Interval != r.config.Spec {
		r.log.Warn("reconcile task keeps the interval it was created with",
			zap.String("task_id", task.ID),
			zap.String("interval", task.Interval),
			zap.String("spec", r.config.Spec))
	}
	r.log.Info("reconciler started", zap.String("spec", task.Interval), zap.String("task_id", task.ID))
	return nil
}

func (r *Reconciler) handle(ctx context.Context, task *queue.Task) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	n, err := r.config.Scheduler.Reconcile(ctx, r.config.Grace, r.config.BatchSize)
	if err != nil {
		return errors.Wrap(err, "reconcile")
	}
	r.log.Debug("reconcile run finished", zap.Int("enqueued", n))
	return nil
}
