// Package redis implements queue.Broker on Redis.
//
// Each task is a hash under <prefix>task:<id>. Waiting and leased tasks are
// members of the <prefix><queue>:due sorted set scored by their due time in
// unix milliseconds; failed tasks move to <prefix><queue>:failed. Keyed
// tasks are indexed in the <prefix><queue>:keys hash. Task keys
// are computed inside the lease script, so the broker targets a standalone
// Redis server, not a cluster.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

// DefaultPrefix namespaces every key the broker writes.
const DefaultPrefix = "servicehub:queue:"

// leaseScanSize is how many due tasks LockNext compares by priority.
const leaseScanSize = 32

// lockNextScript leases the highest priority task among the earliest due
// ones. It returns the task id and its due time before the lease.
//
// KEYS[1] due set, ARGV[1] now ms, ARGV[2] lock-until ms,
// ARGV[3] scan size, ARGV[4] task key prefix.
var lockNextScript = redis.NewScript(1, `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local best, bestPrio
for _, id in ipairs(ids) do
  local p = tonumber(redis.call('HGET', ARGV[4] .. id, 'priority'))
  if p and (bestPrio == nil or p < bestPrio) then
    best, bestPrio = id, p
  end
end
if not best then
  return false
end
local key = ARGV[4] .. best
local prev = redis.call('HGET', key, 'sleepUntil')
redis.call('ZADD', KEYS[1], ARGV[2], best)
redis.call('HSET', key, 'sleepUntil', ARGV[2], 'state', 'active')
redis.call('HINCRBY', key, 'attempts', 1)
return {best, prev}
`)

// pushKeyedScript stores a keyed task unless a live task holds the key. It
// returns the holder's id, or nil when the task was stored. A mapping left
// by a task that no longer exists is taken over.
//
// KEYS[1] keys hash, KEYS[2] task hash, KEYS[3] due set, ARGV[1] key,
// ARGV[2] id, ARGV[3] task key prefix, ARGV[4] queue, ARGV[5] data,
// ARGV[6] priority, ARGV[7] due ms or "".
var pushKeyedScript = redis.NewScript(3, `
local holder = redis.call('HGET', KEYS[1], ARGV[1])
if holder and redis.call('EXISTS', ARGV[3] .. holder) == 1 then
  return holder
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], 'queue', ARGV[4], 'key', ARGV[1], 'data', ARGV[5],
  'priority', ARGV[6], 'attempts', 0, 'state', 'waiting', 'sleepUntil', ARGV[7])
if ARGV[7] ~= '' then
  redis.call('ZADD', KEYS[3], ARGV[7], ARGV[2])
end
return false
`)

// Pool is the subset of *redis.Pool the broker uses.
type Pool interface {
	GetContext(ctx context.Context) (redis.Conn, error)
}

// Config holds the configuration for the Redis broker.
type Config struct {
	// Pool provides connections. Required.
	Pool Pool

	// Prefix namespaces the broker's keys. Default: DefaultPrefix.
	Prefix string
}

// Broker implements queue.Broker on Redis.
type Broker struct {
	pool   Pool
	prefix string
}

// taskData is the part of a task that never changes after Push.
type taskData struct {
	Queue            string          `json:"queue"`
	Key              string          `json:"key,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	MaxAttempts      int             `json:"maxAttempts"`
	Interval         string          `json:"interval,omitempty"`
	RepeatUntil      *time.Time      `json:"repeatUntil,omitempty"`
	RemoveOnComplete bool            `json:"removeOnComplete"`
	Created          time.Time       `json:"created"`
}

// NewBroker creates a new Redis broker with the given configuration.
func NewBroker(config Config) (*Broker, error) {
	if config.Pool == nil {
		return nil, errors.New("pool is required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	return &Broker{pool: config.Pool, prefix: config.Prefix}, nil
}

func (b *Broker) taskKey(id string) string { return b.prefix + "task:" + id }
func (b *Broker) dueKey(q string) string { return b.prefix + q + ":due" }
func (b *Broker) failedKey(q string) string { return b.prefix + q + ":failed" }
func (b *Broker) keysKey(q string) string { return b.prefix + q + ":keys" }
func (b *Broker) taskPrefix() string { return b.prefix + "task:" }

// Push stores a new task and adds it to its queue's due set. A keyed task
// is stored by pushKeyedScript; when its key is held by a live task that
// task is returned with queue.ErrTaskExists.
func (b *Broker) Push(ctx context.Context, task *queue.Task) (*queue.Task, error) {
	data, err := json.Marshal(taskData{
		Queue:            task.Queue,
		Key:              task.Key,
		Payload:          task.Payload,
		MaxAttempts:      task.MaxAttempts,
		Interval:         task.Interval,
		RepeatUntil:      task.RepeatUntil,
		RemoveOnComplete: task.RemoveOnComplete,
		Created:          task.Created,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal task")
	}

	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	id := uuid.NewString()
	due := ""
	if task.SleepUntil != nil {
		due = formatMillis(*task.SleepUntil)
	}

	if task.Key != "" {
		holder, err := redis.String(pushKeyedScript.Do(conn,
			b.keysKey(task.Queue), b.taskKey(id), b.dueKey(task.Queue),
			task.Key, id, b.taskPrefix(), task.Queue, data, task.Priority, due))
		switch {
		case errors.Is(err, redis.ErrNil):
			return pushedTask(task, id), nil
		case err != nil:
			return nil, errors.Wrap(err, "push keyed task")
		}
		existing, err := b.load(conn, holder)
		if err != nil {
			return nil, err
		}
		return existing, queue.ErrTaskExists
	}

	conn.Send("MULTI")
	conn.Send("HSET", b.taskKey(id),
		"queue", task.Queue,
		"key", task.Key,
		"data", data,
		"priority", task.Priority,
		"attempts", 0,
		"state", string(queue.StateWaiting),
		"sleepUntil", due)
	if due != "" {
		conn.Send("ZADD", b.dueKey(task.Queue), due, id)
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return nil, errors.Wrap(err, "push task")
	}
	return pushedTask(task, id), nil
}

func pushedTask(task *queue.Task, id string) *queue.Task {
	pushed := *task
	pushed.ID = id
	pushed.Attempts = 0
	pushed.State = queue.StateWaiting
	return &pushed
}

// LockNext atomically leases the next due task of queueName.
func (b *Broker) LockNext(ctx context.Context, queueName string, lockUntil time.Time) (*queue.Task, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	res, err := redis.Strings(lockNextScript.Do(conn,
		b.dueKey(queueName),
		time.Now().UnixMilli(),
		lockUntil.UnixMilli(),
		leaseScanSize,
		b.taskPrefix()))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "lock next task")
	}

	task, err := b.load(conn, res[0])
	if err != nil {
		return nil, err
	}
	// report the due time the task had before it was leased
	task.SleepUntil = parseMillis(res[1])
	return task, nil
}

// Update modifies a leased task.
func (b *Broker) Update(ctx context.Context, taskID string, updates queue.TaskUpdate) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	queueName, err := b.queueOf(conn, taskID)
	if err != nil {
		return err
	}

	fields := redis.Args{}.Add(b.taskKey(taskID))
	if updates.State != "" {
		fields = fields.Add("state", string(updates.State))
	}
	if updates.LastError != nil {
		fields = fields.Add("lastError", *updates.LastError)
	}
	if updates.ResetAttempts {
		fields = fields.Add("attempts", 0)
	}

	conn.Send("MULTI")
	if updates.SleepUntil != nil {
		if *updates.SleepUntil == nil {
			fields = fields.Add("sleepUntil", "")
			conn.Send("ZREM", b.dueKey(queueName), taskID)
		} else {
			due := formatMillis(**updates.SleepUntil)
			fields = fields.Add("sleepUntil", due)
			conn.Send("ZADD", b.dueKey(queueName), due, taskID)
		}
	}
	if len(fields) > 1 {
		conn.Send("HSET", fields...)
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.Wrapf(err, "update task %s", taskID)
	}
	return nil
}

// Complete finishes a task, deleting it when remove is true.
func (b *Broker) Complete(ctx context.Context, taskID string, remove bool) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	queueName, key, err := b.lookup(conn, taskID)
	if err != nil {
		return err
	}

	conn.Send("MULTI")
	conn.Send("ZREM", b.dueKey(queueName), taskID)
	if remove {
		conn.Send("DEL", b.taskKey(taskID))
		if key != "" {
			conn.Send("HDEL", b.keysKey(queueName), key)
		}
	} else {
		conn.Send("HSET", b.taskKey(taskID), "state", string(queue.StateCompleted), "sleepUntil", "")
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.Wrapf(err, "complete task %s", taskID)
	}
	return nil
}

// Fail moves a task from the due set to the failed set.
func (b *Broker) Fail(ctx context.Context, taskID string, reason string) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	queueName, err := b.queueOf(conn, taskID)
	if err != nil {
		return err
	}

	conn.Send("MULTI")
	conn.Send("ZREM", b.dueKey(queueName), taskID)
	conn.Send("ZADD", b.failedKey(queueName), time.Now().UnixMilli(), taskID)
	conn.Send("HSET", b.taskKey(taskID),
		"state", string(queue.StateFailed),
		"lastError", reason,
		"sleepUntil", "")
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.Wrapf(err, "fail task %s", taskID)
	}
	return nil
}

// Get loads a task by id.
func (b *Broker) Get(ctx context.Context, taskID string) (*queue.Task, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()
	return b.load(conn, taskID)
}

// Failed returns the ids of the failed tasks of queueName, oldest first.
func (b *Broker) Failed(ctx context.Context, queueName string) ([]string, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	ids, err := redis.Strings(conn.Do("ZRANGE", b.failedKey(queueName), 0, -1))
	if err != nil {
		return nil, errors.Wrap(err, "list failed tasks")
	}
	return ids, nil
}

func (b *Broker) queueOf(conn redis.Conn, taskID string) (string, error) {
	name, _, err := b.lookup(conn, taskID)
	return name, err
}

// lookup returns the queue and key of a task.
func (b *Broker) lookup(conn redis.Conn, taskID string) (queueName, key string, err error) {
	values, err := redis.Values(conn.Do("HMGET", b.taskKey(taskID), "queue", "key"))
	if err != nil {
		return "", "", errors.Wrap(err, "read task queue")
	}
	var q, k []byte
	if _, err := redis.Scan(values, &q, &k); err != nil {
		return "", "", errors.Wrap(err, "read task queue")
	}
	if q == nil {
		return "", "", errors.Wrapf(queue.ErrTaskNotFound, "task %s", taskID)
	}
	return string(q), string(k), nil
}

func (b *Broker) load(conn redis.Conn, taskID string) (*queue.Task, error) {
	fields, err := redis.StringMap(conn.Do("HGETALL", b.taskKey(taskID)))
	if err != nil {
		return nil, errors.Wrap(err, "read task")
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(queue.ErrTaskNotFound, "task %s", taskID)
	}

	var data taskData
	if err := json.Unmarshal([]byte(fields["data"]), &data); err != nil {
		return nil, errors.Wrapf(err, "decode task %s", taskID)
	}
	priority, _ := strconv.Atoi(fields["priority"])
	attempts, _ := strconv.Atoi(fields["attempts"])

	return &queue.Task{
		ID:               taskID,
		Queue:            data.Queue,
		Key:              data.Key,
		Payload:          data.Payload,
		SleepUntil:       parseMillis(fields["sleepUntil"]),
		Priority:         priority,
		Attempts:         attempts,
		MaxAttempts:      data.MaxAttempts,
		Interval:         data.Interval,
		RepeatUntil:      data.RepeatUntil,
		RemoveOnComplete: data.RemoveOnComplete,
		State:            queue.State(fields["state"]),
		LastError:        fields["lastError"],
		Created:          data.Created,
	}, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
