package mongodb

import (
	"context"
	"time"

	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config holds the configuration for the MongoDB broker.
type Config struct {
	// Collection is the MongoDB collection where tasks are stored.
	// Required.
	Collection *mongo.Collection
}

// Broker implements queue.Broker on a MongoDB collection. Every queue
// shares the collection and is told apart by the "queue" field.
type Broker struct {
	collection *mongo.Collection
}

// taskDoc is the stored shape of a task.
type taskDoc struct {
	ID               primitive.ObjectID `bson:"_id,omitempty"`
	Queue            string             `bson:"queue"`
	Key              string             `bson:"key,omitempty"`
	Payload          []byte             `bson:"payload"`
	SleepUntil       *time.Time         `bson:"sleepUntil"`
	Priority         int                `bson:"priority"`
	Attempts         int                `bson:"attempts"`
	MaxAttempts      int                `bson:"maxAttempts"`
	Interval         string             `bson:"interval,omitempty"`
	RepeatUntil      *time.Time         `bson:"repeatUntil,omitempty"`
	RemoveOnComplete bool               `bson:"removeOnComplete"`
	State            queue.State        `bson:"state"`
	LastError        string             `bson:"lastError,omitempty"`
	Created          time.Time          `bson:"created"`
}

// NewBroker creates a new MongoDB broker with the given configuration.
func NewBroker(config Config) (*Broker, error) {
	if config.Collection == nil {
		return nil, errors.New("collection is required")
	}
	return &Broker{collection: config.Collection}, nil
}

// EnsureIndexes creates the index LockNext relies on and the unique index
// that backs keyed tasks.
func (b *Broker) EnsureIndexes(ctx context.Context) error {
	_, err := b.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "queue", Value: 1},
				{Key: "sleepUntil", Value: 1},
				{Key: "priority", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "queue", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"key": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return errors.Wrap(err, "create task indexes")
	}
	return nil
}

// Push inserts a new task. A keyed task whose key is taken is not inserted;
// the stored task is returned with queue.ErrTaskExists.
func (b *Broker) Push(ctx context.Context, task *queue.Task) (*queue.Task, error) {
	if task.Key != "" {
		existing, err := b.findKey(ctx, task.Queue, task.Key)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	doc := taskDoc{
		Queue:            task.Queue,
		Key:              task.Key,
		Payload:          []byte(task.Payload),
		SleepUntil:       task.SleepUntil,
		Priority:         task.Priority,
		MaxAttempts:      task.MaxAttempts,
		Interval:         task.Interval,
		RepeatUntil:      task.RepeatUntil,
		RemoveOnComplete: task.RemoveOnComplete,
		State:            queue.StateWaiting,
		Created:          task.Created,
	}

	res, err := b.collection.InsertOne(ctx, doc)
	if err != nil {
		if task.Key != "" && mongo.IsDuplicateKeyError(err) {
			// lost the race against a concurrent push of the same key
			existing, ferr := b.findKey(ctx, task.Queue, task.Key)
			if ferr != nil || existing != nil {
				return existing, ferr
			}
		}
		return nil, errors.Wrap(err, "insert task failed")
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = oid
	}
	return doc.toTask(), nil
}

// LockNext atomically finds and leases the next due task.
func (b *Broker) LockNext(ctx context.Context, queueName string, lockUntil time.Time) (*queue.Task, error) {
	currentDate := time.Now()

	filter := bson.M{
		"$and": []bson.M{
			{"queue": queueName},
			{"sleepUntil": bson.M{"$exists": true, "$ne": nil}},
			{"sleepUntil": bson.M{"$not": bson.M{"$gt": currentDate}}},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"sleepUntil": lockUntil,
			"state":      queue.StateActive,
		},
		"$inc": bson.M{"attempts": 1},
	}

	// Return the document before the update so the caller sees the
	// original due time; lowest priority first, then oldest due.
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.Before).
		SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "sleepUntil", Value: 1}})

	var doc taskDoc
	err := b.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "findOneAndUpdate failed")
	}

	doc.Attempts++
	return doc.toTask(), nil
}

// Update modifies a leased task.
func (b *Broker) Update(ctx context.Context, taskID string, updates queue.TaskUpdate) error {
	set := bson.M{}

	if updates.SleepUntil != nil {
		if *updates.SleepUntil == nil {
			set["sleepUntil"] = nil
		} else {
			set["sleepUntil"] = **updates.SleepUntil
		}
	}
	if updates.State != "" {
		set["state"] = updates.State
	}
	if updates.LastError != nil {
		set["lastError"] = *updates.LastError
	}
	if updates.ResetAttempts {
		set["attempts"] = 0
	}

	if len(set) == 0 {
		return nil
	}
	return b.updateOne(ctx, taskID, bson.M{"$set": set})
}

// Complete finishes a task, deleting it when remove is true.
func (b *Broker) Complete(ctx context.Context, taskID string, remove bool) error {
	if !remove {
		return b.updateOne(ctx, taskID, bson.M{"$set": bson.M{
			"sleepUntil": nil,
			"state":      queue.StateCompleted,
		}})
	}

	id, err := objectID(taskID)
	if err != nil {
		return err
	}
	result, err := b.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrap(err, "delete failed")
	}
	if result.DeletedCount == 0 {
		return errors.Wrapf(queue.ErrTaskNotFound, "task %s", taskID)
	}
	return nil
}

// Fail moves a task to the failed state. Failed tasks keep their document
// for inspection but no longer have a due time.
func (b *Broker) Fail(ctx context.Context, taskID string, reason string) error {
	return b.updateOne(ctx, taskID, bson.M{"$set": bson.M{
		"sleepUntil": nil,
		"state":      queue.StateFailed,
		"lastError":  reason,
	}})
}

// Get loads a task by id.
func (b *Broker) Get(ctx context.Context, taskID string) (*queue.Task, error) {
	id, err := objectID(taskID)
	if err != nil {
		return nil, err
	}
	var doc taskDoc
	if err := b.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrapf(queue.ErrTaskNotFound, "task %s", taskID)
		}
		return nil, errors.Wrap(err, "find task failed")
	}
	return doc.toTask(), nil
}

// findKey returns the task of queueName holding key with
// queue.ErrTaskExists, or nil when there is none.
func (b *Broker) findKey(ctx context.Context, queueName, key string) (*queue.Task, error) {
	var doc taskDoc
	err := b.collection.FindOne(ctx, bson.M{"queue": queueName, "key": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "find task with key %q", key)
	}
	return doc.toTask(), queue.ErrTaskExists
}

func (b *Broker) updateOne(ctx context.Context, taskID string, update bson.M) error {
	id, err := objectID(taskID)
	if err != nil {
		return err
	}
	result, err := b.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return errors.Wrap(err, "update failed")
	}
	if result.MatchedCount == 0 {
		return errors.Wrapf(queue.ErrTaskNotFound, "task %s", taskID)
	}
	return nil
}

func objectID(taskID string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(taskID)
	if err != nil {
		return primitive.NilObjectID, errors.Wrapf(queue.ErrTaskNotFound, "task %s", taskID)
	}
	return id, nil
}

func (d *taskDoc) toTask() *queue.Task {
	return &queue.Task{
		ID:               d.ID.Hex(),
		Queue:            d.Queue,
		Key:              d.Key,
		Payload:          d.Payload,
		SleepUntil:       d.SleepUntil,
		Priority:         d.Priority,
		Attempts:         d.Attempts,
		MaxAttempts:      d.MaxAttempts,
		Interval:         d.Interval,
		RepeatUntil:      d.RepeatUntil,
		RemoveOnComplete: d.RemoveOnComplete,
		State:            d.State,
		LastError:        d.LastError,
		Created:          d.Created,
	}
}
