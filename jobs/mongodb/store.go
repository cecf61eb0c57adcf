// Package mongodb implements jobs.Store on MongoDB.
package mongodb

import (
	"context"
	"time"

	"github.com/DEEJ4Y/servicehub/jobs"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store implements jobs.Store on the jobs collection.
type Store struct {
	collection *mongo.Collection
}

// NewStore creates a Store over collection.
func NewStore(collection *mongo.Collection) (*Store, error) {
	if collection == nil {
		return nil, errors.New("collection is required")
	}
	return &Store{collection: collection}, nil
}

// EnsureIndexes creates the index the overdue and schedulable scans use.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "schedule", Value: 1}},
	})
	if err != nil {
		return errors.Wrap(err, "create job schedule index")
	}
	return nil
}

// Get loads a job by ObjectID hex, falling back to jobIdString.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	filter := bson.M{"jobIdString": id}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		filter = bson.M{"_id": oid}
	}

	var job jobs.Job
	if err := s.collection.FindOne(ctx, filter).Decode(&job); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrapf(jobs.ErrJobNotFound, "job %s", id)
		}
		return nil, errors.Wrapf(err, "find job %s", id)
	}
	return &job, nil
}

// SetSchedule sets the schedule of a job that has none.
func (s *Store) SetSchedule(ctx context.Context, id string, at time.Time) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": oid, "schedule": nil},
		bson.M{"$set": bson.M{"schedule": at}})
	if err != nil {
		return errors.Wrapf(err, "set schedule of job %s", id)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": oid})
	if err != nil {
		return errors.Wrapf(err, "find job %s", id)
	}
	if n == 0 {
		return errors.Wrapf(jobs.ErrJobNotFound, "job %s", id)
	}
	return errors.Wrapf(jobs.ErrAlreadyScheduled, "job %s", id)
}

// UpdateStatus applies update and returns the job after the write.
func (s *Store) UpdateStatus(ctx context.Context, id string, update jobs.StatusUpdate) (*jobs.Job, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}

	set := bson.M{"status": update.Status}
	if update.CompletedAt != nil {
		set["completedAt"] = *update.CompletedAt
	}
	change := bson.M{"$set": set}
	if update.ClearSchedule {
		change["$unset"] = bson.M{"schedule": ""}
	}

	var job jobs.Job
	err = s.collection.FindOneAndUpdate(ctx, bson.M{"_id": oid}, change,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrapf(jobs.ErrJobNotFound, "job %s", id)
		}
		return nil, errors.Wrapf(err, "update status of job %s", id)
	}
	return &job, nil
}

// ApplyTransition conditionally applies a scheduled transition and
// returns the status the job had before it.
func (s *Store) ApplyTransition(ctx context.Context, t jobs.ScheduledTransition) (jobs.Status, bool, error) {
	oid, err := primitive.ObjectIDFromHex(t.JobID)
	if err != nil {
		return "", false, nil
	}

	var before struct {
		Status jobs.Status `bson:"status"`
	}
	err = s.collection.FindOneAndUpdate(ctx,
		bson.M{
			"_id":      oid,
			"schedule": t.ScheduledFor,
			"status":   bson.M{"$ne": jobs.StatusDeleted},
		},
		bson.M{
			"$set":   bson.M{"status": t.TargetStatus},
			"$unset": bson.M{"schedule": ""},
		},
		options.FindOneAndUpdate().
			SetReturnDocument(options.Before).
			SetProjection(bson.M{"status": 1})).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "transition job %s", t.JobID)
	}
	return before.Status, true, nil
}

// ListOverdue returns jobs whose schedule is at or before before.
func (s *Store) ListOverdue(ctx context.Context, before time.Time, limit int) ([]jobs.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "schedule", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{
		"schedule": bson.M{"$lte": before},
		"status":   bson.M{"$ne": jobs.StatusDeleted},
	}, opts)
}

// ListSchedulable returns the id, title and jobIdString of scheduled jobs
// without a pending schedule.
func (s *Store) ListSchedulable(ctx context.Context) ([]jobs.Job, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1, "title": 1, "jobIdString": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	return s.find(ctx, bson.M{"status": jobs.StatusScheduled, "schedule": nil}, opts)
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]jobs.Job, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find jobs")
	}
	var out []jobs.Job
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode jobs")
	}
	return out, nil
}

func objectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, errors.Wrapf(jobs.ErrJobNotFound, "job %s", id)
	}
	return oid, nil
}
