// Package jobs owns job scheduling: accepting a future transition, persisting
// it on the job, and applying it when the delayed task fires.
package jobs

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCanceled   Status = "CANCELED"
	StatusDeleted    Status = "DELETED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCanceled, StatusDeleted:
		return true
	}
	return false
}

// Priority of a job.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// GeoLocation is a GeoJSON point with a display address.
type GeoLocation struct {
	Address     string    `bson:"address,omitempty" json:"address,omitempty"`
	Type        string    `bson:"type,omitempty" json:"type,omitempty"`
	Coordinates []float64 `bson:"coordinates,omitempty" json:"coordinates,omitempty"`
}

// Job is a unit of work in the marketplace.
type Job struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	JobIDString  string             `bson:"jobIdString,omitempty" json:"jobIdString,omitempty"`
	Title        string             `bson:"title" json:"title"`
	CategoryID   primitive.ObjectID `bson:"categoryId,omitempty" json:"categoryId,omitempty"`
	CategoryName string             `bson:"categoryName,omitempty" json:"categoryName,omitempty"`
	PersonalName string             `bson:"personalName,omitempty" json:"personalName,omitempty"`
	Location     GeoLocation        `bson:"location" json:"location"`
	Priority     Priority           `bson:"priority,omitempty" json:"priority,omitempty"`
	Status       Status             `bson:"status" json:"status"`

	// Schedule is the pending transition time, if any. A job has at most
	// one pending schedule.
	Schedule    *time.Time `bson:"schedule,omitempty" json:"schedule,omitempty"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	Created     time.Time  `bson:"created" json:"created"`

	// Distance is set by geo listings only.
	Distance *float64 `bson:"distance,omitempty" json:"distance,omitempty"`
}

// TransitionQueue carries scheduled job transitions.
const TransitionQueue = "job-transitions"

// ScheduledTransition is the payload of a transition task.
type ScheduledTransition struct {
	JobID        string    `json:"jobId"`
	TargetStatus Status    `json:"targetStatus"`
	ScheduledFor time.Time `json:"scheduledFor"`
}
