package listing

import (
	"strings"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Request statuses used by the request listing presets.
const (
	RequestPending    = "PENDING"
	RequestInProgress = "IN_PROGRESS"
	RequestRejected   = "REJECTED"
	RequestApproved   = "APPROVED"
)

// UserTypeUser is the caller type whose report listing is limited to their
// own reports.
const UserTypeUser = "USER"

// ObjectIDs parses hex ids. Each element may itself be a comma separated
// list.
func ObjectIDs(values []string) ([]interface{}, error) {
	var ids []interface{}
	for _, v := range SplitList(values) {
		id, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidParam, "invalid id %q", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SplitList flattens comma separated values and drops empty entries.
func SplitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// JobFilters narrows a jobs listing to the given categories and priorities.
// Nil slices leave the listing unrestricted.
func JobFilters(q *Query, categoryIDs, priorities []string) error {
	if categoryIDs != nil {
		ids, err := ObjectIDs(categoryIDs)
		if err != nil {
			return err
		}
		q.Where("categoryId", In(ids...))
	}
	if priorities != nil {
		q.Where("priority", In(toInterfaces(SplitList(priorities))...))
	}
	return nil
}

// RequestFilters narrows a request listing to one user and applies the
// completed or active status presets. A preset replaces q.Status; completed
// wins when both are set.
func RequestFilters(q *Query, userID string, completed, active bool) error {
	if userID != "" {
		id, err := primitive.ObjectIDFromHex(userID)
		if err != nil {
			return errors.Wrapf(ErrInvalidParam, "invalid user id %q", userID)
		}
		q.Where("userId", Eq(id))
	}
	switch {
	case completed:
		q.Status = []string{RequestApproved}
	case active:
		q.Status = []string{RequestPending, RequestInProgress, RequestRejected}
	}
	return nil
}

// ReportFilters limits a report listing to the caller's own reports when the
// caller is a plain user.
func ReportFilters(q *Query, callerID, callerType string) error {
	if callerType != UserTypeUser {
		return nil
	}
	id, err := primitive.ObjectIDFromHex(callerID)
	if err != nil {
		return errors.Wrapf(ErrInvalidParam, "invalid caller id %q", callerID)
	}
	q.Where("userId", Eq(id))
	return nil
}

// UserFilters hides the caller from a user listing.
func UserFilters(q *Query, callerID string) error {
	if callerID == "" {
		return nil
	}
	id, err := primitive.ObjectIDFromHex(callerID)
	if err != nil {
		return errors.Wrapf(ErrInvalidParam, "invalid caller id %q", callerID)
	}
	q.Where("_id", Ne(id))
	return nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
