// Package listing turns listing parameters into MongoDB aggregation
// pipelines and runs them into pages.
//
// Every listing endpoint goes through Paginate: Build produces the stages for
// a Kind and Query, and the Engine runs the page and count passes
// concurrently before assembling a Page.
package listing

import (
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultLimit is used when a query asks for zero or fewer rows.
	DefaultLimit = 10

	// MaxLimit caps the rows returned by one page.
	MaxLimit = 100

	// StatusDeleted is excluded from every listing unless the caller asks
	// for explicit statuses.
	StatusDeleted = "DELETED"
)

// ErrInvalidParam is returned when a listing parameter cannot be turned into
// a filter, such as a malformed id.
var ErrInvalidParam = errors.New("invalid listing parameter")

// Direction is a sort order.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// ParseDirection maps "asc"/"1" and "desc"/"-1" to a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "asc", "ASC", "1":
		return Ascending, true
	case "desc", "DESC", "-1":
		return Descending, true
	}
	return 0, false
}

// Sort orders the listing by one field.
type Sort struct {
	Field     string
	Direction Direction
}

// GeoNear restricts a listing to records near a point and orders them
// nearest first. A zero MaxDistanceMeters uses the kind's default radius.
type GeoNear struct {
	Latitude          float64
	Longitude         float64
	MaxDistanceMeters float64
}

// Predicate is a condition on a single field.
type Predicate struct {
	op    string
	value interface{}
}

// Eq matches documents whose field equals v.
func Eq(v interface{}) Predicate {
	return Predicate{value: v}
}

// Ne matches documents whose field differs from v.
func Ne(v interface{}) Predicate {
	return Predicate{op: "$ne", value: v}
}

// In matches documents whose field is one of values. An empty set matches
// nothing.
func In(values ...interface{}) Predicate {
	if values == nil {
		values = []interface{}{}
	}
	return Predicate{op: "$in", value: values}
}

// Query describes one page of a listing. The zero value asks for the first
// page of ten rows, newest first, excluding deleted records.
type Query struct {
	PageNo int
	Limit  int

	// SearchKey is matched case-insensitively and literally against the
	// kind's search fields.
	SearchKey string

	// Status restricts the listing to these statuses. When empty, deleted
	// records are excluded.
	Status []string

	// FromDate and ToDate are inclusive bounds on the created field.
	FromDate *time.Time
	ToDate   *time.Time

	// Filters holds additional per-field conditions.
	Filters map[string]Predicate

	Geo  *GeoNear
	Sort *Sort

	// WantTotalCount runs the count pass and fills Total and TotalPage.
	WantTotalCount bool

	// Collation compares strings with English collation in the data pass.
	Collation bool
}

// EffectiveLimit returns the page size actually used, in [1, MaxLimit].
func (q Query) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	}
	return q.Limit
}

// EffectivePageNo returns the page number actually used, at least 1.
func (q Query) EffectivePageNo() int {
	if q.PageNo < 1 {
		return 1
	}
	return q.PageNo
}

// Where adds a per-field condition, replacing any previous one on field.
func (q *Query) Where(field string, p Predicate) {
	if q.Filters == nil {
		q.Filters = make(map[string]Predicate)
	}
	q.Filters[field] = p
}
