package listing

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind selects the entity a listing runs over.
type Kind int

const (
	KindJobs Kind = iota + 1
	KindRequests
	KindReports
	KindUsers
)

type kindSpec struct {
	name         string
	collection   string
	searchFields []string
	projection   []string

	// geo is false for kinds without a 2dsphere index; Query.Geo is ignored
	// for them.
	geo       bool
	geoKey    string
	geoRadius float64

	normalizeSearch func(string) string
}

var kinds = map[Kind]kindSpec{
	KindJobs: {
		name:         "jobs",
		collection:   "jobs",
		searchFields: []string{"title", "location.address"},
		projection: []string{
			"_id", "title", "categoryName", "categoryId", "personalName",
			"location", "companyLocation", "email", "fullMobileNo",
			"aboutCompany", "priority", "procedure", "created", "jobIdString",
			"status", "schedule", "doorTag",
		},
		geo:       true,
		geoKey:    "location.coordinates",
		geoRadius: 50000,
	},
	KindRequests: {
		name:         "requests",
		collection:   "requests",
		searchFields: []string{"userName", "location.address"},
		projection: []string{
			"_id", "name", "requestIdString", "userId", "userName",
			"serviceType", "categoryName", "categoryId", "categoryIdString",
			"issueTypeName", "subIssueName", "location", "description",
			"created", "estimatedDays", "amount", "notes", "status", "media",
			"mediaType",
		},
		geo:       true,
		geoKey:    "location.coordinates",
		geoRadius: 5000,
	},
	KindReports: {
		name:         "reports",
		collection:   "report_damages",
		searchFields: []string{"userName", "description"},
		projection: []string{
			"_id", "type", "userId", "userName", "userEmail", "userMobile",
			"userLocation", "location", "description", "created", "chatId",
			"status", "media",
		},
	},
	KindUsers: {
		name:         "users",
		collection:   "users",
		searchFields: []string{"name", "mobileNo", "email"},
		projection: []string{
			"_id", "name", "email", "status", "created", "profilePicture",
			"userType", "mobileNo", "countryCode", "subscriptionType",
			"location", "lastLogin",
		},
		// users search by the national number
		normalizeSearch: func(s string) string {
			return strings.TrimPrefix(s, "+1")
		},
	},
}

// Kinds returns every listing kind.
func Kinds() []Kind {
	return []Kind{KindJobs, KindRequests, KindReports, KindUsers}
}

// ParseKind maps a kind name such as "jobs" to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, spec := range kinds {
		if spec.name == name {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidParam, "unknown listing kind %q", name)
}

// String returns the kind name.
func (k Kind) String() string {
	if spec, ok := kinds[k]; ok {
		return spec.name
	}
	return "unknown"
}

// Collection returns the collection the kind is stored in.
func (k Kind) Collection() string {
	return kinds[k].collection
}

// SupportsGeo reports whether the kind can be listed by distance.
func (k Kind) SupportsGeo() bool {
	return kinds[k].geo
}

// GeoKey returns the indexed coordinate field of geo-enabled kinds.
func (k Kind) GeoKey() string {
	return kinds[k].geoKey
}

func (k Kind) spec() kindSpec {
	return kinds[k]
}
