package listing

import (
	"regexp"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Pipeline is a built listing. Stages is the data pass: it over-fetches one
// row past the page so the executor can tell whether a next page exists.
type Pipeline struct {
	Stages mongo.Pipeline

	skipIndex int
}

// Count returns the count pass: the data pass up to but excluding the skip
// stage, followed by {$count: "total"}.
func (p Pipeline) Count() mongo.Pipeline {
	stages := make(mongo.Pipeline, 0, p.skipIndex+1)
	stages = append(stages, p.Stages[:p.skipIndex]...)
	return append(stages, bson.D{{Key: "$count", Value: "total"}})
}

// Build translates q into aggregation stages for kind. The stage order is
// fixed: $geoNear (when q.Geo is set and the kind supports it), $match,
// $sort, $skip, $limit, $project. Build never fails; absent or empty inputs
// fall back to defaults.
func Build(kind Kind, q Query) Pipeline {
	spec := kind.spec()
	limit := q.EffectiveLimit()
	pageNo := q.EffectivePageNo()
	geo := q.Geo != nil && spec.geo

	var stages mongo.Pipeline
	if geo {
		stages = append(stages, geoStage(spec, *q.Geo))
	}
	stages = append(stages,
		bson.D{{Key: "$match", Value: matchStage(spec, q)}},
		bson.D{{Key: "$sort", Value: sortStage(q.Sort, geo)}},
	)

	skipIndex := len(stages)
	stages = append(stages,
		bson.D{{Key: "$skip", Value: int64(limit) * int64(pageNo-1)}},
		bson.D{{Key: "$limit", Value: limit + 1}},
	)

	if len(spec.projection) > 0 {
		project := make(bson.D, 0, len(spec.projection)+1)
		for _, field := range spec.projection {
			project = append(project, bson.E{Key: field, Value: 1})
		}
		if geo {
			project = append(project, bson.E{Key: "distance", Value: 1})
		}
		stages = append(stages, bson.D{{Key: "$project", Value: project}})
	}

	return Pipeline{Stages: stages, skipIndex: skipIndex}
}

func geoStage(spec kindSpec, g GeoNear) bson.D {
	maxDistance := g.MaxDistanceMeters
	if maxDistance <= 0 {
		maxDistance = spec.geoRadius
	}

	near := bson.D{
		{Key: "near", Value: bson.D{
			{Key: "type", Value: "Point"},
			{Key: "coordinates", Value: bson.A{g.Longitude, g.Latitude}},
		}},
		{Key: "distanceField", Value: "distance"},
		{Key: "maxDistance", Value: maxDistance},
		{Key: "spherical", Value: true},
	}
	if spec.geoKey != "" {
		near = append(near, bson.E{Key: "key", Value: spec.geoKey})
	}
	return bson.D{{Key: "$geoNear", Value: near}}
}

// matchStage builds the conjunction of every active filter: status, then the
// extra filters in field-name order, then search, then the created range.
func matchStage(spec kindSpec, q Query) bson.D {
	var match bson.D

	if len(q.Status) > 0 {
		match = append(match, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: q.Status}}})
	} else {
		match = append(match, bson.E{Key: "status", Value: bson.D{{Key: "$ne", Value: StatusDeleted}}})
	}

	fields := make([]string, 0, len(q.Filters))
	for field := range q.Filters {
		if field != "status" {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	for _, field := range fields {
		match = append(match, bson.E{Key: field, Value: q.Filters[field].expr()})
	}

	if or := searchClause(spec, q.SearchKey); or != nil {
		match = append(match, bson.E{Key: "$or", Value: or})
	}

	if q.FromDate != nil || q.ToDate != nil {
		var created bson.D
		if q.FromDate != nil {
			created = append(created, bson.E{Key: "$gte", Value: *q.FromDate})
		}
		if q.ToDate != nil {
			created = append(created, bson.E{Key: "$lte", Value: *q.ToDate})
		}
		match = append(match, bson.E{Key: "created", Value: created})
	}

	return match
}

func (p Predicate) expr() interface{} {
	if p.op == "" {
		return p.value
	}
	return bson.D{{Key: p.op, Value: p.value}}
}

// searchClause matches key literally against every search field. Regex
// metacharacters in key are escaped.
func searchClause(spec kindSpec, key string) bson.A {
	if spec.normalizeSearch != nil {
		key = spec.normalizeSearch(key)
	}
	key = strings.TrimSpace(key)
	if key == "" || len(spec.searchFields) == 0 {
		return nil
	}

	pattern := primitive.Regex{Pattern: regexp.QuoteMeta(key), Options: "i"}
	or := make(bson.A, 0, len(spec.searchFields))
	for _, field := range spec.searchFields {
		or = append(or, bson.D{{Key: field, Value: pattern}})
	}
	return or
}

// sortStage always ends on _id so documents with equal sort keys keep a
// stable order across pages.
func sortStage(s *Sort, geo bool) bson.D {
	var stage bson.D
	if geo {
		stage = append(stage, bson.E{Key: "distance", Value: 1})
	}
	if s != nil && s.Field != "" && !(geo && s.Field == "distance") {
		dir := s.Direction
		if dir != Ascending {
			dir = Descending
		}
		stage = append(stage, bson.E{Key: s.Field, Value: int(dir)})
	} else {
		stage = append(stage, bson.E{Key: "created", Value: -1})
	}
	if s != nil && s.Field == "_id" {
		return stage
	}
	return append(stage, bson.E{Key: "_id", Value: -1})
}
