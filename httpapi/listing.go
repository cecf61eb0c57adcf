package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DEEJ4Y/servicehub/jobs"
	"github.com/DEEJ4Y/servicehub/listing"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
)

// document decodes nested documents as maps so rows encode to plain JSON
// objects.
type document map[string]interface{}

func (d *document) UnmarshalBSON(data []byte) error {
	dec, err := bson.NewDecoder(bsonrw.NewBSONDocumentReader(data))
	if err != nil {
		return err
	}
	dec.DefaultDocumentM()
	m := make(map[string]interface{})
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*d = m
	return nil
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	kind, err := listing.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	params := r.URL.Query()
	q, err := parseQuery(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := applyKindFilters(kind, &q, params, r.Header); err != nil {
		s.writeError(w, r, err)
		return
	}

	if kind == listing.KindJobs {
		page, err := listing.Paginate[jobs.Job](r.Context(), s.engine, kind, q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	page, err := listing.Paginate[document](r.Context(), s.engine, kind, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// parseQuery reads the parameters shared by every listing.
func parseQuery(params url.Values) (listing.Query, error) {
	var q listing.Query
	var err error

	if q.PageNo, err = intParam(params, "pageNo"); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(params, "limit"); err != nil {
		return q, err
	}
	q.SearchKey = params.Get("searchKey")
	q.Status = listing.SplitList(params["status"])

	if q.FromDate, err = dateParam(params, "fromDate", false); err != nil {
		return q, err
	}
	if q.ToDate, err = dateParam(params, "toDate", true); err != nil {
		return q, err
	}

	if field := params.Get("sortBy"); field != "" {
		dir := listing.Descending
		if order := params.Get("sortOrder"); order != "" {
			var ok bool
			if dir, ok = listing.ParseDirection(order); !ok {
				return q, errors.Wrapf(errBadRequest, "invalid sortOrder %q", order)
			}
		}
		q.Sort = &listing.Sort{Field: field, Direction: dir}
	}

	lat, lng := params.Get("coordinatesLatitude"), params.Get("coordinatesLongitude")
	if lat != "" || lng != "" {
		geo, err := geoParams(lat, lng, params.Get("maxDistance"))
		if err != nil {
			return q, err
		}
		q.Geo = geo
	}

	if q.WantTotalCount, err = boolParam(params, "totalCount"); err != nil {
		return q, err
	}
	if q.Collation, err = boolParam(params, "collation"); err != nil {
		return q, err
	}
	return q, nil
}

// applyKindFilters adds the conditions particular to each listing.
func applyKindFilters(kind listing.Kind, q *listing.Query, params url.Values, header http.Header) error {
	switch kind {
	case listing.KindJobs:
		return listing.JobFilters(q, listParam(params, "category"), listParam(params, "priority"))
	case listing.KindRequests:
		completed, err := boolParam(params, "isCompleted")
		if err != nil {
			return err
		}
		active, err := boolParam(params, "isActive")
		if err != nil {
			return err
		}
		return listing.RequestFilters(q, params.Get("userId"), completed, active)
	case listing.KindReports:
		return listing.ReportFilters(q, header.Get(HeaderUserID), header.Get(HeaderUserType))
	case listing.KindUsers:
		return listing.UserFilters(q, header.Get(HeaderUserID))
	}
	return nil
}

func intParam(params url.Values, name string) (int, error) {
	v := params.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(errBadRequest, "invalid %s %q", name, v)
	}
	return n, nil
}

func boolParam(params url.Values, name string) (bool, error) {
	v := params.Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(errBadRequest, "invalid %s %q", name, v)
	}
	return b, nil
}

// listParam returns nil when name is absent so the filter is skipped, and
// the raw values otherwise.
func listParam(params url.Values, name string) []string {
	values, ok := params[name]
	if !ok {
		return nil
	}
	return values
}

const dateLayout = "2006-01-02"

// dateParam accepts epoch milliseconds, RFC 3339 timestamps or plain dates.
// A plain date used as an upper bound covers the whole day.
func dateParam(params url.Values, name string, endOfDay bool) (*time.Time, error) {
	v := strings.TrimSpace(params.Get(name))
	if v == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, errors.Wrapf(errBadRequest, "invalid %s %q", name, v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return &t, nil
}

func geoParams(lat, lng, maxDistance string) (*listing.GeoNear, error) {
	if lat == "" || lng == "" {
		return nil, errors.Wrap(errBadRequest, "coordinatesLatitude and coordinatesLongitude go together")
	}
	latitude, err := strconv.ParseFloat(lat, 64)
	if err != nil || latitude < -90 || latitude > 90 {
		return nil, errors.Wrapf(errBadRequest, "invalid coordinatesLatitude %q", lat)
	}
	longitude, err := strconv.ParseFloat(lng, 64)
	if err != nil || longitude < -180 || longitude > 180 {
		return nil, errors.Wrapf(errBadRequest, "invalid coordinatesLongitude %q", lng)
	}
	geo := &listing.GeoNear{Latitude: latitude, Longitude: longitude}
	if maxDistance != "" {
		d, err := strconv.ParseFloat(maxDistance, 64)
		if err != nil || d <= 0 {
			return nil, errors.Wrapf(errBadRequest, "invalid maxDistance %q", maxDistance)
		}
		geo.MaxDistanceMeters = d
	}
	return geo, nil
}
