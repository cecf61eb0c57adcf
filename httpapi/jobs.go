package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/DEEJ4Y/servicehub/jobs"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
)

type scheduleRequest struct {
	Schedule instant `json:"schedule"`
}

// instant is a point in time sent either as an RFC 3339 string or as a
// number of epoch milliseconds.
type instant time.Time

func (i *instant) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(b, &t); err != nil {
			return err
		}
		*i = instant(t)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return errors.Newf("expected an RFC 3339 string or epoch milliseconds, got %s", b)
	}
	*i = instant(time.UnixMilli(ms).UTC())
	return nil
}

func (i instant) Time() time.Time { return time.Time(i) }

type statusRequest struct {
	Status jobs.Status `json:"status"`
}

type schedulableJob struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	JobIDString string `json:"jobIdString,omitempty"`
}

func (s *server) scheduleJob(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Schedule.Time().IsZero() {
		s.writeError(w, r, errors.Wrap(errBadRequest, "schedule is required"))
		return
	}

	job, err := s.scheduler.Schedule(r.Context(), mux.Vars(r)["jobId"], req.Schedule.Time())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) updateJobStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.scheduler.UpdateStatus(r.Context(), mux.Vars(r)["jobId"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) listSchedulable(w http.ResponseWriter, r *http.Request) {
	list, err := s.scheduler.ListSchedulable(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]schedulableJob, len(list))
	for i, job := range list {
		out[i] = schedulableJob{ID: job.ID.Hex(), Title: job.Title, JobIDString: job.JobIDString}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

const maxBodyBytes = 1 << 16

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(errBadRequest, "invalid body: %v", err)
	}
	return nil
}
