package httpapi

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

func (s *server) dashboard(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	from, err := dateParam(params, "fromDate", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := dateParam(params, "toDate", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if from == nil || to == nil {
		s.writeError(w, r, errors.Wrap(errBadRequest, "fromDate and toDate are required"))
		return
	}

	d, err := s.engine.Dashboard(r.Context(), *from, *to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
