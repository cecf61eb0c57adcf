package listing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dashboard holds record counts over a created-date range.
type Dashboard struct {
	TotalJobs     int64 `json:"totalJobs"`
	ActiveJobs    int64 `json:"activeJobs"`
	CompletedJobs int64 `json:"completedJobs"`
	CancelledJobs int64 `json:"cancelledJobs"`
	TotalUsers    int64 `json:"totalUsers"`
	ActiveUsers   int64 `json:"activeUsers"`
	BlockedUsers  int64 `json:"blockedUsers"`
}

type dashboardCount struct {
	kind   Kind
	status []string
	dst    *int64
}

// Dashboard counts jobs and users created in [from, to]. Totals exclude
// deleted records. Every count runs concurrently through Store.Count using
// the same $match a listing with those bounds would use.
func (e *Engine) Dashboard(ctx context.Context, from, to time.Time) (*Dashboard, error) {
	if to.Before(from) {
		return nil, errors.Wrapf(ErrInvalidParam, "toDate %s is before fromDate %s",
			to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	var d Dashboard
	counts := []dashboardCount{
		{KindJobs, nil, &d.TotalJobs},
		{KindJobs, []string{"SCHEDULED", "IN_PROGRESS"}, &d.ActiveJobs},
		{KindJobs, []string{"COMPLETED"}, &d.CompletedJobs},
		{KindJobs, []string{"CANCELED"}, &d.CancelledJobs},
		{KindUsers, nil, &d.TotalUsers},
		{KindUsers, []string{"UN_BLOCKED"}, &d.ActiveUsers},
		{KindUsers, []string{"BLOCKED"}, &d.BlockedUsers},
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range counts {
		c := c
		g.Go(func() error {
			q := Query{Status: c.status, FromDate: &from, ToDate: &to}
			n, err := e.store.Count(gctx, c.kind, Build(c.kind, q).Count())
			if err != nil {
				return errors.Wrapf(err, "count %s %v", c.kind, c.status)
			}
			*c.dst = n
			return nil
		})
	}
	err := g.Wait()
	if e.observer != nil {
		e.observer.ObserveListing("dashboard", time.Since(started), err)
	}
	if err != nil {
		e.log.Debug("dashboard failed", zap.Error(err))
		return nil, err
	}
	return &d, nil
}
