package server

import (
	"context"
	"time"

	"github.com/gorhill/cronexpr"
)

// scheduler re-runs saved topics on their cron schedules.
type scheduler struct {
	srv  *Server
	runs *RunsHandler
}

func newScheduler(s *Server, runs *RunsHandler) *scheduler {
	return &scheduler{srv: s, runs: runs}
}

// Run ticks once a minute and launches any topic whose next fire time
// since its last run has passed.
func (s *scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *scheduler) tick(ctx context.Context, now time.Time) {
	topics, err := s.srv.st.ListTopics(ctx)
	if err != nil {
		s.srv.logger.Printf("scheduler: listing topics failed: %v", err)
		return
	}
	for _, t := range topics {
		if t.CronExpr == "" {
			continue
		}
		expr, err := cronexpr.Parse(t.CronExpr)
		if err != nil {
			continue
		}
		last := t.LastRunAt
		if last.IsZero() {
			last = t.CreatedAt
		}
		next := expr.Next(last)
		if next.IsZero() || next.After(now) {
			continue
		}
		s.srv.logger.Printf("scheduler: launching topic %s (%q)", t.ID, t.Query)
		s.runs.launch(t.Query)
		if err := s.srv.st.TouchTopic(ctx, t.ID, now); err != nil {
			s.srv.logger.Printf("scheduler: touching topic %s failed: %v", t.ID, err)
		}
	}
}
