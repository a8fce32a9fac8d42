// Package scheduler pre-warms the calendar cache on a cron schedule so that
// subscribers rarely wait on WebUntis.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "icsuntis/internal/log"
	"icsuntis/internal/webuntis"
)

// ErrNoCredentials is returned when a schedule is given without a complete
// default identity to refresh.
var ErrNoCredentials = errors.New("scheduled refresh needs webuntis_server, webuntis_school, webuntis_username and webuntis_password")

const runTimeout = 2 * time.Minute

// Refresher regenerates the calendar for an identity.
type Refresher interface {
	Refresh(ctx context.Context, creds webuntis.Credentials) error
}

// Scheduler runs Refresh for one identity on a cron spec.
type Scheduler struct {
	cron      *cron.Cron
	schedule  cron.Schedule
	loc       *time.Location
	refresher Refresher
	creds     webuntis.Credentials
	spec      string
}

// New validates spec (standard five-field cron, or descriptors like
// "@every 10m") and builds a stopped scheduler evaluated in loc.
func New(spec string, loc *time.Location, refresher Refresher, creds webuntis.Credentials) (*Scheduler, error) {
	if missing := creds.Missing(); len(missing) > 0 {
		return nil, ErrNoCredentials
	}
	if loc == nil {
		loc = time.Local
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}

	s := &Scheduler{
		schedule:  schedule,
		loc:       loc,
		refresher: refresher,
		creds:     creds,
		spec:      spec,
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	s.cron.Schedule(schedule, cron.FuncJob(s.Run))
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	appLog.Info("refresh scheduler started", "spec", s.spec, "next", s.Next(time.Now()).Format(time.RFC3339))
}

// Stop stops the scheduler and waits for a running refresh, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		appLog.Warn("refresh still running at shutdown")
	}
}

// Next reports the first run strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.loc))
}

// Run performs one refresh.
func (s *Scheduler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	started := time.Now()
	if err := s.refresher.Refresh(ctx, s.creds); err != nil {
		appLog.Error("scheduled refresh failed", err, "school", s.creds.School)
		return
	}
	appLog.Info("scheduled refresh done", "duration", time.Since(started).String())
}

// cronLogger routes cron's own logging through the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
