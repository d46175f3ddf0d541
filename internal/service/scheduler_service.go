package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"bishkek-meetup/internal/logger"
)

// SchedulerService wraps cron-based jobs.
type SchedulerService struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

func NewSchedulerService(loc *time.Location) *SchedulerService {
	return &SchedulerService{
		cron:   cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		logger: logger.Component("scheduler"),
	}
}

func (s *SchedulerService) Start() {
	s.cron.Start()
}

func (s *SchedulerService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// ScheduleInterval registers a periodic job every given duration.
func (s *SchedulerService) ScheduleInterval(interval time.Duration, job func()) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	// Convert to cron spec: every N seconds.
	seconds := int(interval.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	spec := fmt.Sprintf("@every %ds", seconds)
	return s.cron.AddFunc(spec, job)
}

// ScheduleSweep runs fn every interval with a bounded context and logs failures.
func (s *SchedulerService) ScheduleSweep(name string, interval time.Duration, fn func(ctx context.Context) error) (cron.EntryID, error) {
	timeout := interval
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	return s.ScheduleInterval(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("job", name).Msg("sweep failed")
		}
	})
}
