package trigger

import (
	"errors"
	"time"

	"taskd/pkg/sched"
	"taskd/pkg/zlog"
)

// ErrRateLimited marks a firing dropped by the submission rate cap.
var ErrRateLimited = errors.New("submission rate limit exceeded")

const submitWarnThrottle = 5 * time.Second

// fire runs on the cron goroutine for every schedule tick.
func (s *Service) fire(name string, submit func() error) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if lim != nil && !lim.Allow() {
		s.reportSubmitError(name, ErrRateLimited)
		return
	}
	if err := submit(); err != nil {
		s.reportSubmitError(name, err)
	}
}

// reportSubmitError logs a failed firing. Shutdown rejections stay at debug;
// everything else warns, throttled per schedule so a hot misconfigured job
// cannot flood the log.
func (s *Service) reportSubmitError(name string, err error) {
	if err == nil {
		return
	}
	// The scheduler refuses new work during shutdown; that is normal.
	if errors.Is(err, sched.ErrSchedulerCancelled) {
		s.log.Debug("schedule trigger skipped", zlog.String("schedule", name), zlog.Err(err))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("schedule failed to submit", zlog.String("schedule", name), zlog.Err(err))
}
