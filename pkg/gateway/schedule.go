package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's logr-style calls to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

// cycleJob runs one bridge cycle. Ticks that arrive while a cycle is still
// running are skipped.
func (s *Service) cycleJob(ctx context.Context) cron.Job {
	logger := cronLogger{log: s.log.With("component", "gateway.cron")}

	return cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}

		s.cycleMu.Lock()
		defer s.cycleMu.Unlock()

		start := time.Now()
		ok := s.bridge.RunCycle(ctx)
		s.log.Info("Cycle finished", "ok", ok, "elapsed", time.Since(start).Round(time.Millisecond))
	}))
}

func (s *Service) startScheduler(ctx context.Context) *cron.Cron {
	logger := cronLogger{log: s.log.With("component", "gateway.cron")}
	c := cron.New(cron.WithLogger(logger))

	job := s.cycleJob(ctx)
	c.Schedule(s.schedule, job)
	c.Start()
	s.setScheduling(true)

	go job.Run()

	return c
}
