package fleet

import (
	"context"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Run drives the background loops until ctx is done: the health monitor,
// the session sweeper and, when discovery.schedule is set, scheduled
// rediscovery.
func (f *Fleet) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.monitor.Run(ctx) })
	g.Go(func() error { return f.sessions.Run(ctx, f.cfg.SessionSweepInterval) })
	if f.cfg.Discovery.Schedule != "" {
		g.Go(func() error { return f.runDiscovery(ctx) })
	}
	f.log.Info("fleet running",
		"health_check_interval", f.cfg.HealthCheckInterval,
		"session_sweep_interval", f.cfg.SessionSweepInterval,
		"discovery_schedule", f.cfg.Discovery.Schedule,
	)
	return g.Wait()
}

func (f *Fleet) runDiscovery(ctx context.Context) error {
	schedule, err := parseSchedule(f.cfg.Discovery.Schedule)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := f.DiscoverTools(ctx, nil, f.cfg.Discovery.Recursive); err != nil {
			f.log.Error("scheduled discovery failed", "error", err)
		}
	}))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
