package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Start schedules SyncToCloud every Interval. A tick is skipped while any
// sync, scheduled or explicit, is running. Start is a no-op when sync is
// disabled in the configuration.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.logger.Info("cloud sync disabled")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduler != nil {
		return errors.New("cloudsync: already started")
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create sync scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.cfg.Interval),
		gocron.NewTask(func() { c.tick(ctx) }),
		gocron.WithName("cloud-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule sync: %w", err)
	}
	s.Start()
	c.scheduler = s
	c.logger.Info("cloud sync scheduled", "interval", c.cfg.Interval)
	return nil
}

// Stop shuts the scheduler down, waiting for a running tick to finish.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	s := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

func (c *Coordinator) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if c.InProgress() {
		c.logger.Debug("sync tick skipped: sync in progress")
		return
	}
	if c.creds != nil {
		if cr, ok := c.creds.Credentials(); ok && !cr.SyncEnabled {
			c.logger.Debug("sync tick skipped: disabled for account")
			return
		}
	}
	if _, err := c.SyncToCloud(ctx); err != nil {
		c.logger.Debug("scheduled sync failed", "error", err)
	}
}
