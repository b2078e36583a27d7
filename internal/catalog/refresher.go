package catalog

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Start loads the first snapshot and schedules a refresh every TTL. A
// failing initial load is logged, not returned, so the gateway can come up
// while the model store is down.
func (c *Catalog) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial catalog load failed", "error", err)
	}
	if c.ttl <= 0 {
		return nil
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.ttl), func() {
		if _, err := c.Refresh(c.baseCtx); err != nil {
			c.logger.Warn("scheduled catalog refresh failed", "error", err)
		}
	}); err != nil {
		c.cron = nil
		return fmt.Errorf("schedule catalog refresh: %w", err)
	}
	c.cron.Start()
	c.logger.Info("catalog refresher started", "ttl", c.ttl)
	return nil
}

// Stop halts scheduled refreshes and waits for a running one to finish.
func (c *Catalog) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.cron = nil
	c.logger.Info("catalog refresher stopped")
}
