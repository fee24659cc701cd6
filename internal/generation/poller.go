package generation

import (
	"time"

	"vnhis2image/internal/backend"
)

// poll reports progress for ep until its context ends. The first report is
// requested immediately.
func (c *Controller) poll(ep *Episode) {
	defer close(ep.pollerDone)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		c.pollOnce(ep)
		select {
		case <-ep.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) pollOnce(ep *Episode) {
	if ep.ctx.Err() != nil {
		return
	}
	p, err := c.backend.Progress(ep.ctx)
	if err != nil {
		if ep.ctx.Err() == nil {
			c.logger.Debug("progress poll failed", "episode", ep.ID, "err", err)
		}
		return
	}
	c.applyProgress(ep, p)
}

// applyProgress is a no-op unless ep is still the current, active episode.
func (c *Controller) applyProgress(ep *Episode, p backend.Progress) bool {
	c.mu.Lock()
	if c.episode != ep || c.state != Active {
		c.mu.Unlock()
		return false
	}
	c.progress = normalize(c.progress, p)
	c.updatedAt = time.Now()
	c.mu.Unlock()

	c.notify()
	return true
}
