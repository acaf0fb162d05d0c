package stream

import (
	"context"
	"time"
)

// monitor checks the connection every HealthCheckInterval, reconnecting when
// it is not READY and evicting submissions older than MaxPendingAge.
func (c *Client) monitor() {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	degraded := c.State() != StateReady
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		degraded = c.checkHealth(degraded)
	}
}

// checkHealth runs one monitor pass and returns whether the stream is still degraded.
func (c *Client) checkHealth(degraded bool) bool {
	if c.cfg.MaxPendingAge > 0 {
		if n := c.pending.EvictOlderThan(c.cfg.MaxPendingAge); n > 0 {
			completionsTotal.WithLabelValues(resultEvicted).Add(float64(n))
			c.logger.Warn("evicted stale workflow requests", "count", n, "max_age", c.cfg.MaxPendingAge)
		}
	}
	pendingRequests.Set(float64(c.pending.Len()))

	if c.closed.Load() {
		return true
	}
	// Any state but READY, including a conn the server shut down, reconnects.
	st := c.State()
	if st == StateReady {
		if degraded {
			c.logger.Info("stream connection recovered")
		}
		return false
	}

	c.logger.Warn("stream not ready, reconnecting", "state", st.String())
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()
	if err := c.Reconnect(ctx); err != nil {
		return true
	}
	if c.State() == StateReady {
		c.logger.Info("stream connection recovered")
		return false
	}
	return true
}
