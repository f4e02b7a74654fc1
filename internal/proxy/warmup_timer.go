package proxy

import "time"

// warmupPollFallback is used to rearm the timer when no backend has a
// pending warmup deadline, so the timer channel never sits disabled for
// the lifetime of a long session (a fresh backend's deadline always
// arrives well within this window).
const warmupPollFallback = time.Hour

// rearmWarmupTimer resets timer to fire at the nearest outstanding
// warmup deadline across every live backend, or warmupPollFallback if
// none are still Warming (spec.md §5's "nearest-warmup-deadline timer").
func (p *Proxy) rearmWarmupTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	var nearest time.Time
	for _, e := range p.pool.Snapshot() {
		if e.Process == nil || e.Process.Warmup == nil {
			continue
		}
		dl := e.Process.Warmup.Deadline()
		if dl.IsZero() {
			continue // already Ready
		}
		if nearest.IsZero() || dl.Before(nearest) {
			nearest = dl
		}
	}

	if nearest.IsZero() {
		timer.Reset(warmupPollFallback)
		return
	}
	d := time.Until(nearest)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// handleWarmupDeadline fires when the nearest warmup deadline elapses:
// every backend whose deadline has passed and is still Warming fails
// open, draining its queue onto its own stdin (spec.md §4.10).
func (p *Proxy) handleWarmupDeadline() {
	now := time.Now()
	for _, e := range p.pool.Snapshot() {
		if e.Process == nil || e.Process.Warmup == nil {
			continue
		}
		dl := e.Process.Warmup.Deadline()
		if dl.IsZero() || dl.After(now) {
			continue
		}
		drained := e.Process.Warmup.Drain()
		if len(drained) == 0 {
			continue
		}
		p.log.WithField("venv", e.Key).WithField("count", len(drained)).Info("warmup timed out, flushing queued requests")
		for _, q := range drained {
			if err := e.Process.WriteFrame(q.Frame); err != nil {
				p.log.WithError(err).Warn("flush warmup-queued request on timeout failed")
			}
		}
	}
}
