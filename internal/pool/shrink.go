package pool

import (
	"context"
	"time"
)

// StartShrinking runs the timed shrinking task until the pool is closed. The
// task asks the pool to close idle holders past max_idle_time and to restore
// min_pool_size afterwards; an error never stops the schedule.
func (p *Pool) StartShrinking(interval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := p.Shrink(); err != nil {
					p.log.Warn().Err(err).Msg("error while trying to shrink pool")
				}
			}
		}
	}()
}

// Shrink evicts idle holders that have exceeded max_idle_time, then creates
// new holders to maintain the min_pool_size threshold.
func (p *Pool) Shrink() error {
	p.evictStale()
	return p.ensureMinPoolSize()
}

// evictStale removes idle holders whose last release is older than
// max_idle_time.
func (p *Pool) evictStale() {
	if p.def.MaxIdleTime == 0 {
		return
	}

	p.mu.Lock()
	remaining := p.idle[:0]
	var stale []*PooledConnection
	for _, h := range p.idle {
		if time.Since(h.LastReleaseDate()) > p.def.MaxIdleTime {
			delete(p.all, h)
			stale = append(stale, h)
		} else {
			remaining = append(remaining, h)
		}
	}
	p.idle = remaining
	p.updateGauges()
	p.mu.Unlock()

	for _, h := range stale {
		if err := h.Close(); err != nil {
			p.log.Warn().Err(err).Msg("error closing stale connection")
		}
	}
	if len(stale) > 0 {
		p.log.Info().Int("evicted", len(stale)).Msg("evicted stale connections")
	}
}

// ensureMinPoolSize creates new holders to reach min_pool_size, within the
// max_pool_size headroom.
func (p *Pool) ensureMinPoolSize() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	deficit := p.def.MinPoolSize - len(p.idle)
	if headroom := p.def.MaxPoolSize - len(p.all); deficit > headroom {
		deficit = headroom
	}
	p.mu.Unlock()

	if deficit <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created := 0
	for i := 0; i < deficit; i++ {
		if !p.acquireSlot(ctx) {
			break
		}
		h, err := p.createHolder(ctx)
		if err != nil {
			p.releaseSlot()
			return err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return h.Close()
		}
		p.all[h] = struct{}{}
		p.idle = append(p.idle, h)
		p.updateGauges()
		p.mu.Unlock()
		created++
	}

	if created > 0 {
		p.log.Info().Int("created", created).Msg("replenished idle connections")
	}
	return nil
}
