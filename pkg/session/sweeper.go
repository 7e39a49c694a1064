package session

import (
	"fmt"

	"github.com/prontohq/pronto/pkg/ident"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically expires sessions that have been idle past the
// registry's TTL.
type Sweeper struct {
	registry *Registry
	cron     *cron.Cron
}

// NewSweeper schedules an idle-expiry sweep on the given cron spec
// (for example "@every 1m").
func NewSweeper(registry *Registry, spec string) (*Sweeper, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if spec == "" {
		spec = "@every 1m"
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, registry.SweepIdle); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	return &Sweeper{registry: registry, cron: c}, nil
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the sweep schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SweepIdle expires every session idle longer than the registry TTL.
func (r *Registry) SweepIdle() {
	now := ident.Now()

	r.mu.Lock()
	var stale []string
	for id, sess := range r.sessions {
		if sess.Expired() {
			continue
		}
		if now.Sub(sess.LastActivity()) > r.idleTTL {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Info().Str("session_id", id).Msg("Expiring idle session")
		r.Expire(id)
	}
}
