// Package health monitors service dependencies with cached, non-blocking
// status flags updated by periodic background probes.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Checker is implemented by component-level checkers.
type Checker interface {
	Name() string
	IsHealthy() bool
	Start(ctx context.Context, interval time.Duration)
}

// Probe is a Checker driven by a single function. It starts unhealthy until
// the first successful probe.
type Probe struct {
	name    string
	fn      func(context.Context) error
	timeout time.Duration
	healthy atomic.Int32
	log     zerolog.Logger
}

func NewProbe(name string, timeout time.Duration, log zerolog.Logger, fn func(context.Context) error) *Probe {
	return &Probe{name: name, fn: fn, timeout: timeout, log: log}
}

func (p *Probe) Name() string { return p.name }

// IsHealthy returns the cached status without probing.
func (p *Probe) IsHealthy() bool { return p.healthy.Load() == 1 }

// Start probes immediately and then on every tick until ctx is done.
func (p *Probe) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		to := p.timeout
		if to <= 0 {
			to = 2 * time.Second
		}
		probeCtx, cancel := context.WithTimeout(ctx, to)
		defer cancel()

		if err := p.fn(probeCtx); err != nil {
			p.healthy.Store(0)
			p.log.Error().Str("checker", p.name).Err(err).Msg("health probe failed")
			return
		}
		p.healthy.Store(1)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Service aggregates component checkers into one service-level flag.
type Service struct {
	healthy atomic.Int32
	deps    []Checker
	log     zerolog.Logger
}

func NewService(log zerolog.Logger, deps ...Checker) *Service {
	return &Service{deps: deps, log: log}
}

// IsHealthy returns cached service health.
func (s *Service) IsHealthy() bool { return s.healthy.Load() == 1 }

// Components reports each dependency's cached status by name.
func (s *Service) Components() map[string]bool {
	out := make(map[string]bool, len(s.deps))
	for _, c := range s.deps {
		out[c.Name()] = c.IsHealthy()
	}
	return out
}

// Start launches every dependency checker and re-evaluates the aggregate
// flag on the given interval, logging transitions.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	for _, c := range s.deps {
		go c.Start(ctx, interval)
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := int32(-1)
		eval := func() {
			all := int32(1)
			for _, c := range s.deps {
				if !c.IsHealthy() {
					all = 0
				}
			}
			s.healthy.Store(all)
			if all != prev {
				if all == 1 {
					s.log.Info().Msg("service health: UP")
				} else {
					s.log.Warn().Msg("service health: DOWN")
				}
				prev = all
			}
		}

		eval()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eval()
			}
		}
	}()
}
