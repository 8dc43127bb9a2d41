package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
)

// supervisor owns one service replica: it starts the process, waits for it
// and restarts it within the restart budget
type supervisor struct {
	agent  *Agent
	id     string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	desc types.ServiceDescriptor
}

func newSupervisor(a *Agent, desc types.ServiceDescriptor) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	desc.Restarts = 0
	desc.Fatal = false
	desc.Spec = desc.Spec.Clone()
	return &supervisor{
		agent:  a,
		id:     desc.ID(),
		logger: a.logger.With().Str("service_id", desc.ID()).Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		desc:   desc,
	}
}

func (s *supervisor) run() {
	defer close(s.done)

	cfg := s.agent.cfg
	crashes := 0
	for {
		startedAt := time.Now()
		proc, err := s.agent.runner.Start(s.ctx, s.snapshot())
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrInvalidService) {
				s.logger.Error().Err(err).Msg("Service cannot be launched")
				s.finish(types.StateInactive, crashes)
				return
			}
			s.logger.Warn().Err(err).Msg("Failed to start service")
		} else {
			desc := s.update(func(d *types.ServiceDescriptor) {
				d.State = types.StateRunning
				d.Restarts = crashes
			})
			s.agent.report(desc)

			err = proc.Wait()
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Dur("uptime", time.Since(startedAt)).Msg("Service exited unexpectedly")
		}

		crashes++
		uptime := time.Since(startedAt)
		if crashes >= cfg.MaxRestarts {
			s.logger.Error().Int("crashes", crashes).Msg("Restart limit reached, service will not be restarted")
			s.finish(types.StateInactiveNoStart, crashes-1)
			return
		}
		if cfg.MinUptime > 0 && crashes > 1 && uptime < cfg.MinUptime {
			s.logger.Error().
				Dur("uptime", uptime).
				Dur("min_uptime", cfg.MinUptime).
				Msg("Service failed too quickly, it will not be restarted")
			s.finish(types.StateInactiveNoStart, crashes-1)
			return
		}

		metrics.ProcessRestartsTotal.WithLabelValues(s.snapshot().Spec.Name).Inc()
		select {
		case <-time.After(cfg.RestartWait):
		case <-s.ctx.Done():
			return
		}
		s.logger.Info().Int("attempt", crashes).Msg("Restarting service")
	}
}

// finish marks the descriptor fatal, reports it and ends supervision
func (s *supervisor) finish(state types.State, restarts int) {
	desc := s.update(func(d *types.ServiceDescriptor) {
		d.State = state
		d.Fatal = true
		d.Restarts = restarts
	})
	s.agent.release(s)
	s.agent.report(desc)
}

// stop cancels the process and waits up to timeout for supervision to end
func (s *supervisor) stop(timeout time.Duration) {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(timeout + time.Second):
		s.logger.Warn().Dur("timeout", timeout).Msg("Service did not stop in time")
	}
}

func (s *supervisor) update(fn func(*types.ServiceDescriptor)) types.ServiceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.desc)
	return s.copyLocked()
}

func (s *supervisor) setState(state types.State) types.ServiceDescriptor {
	return s.update(func(d *types.ServiceDescriptor) { d.State = state })
}

func (s *supervisor) snapshot() types.ServiceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *supervisor) copyLocked() types.ServiceDescriptor {
	desc := s.desc
	desc.Spec = desc.Spec.Clone()
	return desc
}
