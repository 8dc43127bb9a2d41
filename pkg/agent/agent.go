package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/codec"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/membership"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
)

var (
	// ErrInvalidService marks a launch that can never succeed as configured
	ErrInvalidService = errors.New("invalid service")
	// ErrNotSupervised is returned for a service this agent is not running
	ErrNotSupervised = errors.New("service not supervised")
)

// Config holds agent configuration
type Config struct {
	Host      string
	Transport membership.Transport
	// Runner starts processes; defaults to an ExecRunner
	Runner Runner

	MaxRestarts  int
	RestartWait  time.Duration
	ShutdownWait time.Duration
	// MinUptime makes a restarted process that exits sooner fatal. Zero
	// disables the check.
	MinUptime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.RestartWait <= 0 {
		c.RestartWait = 2 * time.Second
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 5 * time.Second
	}
	if c.Runner == nil {
		c.Runner = NewExecRunner(c.ShutdownWait)
	}
}

// Agent supervises the service processes of one host on behalf of the
// controller
type Agent struct {
	cfg       Config
	transport membership.Transport
	runner    Runner
	logger    zerolog.Logger

	mu          sync.Mutex
	supervisors map[string]*supervisor
	started     bool
	hooked      bool
}

// New creates an agent for cfg.Host
func New(cfg Config) (*Agent, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("agent requires a host name")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("agent requires a membership transport")
	}
	cfg.setDefaults()

	return &Agent{
		cfg:         cfg,
		transport:   cfg.Transport,
		runner:      cfg.Runner,
		logger:      log.WithHost("agent", cfg.Host),
		supervisors: make(map[string]*supervisor),
	}, nil
}

// Host returns the host this agent manages
func (a *Agent) Host() string {
	return a.cfg.Host
}

// Start joins the group and begins handling commands
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	if !a.hooked {
		a.transport.OnMessage(a.handleMessage)
		a.hooked = true
	}
	a.mu.Unlock()

	if err := a.transport.Join(ctx); err != nil {
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		return fmt.Errorf("failed to join group: %w", err)
	}

	a.logger.Info().
		Str("self", a.transport.Self().String()).
		Int("max_restarts", a.cfg.MaxRestarts).
		Msg("Agent started")
	return nil
}

// Stop terminates every supervised process, reports them Inactive and
// leaves the group
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	sups := make([]*supervisor, 0, len(a.supervisors))
	for id, s := range a.supervisors {
		sups = append(sups, s)
		delete(a.supervisors, id)
	}
	metrics.SupervisedProcesses.Set(0)
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sups {
		wg.Add(1)
		go func(s *supervisor) {
			defer wg.Done()
			a.terminate(s, types.StateShuttingDown)
		}(s)
	}
	wg.Wait()

	a.logger.Info().Int("stopped", len(sups)).Msg("Agent stopping")

	if err := a.transport.Leave(); err != nil {
		return fmt.Errorf("failed to leave group: %w", err)
	}
	return nil
}

func (a *Agent) handleMessage(from types.Address, payload []byte) {
	msg, err := codec.DecodeMessage(payload)
	if err != nil {
		a.logger.Warn().Err(err).Str("from", from.String()).Msg("Dropping undecodable message")
		return
	}
	if msg.Kind != types.MessageCommand {
		return
	}
	a.HandleCommand(*msg.Command)
}

// HandleCommand applies one controller command. It never blocks on process
// startup or termination.
func (a *Agent) HandleCommand(cmd types.ServiceCommand) {
	desc := cmd.Descriptor
	if desc.Host != a.cfg.Host {
		a.logger.Debug().Str("service_id", desc.ID()).Msg("Ignoring command for another host")
		return
	}

	switch cmd.State {
	case types.StateLaunching:
		a.launch(desc)
	case types.StateShuttingDown, types.StateShuttingDownNoRestart, types.StateDelete:
		a.shutdown(desc, cmd.State)
	default:
		a.logger.Warn().
			Str("service_id", desc.ID()).
			Str("state", cmd.State.String()).
			Msg("Unsupported command state")
	}
}

func (a *Agent) launch(desc types.ServiceDescriptor) {
	id := desc.ID()

	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	if _, ok := a.supervisors[id]; ok {
		a.mu.Unlock()
		a.logger.Debug().Str("service_id", id).Msg("Service already supervised, ignoring launch")
		return
	}
	s := newSupervisor(a, desc)
	a.supervisors[id] = s
	metrics.SupervisedProcesses.Set(float64(len(a.supervisors)))
	a.mu.Unlock()

	a.logger.Info().Str("service_id", id).Msg("Launching service")
	go s.run()
}

func (a *Agent) shutdown(desc types.ServiceDescriptor, requested types.State) {
	id := desc.ID()

	a.mu.Lock()
	s, ok := a.supervisors[id]
	if ok {
		delete(a.supervisors, id)
		metrics.SupervisedProcesses.Set(float64(len(a.supervisors)))
	}
	a.mu.Unlock()

	if !ok {
		desc.State = types.ShutdownEndState(requested)
		a.logger.Debug().Str("service_id", id).Str("state", desc.State.String()).Msg("Service not running")
		a.report(desc)
		return
	}

	a.logger.Info().Str("service_id", id).Str("state", requested.String()).Msg("Shutting down service")
	go a.terminate(s, requested)
}

// terminate stops a supervisor and reports the end state of requested
func (a *Agent) terminate(s *supervisor, requested types.State) {
	s.stop(a.cfg.ShutdownWait)
	desc := s.setState(types.ShutdownEndState(requested))
	a.report(desc)
}

// release forgets s once its supervision has ended on its own
func (a *Agent) release(s *supervisor) {
	id := s.id

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.supervisors[id] == s {
		delete(a.supervisors, id)
		metrics.SupervisedProcesses.Set(float64(len(a.supervisors)))
	}
}

// ShutdownLocal stops a supervised service without restart, as if the
// controller had asked for it
func (a *Agent) ShutdownLocal(id string) error {
	a.mu.Lock()
	s, ok := a.supervisors[id]
	if ok {
		delete(a.supervisors, id)
		metrics.SupervisedProcesses.Set(float64(len(a.supervisors)))
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSupervised, id)
	}
	a.logger.Info().Str("service_id", id).Msg("Local shutdown requested")
	a.terminate(s, types.StateShuttingDownNoRestart)
	return nil
}

// SendHealthReports re-sends the descriptor of every supervised service.
// The caller owns the schedule.
func (a *Agent) SendHealthReports() {
	for _, desc := range a.Services() {
		a.report(desc)
	}
}

// Services returns the supervised descriptors sorted by id
func (a *Agent) Services() []types.ServiceDescriptor {
	a.mu.Lock()
	sups := make([]*supervisor, 0, len(a.supervisors))
	for _, s := range a.supervisors {
		sups = append(sups, s)
	}
	a.mu.Unlock()

	out := make([]types.ServiceDescriptor, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// report sends desc to every master in view
func (a *Agent) report(desc types.ServiceDescriptor) {
	data, err := codec.EncodeMessage(types.NewStatusMessage(desc))
	if err != nil {
		a.logger.Error().Err(err).Str("service_id", desc.ID()).Msg("Failed to encode status")
		return
	}

	masters := a.transport.CurrentView().Masters()
	if len(masters) == 0 {
		a.logger.Debug().Str("service_id", desc.ID()).Msg("No master in view, status not sent")
		return
	}
	for _, m := range masters {
		if err := a.transport.Send(m, data); err != nil {
			a.logger.Warn().
				Err(err).
				Str("master", m.String()).
				Str("service_id", desc.ID()).
				Msg("Failed to send status")
		}
	}
}
