package soundkeep

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SupervisorState describes where the supervisor is in its lifecycle
type SupervisorState int32

const (
	StateStopped SupervisorState = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
)

func (s SupervisorState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

// EnumeratorFactory opens the platform audio stack. It is called on the supervisor's goroutine
// every time the session set is rebuilt, and the result is released on that same goroutine
type EnumeratorFactory func(logger *zap.SugaredLogger) (DeviceEnumerator, error)

// Supervisor keeps a silence session running on every render endpoint that should be kept alive.
// Only its main loop touches the session table; everybody else talks to it through the two signals
type Supervisor struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	newEnumerator EnumeratorFactory
	config        func() Config

	enumerator DeviceEnumerator
	subscribed bool
	sessions   map[string]*keepSession
	backoff    *retryBackoff

	shutdownSignal *Signal
	restartSignal  *Signal

	state atomic.Int32

	// kept is a copy of the session table's keys for readers outside the main loop
	keptLock sync.RWMutex
	kept     []string

	onSessionsChanged func(kept []string)
}

func NewSupervisor(logger *zap.SugaredLogger, newEnumerator EnumeratorFactory, config func() Config) *Supervisor {
	logger = logger.Named("supervisor")

	current := config()

	s := &Supervisor{
		logger:         logger,
		sessionLogger:  logger.Named("session"),
		newEnumerator:  newEnumerator,
		config:         config,
		sessions:       make(map[string]*keepSession),
		backoff:        newRetryBackoff(current.BackoffInitial(), current.BackoffMax()),
		shutdownSignal: NewSignal(),
		restartSignal:  NewSignal(),
	}

	logger.Debug("Created supervisor instance")

	return s
}

// FireRestart asks the main loop to rebuild the session set. Safe to call from any goroutine
func (s *Supervisor) FireRestart() {
	s.restartSignal.Set()
}

// FireShutdown asks the main loop to tear everything down and return. Safe to call from any goroutine
func (s *Supervisor) FireShutdown() {
	s.shutdownSignal.Set()
}

func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

func (s *Supervisor) setState(state SupervisorState) {
	prev := SupervisorState(s.state.Swap(int32(state)))
	if prev != state {
		s.logger.Debugw("Supervisor state changed", "from", prev, "to", state)
	}
}

// Sessions returns the IDs of the endpoints currently kept alive
func (s *Supervisor) Sessions() []string {
	s.keptLock.RLock()
	defer s.keptLock.RUnlock()

	return append([]string(nil), s.kept...)
}

// OnSessionsChanged registers a callback invoked from the main loop after every rebuild
func (s *Supervisor) OnSessionsChanged(callback func(kept []string)) {
	s.onSessionsChanged = callback
}

// Main blocks until FireShutdown is called, rebuilding the session set whenever a restart is requested.
// Only a failure of the very first start is returned as an error
func (s *Supervisor) Main() error {
	// COM apartments and the enumerator are bound to the OS thread that created them
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.logger.Info("Supervisor starting")

	if err := s.start(); err != nil {
		s.logger.Warnw("Failed to start supervisor", "error", err)
		return fmt.Errorf("start supervisor: %w", err)
	}

	tick := s.config().WaitTimeout()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for !s.shutdownSignal.IsSet() {
		select {
		case <-s.shutdownSignal.C():

		case <-s.restartSignal.C():
			if s.shutdownSignal.IsSet() {
				continue
			}

			// clear before rebuilding so requests made during the rebuild trigger another pass
			s.restartSignal.Clear()

			if err := s.restart(); err != nil {
				s.logger.Warnw("Failed to restart keep sessions, will retry", "error", err)
			}

			// config reloads come through here too
			if wait := s.config().WaitTimeout(); wait != tick {
				s.logger.Debugw("Wait timeout changed", "from", tick, "to", wait)
				tick = wait
				ticker.Reset(tick)
			}

		case <-ticker.C:
			if s.State() == StateStopped {
				s.logger.Debug("Supervisor is stopped, retrying start")
				s.FireRestart()
			} else if s.backoff.due() {
				s.logger.Debug("Retry back-off elapsed, rebuilding keep sessions")
				s.FireRestart()
			}
		}
	}

	s.logger.Info("Shutdown requested, stopping supervisor")

	if err := s.stop(); err != nil {
		s.logger.Warnw("Failed to stop supervisor cleanly", "error", err)
		return fmt.Errorf("stop supervisor: %w", err)
	}

	return nil
}

func (s *Supervisor) start() error {
	if s.State() == StateRunning {
		return nil
	}

	s.setState(StateStarting)

	if err := s.setup(); err != nil {
		s.teardown()
		s.setState(StateStopped)
		return err
	}

	s.setState(StateRunning)
	return nil
}

func (s *Supervisor) stop() error {
	if s.State() == StateStopped {
		return nil
	}

	s.setState(StateStopping)
	err := s.teardown()
	s.setState(StateStopped)

	return err
}

// restart rebuilds the session set from scratch instead of diffing it; topology changes are rare
func (s *Supervisor) restart() error {
	s.logger.Info("Restarting keep sessions")

	s.setState(StateRestarting)

	if err := s.teardown(); err != nil {
		// a stuck render thread is abandoned, the rest of the sessions are gone, carry on
		s.logger.Warnw("Keep sessions did not shut down cleanly", "error", err)
	}

	if err := s.setup(); err != nil {
		s.teardown()
		s.setState(StateStopped)
		return err
	}

	s.setState(StateRunning)
	return nil
}

func (s *Supervisor) setup() error {
	cfg := s.config()
	s.backoff.configure(cfg.BackoffInitial(), cfg.BackoffMax())

	enumerator, err := s.newEnumerator(s.logger)
	if err != nil {
		s.logger.Warnw("Failed to create device enumerator", "error", err)
		return fmt.Errorf("create device enumerator: %w", err)
	}
	s.enumerator = enumerator

	// subscribe before enumerating so no topology change falls between the two
	if err := enumerator.RegisterDeviceObserver(s); err != nil {
		s.logger.Warnw("Failed to register device notifications", "error", err)
		return fmt.Errorf("register device notifications: %w", err)
	}
	s.subscribed = true

	endpoints, err := enumerator.ActiveRenderEndpoints()
	if err != nil {
		s.logger.Warnw("Failed to enumerate render endpoints", "error", err)
		return fmt.Errorf("enumerate render endpoints: %w", err)
	}

	ids := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		ids = append(ids, endpoint.ID)
	}
	s.backoff.retain(ids)

	var defaultEndpointID string
	if cfg.KeepMode == KeepModeDefault {
		if defaultEndpointID, err = enumerator.DefaultRenderEndpoint(); err != nil {
			s.logger.Warnw("Failed to get default render endpoint, keeping nothing", "error", err)
		}
	}

	for _, endpoint := range cfg.policy().filter(endpoints, defaultEndpointID) {
		s.keep(endpoint, cfg.sessionParams())
	}

	s.publish()

	s.logger.Infow("Keep sessions running",
		"endpoints", len(endpoints),
		"kept", len(s.sessions))

	return nil
}

// keep opens a session for a single endpoint. Failures only skip that endpoint
func (s *Supervisor) keep(endpoint Endpoint, params sessionParams) {
	if _, ok := s.sessions[endpoint.ID]; ok {
		s.logger.Warnw("Endpoint already has a keep session", "endpointID", endpoint.ID)
		return
	}

	if remaining, blocked := s.backoff.blocked(endpoint.ID); blocked {
		s.logger.Debugw("Skipping endpoint during retry back-off",
			"endpoint", endpoint.Name,
			"remaining", remaining)
		return
	}

	ks := newKeepSession(s, s.sessionLogger, s.enumerator, endpoint, params)

	if err := ks.initialize(); err != nil {
		ks.release()

		wait := s.backoff.failure(endpoint.ID)
		s.logger.Warnw("Failed to keep endpoint alive, skipping it",
			"endpoint", endpoint.Name,
			"retryIn", wait,
			"error", err)
		return
	}

	s.sessions[endpoint.ID] = ks
}

// teardown shuts down every session, unsubscribes and releases the enumerator.
// Each table entry is erased only after its session is fully torn down
func (s *Supervisor) teardown() error {
	var errs []error

	if s.subscribed {
		if err := s.enumerator.UnregisterDeviceObserver(); err != nil {
			s.logger.Debugw("Failed to unregister device notifications", "error", err)
		}
		s.subscribed = false
	}

	for id, ks := range s.sessions {
		if err := ks.shutdown(); err != nil {
			errs = append(errs, err)
		}

		// a disconnect invalidates the stream, so a render failure after it is expected
		if reason, ok := ks.disconnected(); ok {
			s.backoff.success(id)
			s.logger.Debugw("Endpoint was disconnected", "endpoint", ks.endpoint.Name, "reason", reason)
		} else if err := ks.failed(); err != nil {
			wait := s.backoff.failure(id)
			s.logger.Debugw("Endpoint failed while kept alive", "endpoint", ks.endpoint.Name, "retryIn", wait)
		} else {
			s.backoff.success(id)
		}

		ks.release()
		delete(s.sessions, id)
	}

	if s.enumerator != nil {
		if err := s.enumerator.Release(); err != nil {
			s.logger.Debugw("Failed to release device enumerator", "error", err)
		}
		s.enumerator = nil
	}

	s.publish()

	return errors.Join(errs...)
}

func (s *Supervisor) publish() {
	kept := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		kept = append(kept, id)
	}
	sort.Strings(kept)

	s.keptLock.Lock()
	s.kept = kept
	s.keptLock.Unlock()

	if s.onSessionsChanged != nil {
		s.onSessionsChanged(kept)
	}
}

func (s *Supervisor) OnDeviceAdded(endpointID string) {
	s.logger.Debugw("Device added", "endpointID", endpointID)
	s.FireRestart()
}

func (s *Supervisor) OnDeviceRemoved(endpointID string) {
	s.logger.Debugw("Device removed", "endpointID", endpointID)
	s.FireRestart()
}

func (s *Supervisor) OnDeviceStateChanged(endpointID string, state DeviceState) {
	s.logger.Debugw("Device state changed", "endpointID", endpointID, "state", state)
	s.FireRestart()
}

func (s *Supervisor) OnDefaultDeviceChanged(endpointID string) {
	if s.config().KeepMode != KeepModeDefault {
		s.logger.Debugw("Default device changed, nothing to do", "endpointID", endpointID)
		return
	}

	s.logger.Debugw("Default device changed", "endpointID", endpointID)
	s.FireRestart()
}

func (s *Supervisor) OnPropertyValueChanged(endpointID string) {
	s.logger.Debugw("Device property changed", "endpointID", endpointID)
	s.FireRestart()
}

func (s *Supervisor) String() string {
	return fmt.Sprintf("<supervisor %s, %d kept>", s.State(), len(s.Sessions()))
}
