package soundkeep

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type sessionState int32

const (
	sessionIdle sessionState = iota
	sessionActive
	sessionFailed
	sessionClosed
)

var (
	errRenderThreadStuck = errors.New("render thread did not exit in time")
	errSessionClosed     = errors.New("keep session already closed")
)

// restartFirer is the only thing a keep session may ask of its supervisor
type restartFirer interface {
	FireRestart()
}

type sessionParams struct {
	bufferDuration  time.Duration
	waitTimeout     time.Duration
	shutdownTimeout time.Duration
}

// keepSession streams silence to a single endpoint on a dedicated goroutine.
// It is shared between the supervisor's table and platform callbacks, so the stream
// is released by whoever drops the last reference
type keepSession struct {
	logger     *zap.SugaredLogger
	supervisor restartFirer
	enumerator DeviceEnumerator
	endpoint   Endpoint
	params     sessionParams

	refs  atomic.Int32
	state atomic.Int32

	lock   sync.Mutex
	stream RenderStream
	stop   chan struct{}
	done   chan struct{}

	renderErr        atomic.Pointer[error]
	disconnectReason atomic.Pointer[DisconnectReason]
	leaked           bool
}

func newKeepSession(supervisor restartFirer, logger *zap.SugaredLogger, enumerator DeviceEnumerator,
	endpoint Endpoint, params sessionParams) *keepSession {

	ks := &keepSession{
		logger:     logger.With("endpoint", endpoint.Name, "endpointID", endpoint.ID),
		supervisor: supervisor,
		enumerator: enumerator,
		endpoint:   endpoint,
		params:     params,
	}

	// the supervisor's table holds the first reference
	ks.refs.Store(1)

	return ks
}

func (ks *keepSession) acquire() {
	ks.refs.Add(1)
}

func (ks *keepSession) release() {
	refs := ks.refs.Add(-1)

	switch {
	case refs == 0:
		ks.closeStream()
	case refs < 0:
		ks.logger.DPanicw("Keep session released too many times", "refs", refs)
	}
}

func (ks *keepSession) active() bool {
	return sessionState(ks.state.Load()) == sessionActive
}

// failed returns the error the render loop exited with, if any
func (ks *keepSession) failed() error {
	if err := ks.renderErr.Load(); err != nil {
		return *err
	}

	return nil
}

func (ks *keepSession) disconnected() (DisconnectReason, bool) {
	if reason := ks.disconnectReason.Load(); reason != nil {
		return *reason, true
	}

	return 0, false
}

func (ks *keepSession) initialize() error {
	if sessionState(ks.state.Load()) != sessionIdle {
		return errSessionClosed
	}

	ks.logger.Debugw("Opening render stream", "bufferDuration", ks.params.bufferDuration)

	stream, err := ks.enumerator.OpenStream(ks.endpoint.ID, ks.params.bufferDuration)
	if err != nil {
		ks.logger.Warnw("Failed to open render stream", "error", err)
		return fmt.Errorf("open render stream: %w", err)
	}

	format := stream.Format()
	if format.SampleType == SampleTypeUnknown || format.FrameSize == 0 {
		ks.logger.Warnw("Endpoint mix format is not supported", "format", format)
		_ = stream.Close()
		return fmt.Errorf("negotiate %s: %w", format, errUnsupportedFormat)
	}

	if err := stream.RegisterSessionObserver(ks); err != nil {
		ks.logger.Warnw("Failed to register session observer", "error", err)
		_ = stream.Close()
		return fmt.Errorf("register session observer: %w", err)
	}

	if err := stream.Start(); err != nil {
		ks.logger.Warnw("Failed to start render stream", "error", err)
		_ = stream.UnregisterSessionObserver()
		_ = stream.Close()
		return fmt.Errorf("start render stream: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	ks.lock.Lock()
	ks.stream = stream
	ks.stop = stop
	ks.done = done
	ks.lock.Unlock()

	ks.state.Store(int32(sessionActive))

	go ks.render(stream, stop, done)

	ks.logger.Infow("Keeping endpoint alive",
		"format", format,
		"bufferFrames", stream.BufferFrames(),
		"bufferPeriod", format.Period(stream.BufferFrames()))

	return nil
}

func (ks *keepSession) render(stream RenderStream, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	threadID, unprepare := prepareRenderThread()
	defer unprepare()

	ks.logger.Debugw("Render thread started", "threadID", threadID)

	if err := renderSilence(stream, stop, ks.params.waitTimeout); err != nil {
		ks.renderErr.Store(&err)
		ks.state.CompareAndSwap(int32(sessionActive), int32(sessionFailed))
		ks.logger.Warnw("Render loop failed, requesting restart", "error", err)
		ks.supervisor.FireRestart()
		return
	}

	ks.logger.Debug("Render thread exited")
}

// shutdown stops the render thread and lets go of the stream. Calling it again,
// or on a session that never started, does nothing
func (ks *keepSession) shutdown() error {
	prev := sessionState(ks.state.Swap(int32(sessionClosed)))
	if prev != sessionActive && prev != sessionFailed {
		return nil
	}

	ks.lock.Lock()
	stream, stop, done := ks.stream, ks.stop, ks.done
	ks.lock.Unlock()

	close(stop)

	timer := time.NewTimer(ks.params.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		// the native call can't be cancelled, so the stream is leaked instead of closed under a live writer
		ks.lock.Lock()
		ks.leaked = true
		ks.lock.Unlock()

		ks.logger.Errorw("Render thread is stuck, abandoning it", "timeout", ks.params.shutdownTimeout)
		return fmt.Errorf("shut down %q: %w", ks.endpoint.Name, errRenderThreadStuck)
	}

	if err := stream.Stop(); err != nil {
		ks.logger.Debugw("Failed to stop render stream", "error", err)
	}

	if err := stream.UnregisterSessionObserver(); err != nil {
		ks.logger.Debugw("Failed to unregister session observer", "error", err)
	}

	ks.logger.Debug("Keep session shut down")

	return nil
}

func (ks *keepSession) closeStream() {
	ks.lock.Lock()
	stream, leaked := ks.stream, ks.leaked
	ks.stream = nil
	ks.lock.Unlock()

	if stream == nil || leaked {
		return
	}

	if err := stream.Close(); err != nil {
		ks.logger.Warnw("Failed to close render stream", "error", err)
	}
}

func (ks *keepSession) OnSessionDisconnected(reason DisconnectReason) {
	ks.acquire()
	defer ks.release()

	ks.disconnectReason.Store(&reason)
	ks.logger.Infow("Audio session disconnected, requesting restart", "reason", reason)

	// teardown happens on the supervisor's goroutine, never inside a platform callback
	ks.supervisor.FireRestart()
}

func (ks *keepSession) OnSessionStateChanged(active bool) {
	ks.logger.Debugw("Audio session state changed", "active", active)
}

func (ks *keepSession) String() string {
	return fmt.Sprintf("<keep session %s>", ks.endpoint.Name)
}
