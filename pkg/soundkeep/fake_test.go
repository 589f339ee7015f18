package soundkeep

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var errInjected = errors.New("injected failure")

// fakeStream is an in-memory render stream that becomes ready every period
type fakeStream struct {
	id     string
	format MixFormat
	frames uint32
	period time.Duration

	// frames reported available per cycle, the whole buffer when zero
	available uint32

	// every readyEvery-th wait finds a buffer, the rest time out; every wait when zero
	readyEvery int
	waits      int

	// startAfterCommit makes the stream report running only once it has been fed,
	// like servers that wait for the first data before acknowledging a start
	startAfterCommit bool
	firstCommit      chan struct{}
	commitOnce       sync.Once
	running          atomic.Bool

	lock          sync.Mutex
	started       bool
	stopped       bool
	closed        bool
	observer      SessionObserver
	writes        [][]byte
	writesAfter   int // writes observed once stopped
	failBuffer    int // consecutive Buffer calls left to fail
	failAlways    bool
	blockWait     chan struct{}
	waitReadyErr  error
	commitsTotal  atomic.Int64
	onClose       func()
	lastReleasedN uint32
}

func newFakeStream(id string, format MixFormat, frames uint32) *fakeStream {
	return &fakeStream{
		id:     id,
		format: format,
		frames: frames,
		period:      time.Millisecond,
		firstCommit: make(chan struct{}),
	}
}

func (s *fakeStream) Format() MixFormat    { return s.format }
func (s *fakeStream) BufferFrames() uint32 { return s.frames }

func (s *fakeStream) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.started = true

	if !s.startAfterCommit {
		s.running.Store(true)
		return nil
	}

	go func() {
		<-s.firstCommit
		s.running.Store(true)
	}()

	return nil
}

func (s *fakeStream) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stopped = true
	return nil
}

func (s *fakeStream) WaitReady(timeout time.Duration) (bool, error) {
	s.lock.Lock()
	block, err := s.blockWait, s.waitReadyErr
	s.waits++
	skip := s.readyEvery > 0 && s.waits%s.readyEvery != 0
	s.lock.Unlock()

	if block != nil {
		<-block
	}

	if err != nil {
		return false, err
	}

	if skip || timeout < s.period {
		time.Sleep(timeout)
		return false, nil
	}

	time.Sleep(s.period)
	return true, nil
}

func (s *fakeStream) AvailableFrames() (uint32, error) {
	if s.available != 0 {
		return s.available, nil
	}

	return s.frames, nil
}

func (s *fakeStream) Buffer(frames uint32) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.failAlways {
		return nil, errInjected
	}

	if s.failBuffer > 0 {
		s.failBuffer--
		return nil, errInjected
	}

	// garbage, so only an explicit clear makes it silence
	data := make([]byte, int(frames)*int(s.format.FrameSize))
	for i := range data {
		data[i] = 0xAB
	}

	s.writes = append(s.writes, data)
	if s.stopped {
		s.writesAfter++
	}

	return data, nil
}

func (s *fakeStream) Commit(frames uint32) error {
	s.lock.Lock()
	s.lastReleasedN = frames
	s.lock.Unlock()

	s.commitsTotal.Add(1)
	s.commitOnce.Do(func() { close(s.firstCommit) })

	return nil
}

func (s *fakeStream) RegisterSessionObserver(observer SessionObserver) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.observer = observer
	return nil
}

func (s *fakeStream) UnregisterSessionObserver() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.observer = nil
	return nil
}

func (s *fakeStream) Close() error {
	s.lock.Lock()
	s.closed = true
	onClose := s.onClose
	s.lock.Unlock()

	if onClose != nil {
		onClose()
	}

	return nil
}

func (s *fakeStream) disconnect(reason DisconnectReason) {
	s.lock.Lock()
	observer := s.observer
	s.lock.Unlock()

	if observer != nil {
		observer.OnSessionDisconnected(reason)
	}
}

// failFromNow makes every later buffer request fail, as on an invalidated stream
func (s *fakeStream) failFromNow() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.failAlways = true
}

func (s *fakeStream) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.closed
}

func (s *fakeStream) writeCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.writes)
}

func (s *fakeStream) snapshotWrites() [][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([][]byte(nil), s.writes...)
}

// fakeEnumerator hands out fake streams and records what the supervisor asks of it
type fakeEnumerator struct {
	lock sync.Mutex

	endpoints   []Endpoint
	defaultID   string
	failOpen    map[string]error
	formats     map[string]MixFormat
	observer    DeviceObserver
	streams     map[string][]*fakeStream
	openCount   map[string]int
	open        map[string]int // streams opened and not yet closed
	maxOpen     map[string]int
	released    int
	created     int
	failList    error
	configure   func(*fakeStream)
	events      []string
	factoryFail error
}

func newFakeEnumerator(endpoints ...Endpoint) *fakeEnumerator {
	return &fakeEnumerator{
		endpoints: endpoints,
		failOpen:  make(map[string]error),
		formats:   make(map[string]MixFormat),
		streams:   make(map[string][]*fakeStream),
		openCount: make(map[string]int),
		open:      make(map[string]int),
		maxOpen:   make(map[string]int),
	}
}

// factory returns an EnumeratorFactory that reuses this fake for every rebuild
func (e *fakeEnumerator) factory() EnumeratorFactory {
	return func(*zap.SugaredLogger) (DeviceEnumerator, error) {
		e.lock.Lock()
		defer e.lock.Unlock()

		if e.factoryFail != nil {
			return nil, e.factoryFail
		}

		e.created++
		e.events = append(e.events, "create")
		return e, nil
	}
}

func (e *fakeEnumerator) ActiveRenderEndpoints() ([]Endpoint, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.failList != nil {
		return nil, e.failList
	}

	return append([]Endpoint(nil), e.endpoints...), nil
}

func (e *fakeEnumerator) DefaultRenderEndpoint() (string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.defaultID, nil
}

func (e *fakeEnumerator) RegisterDeviceObserver(observer DeviceObserver) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.observer = observer
	e.events = append(e.events, "subscribe")
	return nil
}

func (e *fakeEnumerator) UnregisterDeviceObserver() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.observer = nil
	e.events = append(e.events, "unsubscribe")
	return nil
}

func (e *fakeEnumerator) OpenStream(endpointID string, bufferDuration time.Duration) (RenderStream, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if err := e.failOpen[endpointID]; err != nil {
		e.events = append(e.events, "fail "+endpointID)
		return nil, err
	}

	format, ok := e.formats[endpointID]
	if !ok {
		format = MixFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 32, FrameSize: 8, SampleType: SampleTypeFloat32}
	}

	frames := uint32(bufferDuration.Seconds() * float64(format.SampleRate))
	stream := newFakeStream(endpointID, format, frames)
	stream.onClose = func() {
		e.lock.Lock()
		defer e.lock.Unlock()

		e.open[endpointID]--
		e.events = append(e.events, "close "+endpointID)
	}

	if e.configure != nil {
		e.configure(stream)
	}

	e.streams[endpointID] = append(e.streams[endpointID], stream)
	e.openCount[endpointID]++
	e.open[endpointID]++
	if e.open[endpointID] > e.maxOpen[endpointID] {
		e.maxOpen[endpointID] = e.open[endpointID]
	}
	e.events = append(e.events, "open "+endpointID)

	return stream, nil
}

func (e *fakeEnumerator) Release() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.released++
	e.events = append(e.events, "release")
	return nil
}

func (e *fakeEnumerator) setEndpoints(endpoints ...Endpoint) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.endpoints = endpoints
}

func (e *fakeEnumerator) setFailOpen(endpointID string, err error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if err == nil {
		delete(e.failOpen, endpointID)
		return
	}

	e.failOpen[endpointID] = err
}

func (e *fakeEnumerator) latestStream(endpointID string) *fakeStream {
	e.lock.Lock()
	defer e.lock.Unlock()

	streams := e.streams[endpointID]
	if len(streams) == 0 {
		return nil
	}

	return streams[len(streams)-1]
}

func (e *fakeEnumerator) opens(endpointID string) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.openCount[endpointID]
}

func (e *fakeEnumerator) openNow(endpointID string) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.open[endpointID]
}

func (e *fakeEnumerator) peakOpen(endpointID string) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.maxOpen[endpointID]
}

func (e *fakeEnumerator) currentObserver() DeviceObserver {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.observer
}

func (e *fakeEnumerator) eventLog() []string {
	e.lock.Lock()
	defer e.lock.Unlock()

	return append([]string(nil), e.events...)
}

// countingRestarter stands in for the supervisor where only restart requests matter
type countingRestarter struct {
	restarts atomic.Int32
}

func (r *countingRestarter) FireRestart() {
	r.restarts.Add(1)
}

func activeEndpoint(id string) Endpoint {
	return Endpoint{ID: id, Name: "Speakers " + id, State: DeviceStateActive}
}

// eventually polls cond until it holds or the deadline passes
func eventually(cond func() bool, within time.Duration) bool {
	deadline := time.Now().Add(within)

	for time.Now().Before(deadline) {
		if cond() {
			return true
		}

		time.Sleep(time.Millisecond)
	}

	return cond()
}

func testConfig() Config {
	c := DefaultConfig()
	c.BufferDurationMs = 10
	c.WaitTimeoutMs = 5
	c.ShutdownTimeoutMs = 500
	c.RetryBackoff.InitialMs = 20
	c.RetryBackoff.MaxMs = 80

	return c
}
