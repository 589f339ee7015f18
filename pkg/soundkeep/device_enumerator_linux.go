package soundkeep

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const pulseEventBacklog = 16

var errStreamHalted = errors.New("stream halted")

type paDeviceEnumerator struct {
	logger *zap.SugaredLogger

	client *pulse.Client

	// subscriptions live on their own raw connection, requests can't be issued from its callback
	subClient *proto.Client
	subConn   net.Conn
	events    chan proto.SubscribeEvent
	stopSub   chan struct{}
	subDone   chan struct{}

	observer    DeviceObserver
	defaultSink string
}

func newDeviceEnumerator(logger *zap.SugaredLogger) (DeviceEnumerator, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName(appName))
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	de := &paDeviceEnumerator{
		logger: logger.Named("device_enumerator"),
		client: client,
	}

	de.logger.Debug("Created PA device enumerator instance")

	return de, nil
}

func (de *paDeviceEnumerator) ActiveRenderEndpoints() ([]Endpoint, error) {
	sinks, err := de.client.ListSinks()
	if err != nil {
		de.logger.Warnw("Failed to list sinks", "error", err)
		return nil, fmt.Errorf("list sinks: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(sinks))

	for _, sink := range sinks {
		de.logger.Debugw("Enumerated sink",
			"sinkName", sink.ID(),
			"description", sink.Name(),
			"channels", sink.Channels(),
			"sampleRate", sink.SampleRate())

		// every sink the server reports can be played to, suspended ones included
		endpoints = append(endpoints, Endpoint{
			ID:    sink.ID(),
			Name:  sink.Name(),
			State: DeviceStateActive,
		})
	}

	return endpoints, nil
}

func (de *paDeviceEnumerator) DefaultRenderEndpoint() (string, error) {
	sink, err := de.client.DefaultSink()
	if err != nil {
		de.logger.Warnw("Failed to get default sink", "error", err)
		return "", fmt.Errorf("get default sink: %w", err)
	}

	return sink.ID(), nil
}

func (de *paDeviceEnumerator) RegisterDeviceObserver(observer DeviceObserver) error {
	if de.subClient != nil {
		return errors.New("device observer already registered")
	}

	client, conn, err := proto.Connect("")
	if err != nil {
		return fmt.Errorf("establish PulseAudio subscription connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString(appName),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set subscription client name: %w", err)
	}

	de.observer = observer
	de.events = make(chan proto.SubscribeEvent, pulseEventBacklog)
	de.stopSub = make(chan struct{})
	de.subDone = make(chan struct{})

	if serverInfo, err := de.serverInfo(client); err == nil {
		de.defaultSink = serverInfo.DefaultSinkName
	}

	client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			select {
			case de.events <- *msg:
			default:
				// a restart is already queued, another event adds nothing
				de.logger.Debugw("Dropping sink event, backlog full", "index", msg.Index)
			}
		}
	}

	if err := client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskServer}, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("subscribe to PulseAudio sink events: %w", err)
	}

	de.subClient = client
	de.subConn = conn

	go de.dispatchEvents(client, de.events, de.stopSub, de.subDone)

	return nil
}

func (de *paDeviceEnumerator) dispatchEvents(client *proto.Client, events <-chan proto.SubscribeEvent, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case event := <-events:
			de.dispatchEvent(client, event)
		}
	}
}

func (de *paDeviceEnumerator) dispatchEvent(client *proto.Client, event proto.SubscribeEvent) {
	switch event.Event & proto.EventFacilityMask {
	case proto.EventSink:
		switch event.Event.GetType() {
		case proto.EventNew:
			de.observer.OnDeviceAdded(de.sinkName(client, event.Index))
		case proto.EventRemove:
			// the sink is gone, its index is all that's left of it
			de.observer.OnDeviceRemoved(strconv.Itoa(int(event.Index)))
		}

		// sink change events fire on every volume tweak, they say nothing about the device itself

	case proto.EventServer:
		serverInfo, err := de.serverInfo(client)
		if err != nil {
			de.logger.Warnw("Failed to get server info after server change", "error", err)
			return
		}

		if serverInfo.DefaultSinkName == de.defaultSink {
			return
		}

		de.defaultSink = serverInfo.DefaultSinkName
		de.observer.OnDefaultDeviceChanged(serverInfo.DefaultSinkName)
	}
}

func (de *paDeviceEnumerator) sinkName(client *proto.Client, index uint32) string {
	request := proto.GetSinkInfo{SinkIndex: index}
	reply := proto.GetSinkInfoReply{}

	if err := client.Request(&request, &reply); err != nil {
		de.logger.Debugw("Failed to get info for new sink", "index", index, "error", err)
		return strconv.Itoa(int(index))
	}

	return reply.SinkName
}

func (de *paDeviceEnumerator) serverInfo(client *proto.Client) (*proto.GetServerInfoReply, error) {
	reply := proto.GetServerInfoReply{}

	if err := client.Request(&proto.GetServerInfo{}, &reply); err != nil {
		return nil, err
	}

	return &reply, nil
}

func (de *paDeviceEnumerator) UnregisterDeviceObserver() error {
	if de.subClient == nil {
		return nil
	}

	// stop the dispatcher before closing the connection it issues requests on
	close(de.stopSub)
	<-de.subDone

	err := de.subConn.Close()

	de.subClient = nil
	de.subConn = nil

	if err != nil {
		return fmt.Errorf("close PulseAudio subscription connection: %w", err)
	}

	return nil
}

func (de *paDeviceEnumerator) OpenStream(endpointID string, bufferDuration time.Duration) (RenderStream, error) {
	sink, err := de.client.SinkByID(endpointID)
	if err != nil {
		return nil, fmt.Errorf("find sink: %w", err)
	}

	// a stalled reader blocks its whole connection, so every stream gets its own
	client, err := pulse.NewClient(pulse.ClientApplicationName(appName))
	if err != nil {
		return nil, fmt.Errorf("establish PulseAudio stream connection: %w", err)
	}

	channels := playbackChannels(len(sink.Channels()))
	channelOption := pulse.PlaybackStereo
	if channels == 1 {
		channelOption = pulse.PlaybackMono
	}

	sampleRate := sink.SampleRate()

	s := &pulseStream{
		logger:   de.logger,
		client:   client,
		channels: channels,
		requests: make(chan []float32),
		filled:   make(chan int),
		halted:   make(chan struct{}),
		started:  make(chan struct{}),
		format: MixFormat{
			SampleRate:    uint32(sampleRate),
			Channels:      uint16(channels),
			BitsPerSample: 32,
			FrameSize:     uint16(4 * channels),
			SampleType:    SampleTypeFloat32,
		},
		bufferFrames: uint32(bufferDuration.Seconds() * float64(sampleRate)),
	}

	playback, err := client.NewPlayback(
		pulse.Float32Reader(s.read),
		pulse.PlaybackSink(sink),
		channelOption,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(bufferDuration.Seconds()),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create playback stream at %s: %w", s.format, err)
	}

	s.playback = playback

	return s, nil
}

// playbackChannels picks mono for mono sinks and stereo for everything else, the server remixes
func playbackChannels(sinkChannels int) int {
	if sinkChannels == 1 {
		return 1
	}

	return 2
}

func (de *paDeviceEnumerator) Release() error {
	if err := de.UnregisterDeviceObserver(); err != nil {
		de.logger.Debugw("Failed to unregister device observer during release", "error", err)
	}

	de.client.Close()

	de.logger.Debug("Released PA device enumerator instance")

	return nil
}

// pulsePlayback is the part of *pulse.PlaybackStream a pulseStream drives
type pulsePlayback interface {
	Start()
	Stop()
	Close()
	Error() error
}

// pulseStream turns pulse's pull callback into the push cycle the render loop drives:
// the reader hands its buffer over and waits until the render loop commits it
type pulseStream struct {
	logger *zap.SugaredLogger

	client   *pulse.Client
	playback pulsePlayback

	// closed once the server has acknowledged the start, or refused it
	started chan struct{}

	format       MixFormat
	bufferFrames uint32
	channels     int

	requests chan []float32
	filled   chan int
	halted   chan struct{}
	haltOnce sync.Once

	// only touched by the render loop
	pending []float32

	observerLock sync.Mutex
	observer     SessionObserver
	disconnected bool
}

func (s *pulseStream) read(buf []float32) (int, error) {
	select {
	case s.requests <- buf:
	case <-s.halted:
		return 0, pulse.EndOfData
	}

	select {
	case n := <-s.filled:
		return n, nil
	case <-s.halted:
		return 0, pulse.EndOfData
	}
}

func (s *pulseStream) halt() {
	s.haltOnce.Do(func() { close(s.halted) })
}

func (s *pulseStream) Format() MixFormat {
	return s.format
}

func (s *pulseStream) BufferFrames() uint32 {
	return s.bufferFrames
}

func (s *pulseStream) Start() error {
	// pulse only returns from Start once the server has been fed, and feeding is the render loop's job
	go func() {
		defer close(s.started)

		s.playback.Start()

		if err := s.playback.Error(); err != nil {
			s.logger.Debugw("Playback stream failed to start", "error", err)
		}
	}()

	return nil
}

func (s *pulseStream) Stop() error {
	// release a reader parked on the render loop first, stopping needs the connection
	s.halt()

	select {
	case <-s.started:
		s.playback.Stop()
	default:
		// never acknowledged, there is nothing to stop and Close tears the stream down
	}

	return nil
}

func (s *pulseStream) WaitReady(timeout time.Duration) (bool, error) {
	if s.pending != nil {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case buf := <-s.requests:
		s.pending = buf
		return true, nil
	case <-s.halted:
		return false, errStreamHalted
	case <-timer.C:
	}

	if err := s.playback.Error(); err != nil {
		s.notifyDisconnected()
		return false, fmt.Errorf("playback stream failed: %w", err)
	}

	return false, nil
}

func (s *pulseStream) AvailableFrames() (uint32, error) {
	return uint32(len(s.pending) / s.channels), nil
}

func (s *pulseStream) Buffer(frames uint32) ([]byte, error) {
	samples := int(frames) * s.channels
	if samples > len(s.pending) {
		return nil, fmt.Errorf("requested %d frames, %d available", frames, len(s.pending)/s.channels)
	}

	if samples == 0 {
		return []byte{}, nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(&s.pending[0])), samples*4), nil
}

func (s *pulseStream) Commit(frames uint32) error {
	select {
	case s.filled <- int(frames) * s.channels:
		s.pending = nil
		return nil
	case <-s.halted:
		return errStreamHalted
	}
}

func (s *pulseStream) RegisterSessionObserver(observer SessionObserver) error {
	s.observerLock.Lock()
	defer s.observerLock.Unlock()

	if s.observer != nil {
		return errors.New("session observer already registered")
	}

	s.observer = observer
	return nil
}

func (s *pulseStream) UnregisterSessionObserver() error {
	s.observerLock.Lock()
	defer s.observerLock.Unlock()

	s.observer = nil
	return nil
}

func (s *pulseStream) notifyDisconnected() {
	s.observerLock.Lock()
	defer s.observerLock.Unlock()

	if s.observer == nil || s.disconnected {
		return
	}

	// pulse kills streams whose sink disappears, which is the only way one fails on its own
	s.disconnected = true
	s.observer.OnSessionDisconnected(DisconnectReasonDeviceRemoval)
}

func (s *pulseStream) Close() error {
	s.halt()

	if s.playback != nil {
		s.playback.Close()
	}

	if s.client != nil {
		s.client.Close()
	}

	return nil
}

// prepareRenderThread pins the render goroutine to one OS thread for the lifetime of the loop
func prepareRenderThread() (uint32, func()) {
	runtime.LockOSThread()

	return uint32(unix.Gettid()), runtime.UnlockOSThread
}
