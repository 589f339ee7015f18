package soundkeep

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"github.com/lxn/win"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	// the notification client will call this multiple times in quick succession based on the
	// default device's assigned media roles, so we need to filter out the extraneous calls
	minDefaultDeviceChangeThreshold = 100 * time.Millisecond

	audclntShareModeShared          = 0
	audclntStreamFlagsEventCallback = 0x00040000
	audclntStreamFlagsNoPersist     = 0x00080000

	audioSessionStateActive = 1

	waitObject0 = 0x00000000
	waitTimeout = 0x00000102

	// E_FALSE means that the call was redundant
	eFalse = 1

	// offset of SubFormat inside WAVEFORMATEXTENSIBLE: 18 byte header, 2 byte samples union, 4 byte channel mask
	waveFormatExtensibleSubFormatOffset = 24
)

var (
	modavrt                             = windows.NewLazySystemDLL("avrt.dll")
	procAvSetMmThreadCharacteristicsW   = modavrt.NewProc("AvSetMmThreadCharacteristicsW")
	procAvRevertMmThreadCharacteristics = modavrt.NewProc("AvRevertMmThreadCharacteristics")
)

type wcaDeviceEnumerator struct {
	logger *zap.SugaredLogger

	mmDeviceEnumerator      *wca.IMMDeviceEnumerator
	mmNotificationClient    *wca.IMMNotificationClient
	lastDefaultDeviceChange time.Time

	observer DeviceObserver
}

func newDeviceEnumerator(logger *zap.SugaredLogger) (DeviceEnumerator, error) {
	de := &wcaDeviceEnumerator{
		logger: logger.Named("device_enumerator"),
	}

	if err := initializeCOM(); err != nil {
		de.logger.Warnw("Failed to call CoInitializeEx", "error", err)
		return nil, fmt.Errorf("call CoInitializeEx: %w", err)
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&de.mmDeviceEnumerator,
	); err != nil {
		de.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		ole.CoUninitialize()
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	de.logger.Debug("Created WCA device enumerator instance")
	return de, nil
}

// initializeCOM joins the multithreaded apartment, so the interfaces we create
// may be used from render threads and notification callbacks alike
func initializeCOM() error {
	err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	if err == nil {
		return nil
	}

	oleError := &ole.OleError{}
	if errors.As(err, &oleError) && oleError.Code() == eFalse {
		return nil
	}

	return err
}

func (de *wcaDeviceEnumerator) ActiveRenderEndpoints() ([]Endpoint, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := de.mmDeviceEnumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		de.logger.Warnw("Failed to enumerate active render endpoints", "error", err)
		return nil, fmt.Errorf("enumerate active render endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32

	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		de.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	endpoints := make([]Endpoint, 0, deviceCount)

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		endpoint, err := de.describeEndpoint(deviceCollection, deviceIdx)
		if err != nil {
			// one unreadable device doesn't make the rest any less worth keeping
			de.logger.Warnw("Failed to describe render endpoint, skipping it",
				"deviceIdx", deviceIdx,
				"error", err)
			continue
		}

		de.logger.Debugw("Enumerated render endpoint",
			"deviceIdx", deviceIdx,
			"deviceFriendlyName", endpoint.Name,
			"endpointID", endpoint.ID)

		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}

func (de *wcaDeviceEnumerator) describeEndpoint(deviceCollection *wca.IMMDeviceCollection, deviceIdx uint32) (Endpoint, error) {
	var device *wca.IMMDevice

	if err := deviceCollection.Item(deviceIdx, &device); err != nil {
		return Endpoint{}, fmt.Errorf("get device %d from device collection: %w", deviceIdx, err)
	}
	defer device.Release()

	var endpointID string
	if err := device.GetId(&endpointID); err != nil {
		return Endpoint{}, fmt.Errorf("get device %d endpointID: %w", deviceIdx, err)
	}

	friendlyName, err := de.getFriendlyName(device)
	if err != nil {
		// the ID is all we really need
		friendlyName = endpointID
	}

	return Endpoint{
		ID:    endpointID,
		Name:  friendlyName,
		State: DeviceStateActive,
	}, nil
}

func (de *wcaDeviceEnumerator) getFriendlyName(device *wca.IMMDevice) (string, error) {
	var propertyStore *wca.IPropertyStore

	if err := device.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		de.logger.Warnw("Failed to open property store for endpoint", "error", err)
		return "", fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		de.logger.Warnw("Failed to get friendly name for device", "error", err)
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	// device friendly name i.e. "Headphones (Realtek Audio)"
	return value.String(), nil
}

func (de *wcaDeviceEnumerator) DefaultRenderEndpoint() (string, error) {
	var device *wca.IMMDevice

	if err := de.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &device); err != nil {
		de.logger.Warnw("Failed to call GetDefaultAudioEndpoint", "error", err)
		return "", fmt.Errorf("call GetDefaultAudioEndpoint: %w", err)
	}
	defer device.Release()

	var endpointID string
	if err := device.GetId(&endpointID); err != nil {
		return "", fmt.Errorf("get default endpointID: %w", err)
	}

	return endpointID, nil
}

func (de *wcaDeviceEnumerator) RegisterDeviceObserver(observer DeviceObserver) error {
	if de.mmNotificationClient != nil {
		return errors.New("device observer already registered")
	}

	de.observer = observer

	callback := wca.IMMNotificationClientCallback{
		OnDeviceAdded:          de.deviceAddedCallback,
		OnDeviceRemoved:        de.deviceRemovedCallback,
		OnDeviceStateChanged:   de.deviceStateChangedCallback,
		OnDefaultDeviceChanged: de.defaultDeviceChangedCallback,
	}

	client := wca.NewIMMNotificationClient(callback)

	if err := de.mmDeviceEnumerator.RegisterEndpointNotificationCallback(client); err != nil {
		de.logger.Warnw("Failed to call RegisterEndpointNotificationCallback", "error", err)
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	// keep a reference so it doesn't get GC'd while registered
	de.mmNotificationClient = client

	return nil
}

func (de *wcaDeviceEnumerator) UnregisterDeviceObserver() error {
	if de.mmNotificationClient == nil {
		return nil
	}

	err := de.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(de.mmNotificationClient)
	de.mmNotificationClient = nil

	if err != nil {
		return fmt.Errorf("call UnregisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

func (de *wcaDeviceEnumerator) deviceAddedCallback(pwstrDeviceId string) error {
	de.observer.OnDeviceAdded(pwstrDeviceId)
	return nil
}

func (de *wcaDeviceEnumerator) deviceRemovedCallback(pwstrDeviceId string) error {
	de.observer.OnDeviceRemoved(pwstrDeviceId)
	return nil
}

func (de *wcaDeviceEnumerator) deviceStateChangedCallback(pwstrDeviceId string, dwNewState uint32) error {
	de.observer.OnDeviceStateChanged(pwstrDeviceId, DeviceState(dwNewState))
	return nil
}

func (de *wcaDeviceEnumerator) defaultDeviceChangedCallback(dataflow wca.EDataFlow, role wca.ERole, identifier string) error {
	// only the console render role decides what "default" means to us (eRender, eConsole)
	if dataflow != 0 || role != 0 {
		return nil
	}

	// filter out calls that happen in rapid succession
	now := time.Now()
	if de.lastDefaultDeviceChange.Add(minDefaultDeviceChangeThreshold).After(now) {
		return nil
	}
	de.lastDefaultDeviceChange = now

	de.observer.OnDefaultDeviceChanged(identifier)
	return nil
}

func (de *wcaDeviceEnumerator) OpenStream(endpointID string, bufferDuration time.Duration) (RenderStream, error) {
	var device *wca.IMMDevice

	if err := de.mmDeviceEnumerator.GetDevice(endpointID, &device); err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	defer device.Release()

	stream := &wcaRenderStream{logger: de.logger}

	if err := stream.open(device, bufferDuration); err != nil {
		_ = stream.Close()
		return nil, err
	}

	return stream, nil
}

func (de *wcaDeviceEnumerator) Release() error {
	if err := de.UnregisterDeviceObserver(); err != nil {
		de.logger.Debugw("Failed to unregister device observer during release", "error", err)
	}

	if de.mmDeviceEnumerator != nil {
		de.mmDeviceEnumerator.Release()
		de.mmDeviceEnumerator = nil
	}

	ole.CoUninitialize()

	de.logger.Debug("Released WCA device enumerator instance")
	return nil
}

type wcaRenderStream struct {
	logger *zap.SugaredLogger

	audioClient    *wca.IAudioClient
	renderClient   *wca.IAudioRenderClient
	sessionControl *wca.IAudioSessionControl

	bufferReady  windows.Handle
	format       MixFormat
	bufferFrames uint32

	observerLock   sync.Mutex
	sessionEvents  *wca.IAudioSessionEvents
	sessionHandler SessionObserver
}

func (s *wcaRenderStream) open(device *wca.IMMDevice, bufferDuration time.Duration) error {
	if err := device.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &s.audioClient); err != nil {
		return fmt.Errorf("activate audio client: %w", err)
	}

	var wfx *wca.WAVEFORMATEX
	if err := s.audioClient.GetMixFormat(&wfx); err != nil {
		return fmt.Errorf("get mix format: %w", err)
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

	s.format = mixFormatFromWave(wfx)

	// REFERENCE_TIME counts 100ns units
	if err := s.audioClient.Initialize(
		audclntShareModeShared,
		audclntStreamFlagsEventCallback|audclntStreamFlagsNoPersist,
		wca.REFERENCE_TIME(bufferDuration/100),
		0,
		wfx,
		nil,
	); err != nil {
		return fmt.Errorf("initialize shared mode stream at %s: %w", s.format, err)
	}

	bufferReady, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("create buffer ready event: %w", err)
	}
	s.bufferReady = bufferReady

	if err := s.audioClient.SetEventHandle(uintptr(bufferReady)); err != nil {
		return fmt.Errorf("set buffer ready event: %w", err)
	}

	if err := s.audioClient.GetBufferSize(&s.bufferFrames); err != nil {
		return fmt.Errorf("get buffer size: %w", err)
	}

	if err := s.audioClient.GetService(wca.IID_IAudioRenderClient, &s.renderClient); err != nil {
		return fmt.Errorf("get render client: %w", err)
	}

	if err := s.audioClient.GetService(wca.IID_IAudioSessionControl, &s.sessionControl); err != nil {
		return fmt.Errorf("get session control: %w", err)
	}

	return nil
}

func mixFormatFromWave(wfx *wca.WAVEFORMATEX) MixFormat {
	var subFormat uint32
	if wfx.WFormatTag == waveFormatExtensible && wfx.CbSize >= 22 {
		subFormat = *(*uint32)(unsafe.Add(unsafe.Pointer(wfx), waveFormatExtensibleSubFormatOffset))
	}

	return MixFormat{
		SampleRate:    wfx.NSamplesPerSec,
		Channels:      wfx.NChannels,
		BitsPerSample: wfx.WBitsPerSample,
		FrameSize:     wfx.NBlockAlign,
		SampleType:    classifySampleType(wfx.WFormatTag, subFormat, wfx.WBitsPerSample),
	}
}

func (s *wcaRenderStream) Format() MixFormat {
	return s.format
}

func (s *wcaRenderStream) BufferFrames() uint32 {
	return s.bufferFrames
}

func (s *wcaRenderStream) Start() error {
	return s.audioClient.Start()
}

func (s *wcaRenderStream) Stop() error {
	return s.audioClient.Stop()
}

func (s *wcaRenderStream) WaitReady(timeout time.Duration) (bool, error) {
	event, err := windows.WaitForSingleObject(s.bufferReady, uint32(timeout/time.Millisecond))

	switch event {
	case waitObject0:
		return true, nil
	case waitTimeout:
		// an invalidated stream stops signalling without a session event, the padding query reports it
		var padding uint32
		if err := s.audioClient.GetCurrentPadding(&padding); err != nil {
			return false, fmt.Errorf("query padding after timeout: %w", err)
		}

		return false, nil
	}

	if err == nil {
		err = fmt.Errorf("unexpected wait result 0x%x", event)
	}

	return false, err
}

func (s *wcaRenderStream) AvailableFrames() (uint32, error) {
	var padding uint32
	if err := s.audioClient.GetCurrentPadding(&padding); err != nil {
		return 0, err
	}

	return s.bufferFrames - padding, nil
}

func (s *wcaRenderStream) Buffer(frames uint32) ([]byte, error) {
	var data *byte
	if err := s.renderClient.GetBuffer(frames, &data); err != nil {
		return nil, err
	}

	return unsafe.Slice(data, int(frames)*int(s.format.FrameSize)), nil
}

func (s *wcaRenderStream) Commit(frames uint32) error {
	return s.renderClient.ReleaseBuffer(frames, 0)
}

func (s *wcaRenderStream) RegisterSessionObserver(observer SessionObserver) error {
	s.observerLock.Lock()
	defer s.observerLock.Unlock()

	if s.sessionEvents != nil {
		return errors.New("session observer already registered")
	}

	callback := wca.IAudioSessionEventsCallback{
		OnStateChanged: func(newState wca.AudioSessionState) error {
			observer.OnSessionStateChanged(int(newState) == audioSessionStateActive)
			return nil
		},
		OnSessionDisconnected: func(disconnectReason wca.AudioSessionDisconnectReason) error {
			observer.OnSessionDisconnected(DisconnectReason(disconnectReason))
			return nil
		},
	}

	ase := wca.NewIAudioSessionEvents(callback)
	if err := s.sessionControl.RegisterAudioSessionNotification(ase); err != nil {
		return fmt.Errorf("register audio session notification: %w", err)
	}

	// keep alive while registered
	s.sessionEvents = ase
	s.sessionHandler = observer

	return nil
}

func (s *wcaRenderStream) UnregisterSessionObserver() error {
	s.observerLock.Lock()
	defer s.observerLock.Unlock()

	if s.sessionEvents == nil {
		return nil
	}

	// the native callback is Released inside
	err := s.sessionControl.UnregisterAudioSessionNotification(s.sessionEvents)
	s.sessionEvents = nil
	s.sessionHandler = nil

	if err != nil {
		return fmt.Errorf("unregister audio session notification: %w", err)
	}

	return nil
}

func (s *wcaRenderStream) Close() error {
	if err := s.UnregisterSessionObserver(); err != nil {
		s.logger.Debugw("Failed to unregister session observer during close", "error", err)
	}

	if s.sessionControl != nil {
		s.sessionControl.Release()
		s.sessionControl = nil
	}

	if s.renderClient != nil {
		s.renderClient.Release()
		s.renderClient = nil
	}

	if s.audioClient != nil {
		s.audioClient.Release()
		s.audioClient = nil
	}

	if s.bufferReady != 0 {
		if err := windows.CloseHandle(s.bufferReady); err != nil {
			return fmt.Errorf("close buffer ready event: %w", err)
		}
		s.bufferReady = 0
	}

	return nil
}

// prepareRenderThread pins the render goroutine to one OS thread, joins it to the
// multithreaded COM apartment and registers it with MMCSS so silence isn't starved under load
func prepareRenderThread() (uint32, func()) {
	runtime.LockOSThread()

	comErr := initializeCOM()
	mmcss := avSetMmThreadCharacteristics("Pro Audio")

	return win.GetCurrentThreadId(), func() {
		if mmcss != 0 {
			_, _, _ = procAvRevertMmThreadCharacteristics.Call(mmcss)
		}

		if comErr == nil {
			ole.CoUninitialize()
		}

		runtime.UnlockOSThread()
	}
}

func avSetMmThreadCharacteristics(task string) uintptr {
	if procAvSetMmThreadCharacteristicsW.Find() != nil {
		return 0
	}

	taskName, err := windows.UTF16PtrFromString(task)
	if err != nil {
		return 0
	}

	var taskIndex uint32
	handle, _, _ := procAvSetMmThreadCharacteristicsW.Call(
		uintptr(unsafe.Pointer(taskName)),
		uintptr(unsafe.Pointer(&taskIndex)),
	)

	return handle
}
