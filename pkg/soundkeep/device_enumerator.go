package soundkeep

import (
	"errors"
	"fmt"
	"time"
)

// DeviceState mirrors the platform's endpoint state bits
type DeviceState uint32

const (
	DeviceStateActive     DeviceState = 0x1
	DeviceStateDisabled   DeviceState = 0x2
	DeviceStateNotPresent DeviceState = 0x4
	DeviceStateUnplugged  DeviceState = 0x8
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateActive:
		return "active"
	case DeviceStateDisabled:
		return "disabled"
	case DeviceStateNotPresent:
		return "notpresent"
	case DeviceStateUnplugged:
		return "unplugged"
	}

	return fmt.Sprintf("state(0x%x)", uint32(s))
}

// Endpoint identifies a render device. It is owned by the platform, we only reference it by ID
type Endpoint struct {
	ID    string
	Name  string
	State DeviceState
}

// DisconnectReason tells why the platform invalidated a stream
type DisconnectReason uint32

const (
	DisconnectReasonDeviceRemoval DisconnectReason = iota
	DisconnectReasonServerShutdown
	DisconnectReasonFormatChanged
	DisconnectReasonSessionLogoff
	DisconnectReasonSessionDisconnected
	DisconnectReasonExclusiveModeOverride
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonDeviceRemoval:
		return "device removed"
	case DisconnectReasonServerShutdown:
		return "audio service stopped"
	case DisconnectReasonFormatChanged:
		return "format changed"
	case DisconnectReasonSessionLogoff:
		return "session logoff"
	case DisconnectReasonSessionDisconnected:
		return "session disconnected"
	case DisconnectReasonExclusiveModeOverride:
		return "exclusive mode override"
	}

	return fmt.Sprintf("reason(%d)", uint32(r))
}

type SampleType int

const (
	SampleTypeUnknown SampleType = iota
	SampleTypeFloat32
	SampleTypePCM16
	SampleTypePCM24
	SampleTypePCM32
)

func (t SampleType) String() string {
	switch t {
	case SampleTypeFloat32:
		return "float32"
	case SampleTypePCM16:
		return "pcm16"
	case SampleTypePCM24:
		return "pcm24"
	case SampleTypePCM32:
		return "pcm32"
	}

	return "unknown"
}

// WAVE format tags as reported in a mix format
const (
	waveFormatPCM        = 0x0001
	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE
)

// classifySampleType maps a wave format tag (and the first field of the extensible sub-format GUID,
// which carries the plain tag value) to a sample representation
func classifySampleType(tag uint16, subFormat uint32, bitsPerSample uint16) SampleType {
	if tag == waveFormatExtensible {
		tag = uint16(subFormat)
	}

	switch {
	case tag == waveFormatIEEEFloat && bitsPerSample == 32:
		return SampleTypeFloat32
	case tag == waveFormatPCM && bitsPerSample == 16:
		return SampleTypePCM16
	case tag == waveFormatPCM && bitsPerSample == 24:
		return SampleTypePCM24
	case tag == waveFormatPCM && bitsPerSample == 32:
		return SampleTypePCM32
	}

	return SampleTypeUnknown
}

// MixFormat is the format negotiated for a render stream
type MixFormat struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	FrameSize     uint16 // bytes per frame across all channels
	SampleType    SampleType
}

func (f MixFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.SampleType)
}

// Period returns the playback time covered by the given amount of frames
func (f MixFormat) Period(frames uint32) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}

	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

var errUnsupportedFormat = errors.New("unsupported mix format")

// DeviceObserver receives endpoint topology notifications.
// Calls arrive on platform-owned goroutines and must not block
type DeviceObserver interface {
	OnDeviceAdded(endpointID string)
	OnDeviceRemoved(endpointID string)
	OnDeviceStateChanged(endpointID string, state DeviceState)
	OnDefaultDeviceChanged(endpointID string)
	OnPropertyValueChanged(endpointID string)
}

// SessionObserver receives notifications about the audio session behind a render stream
type SessionObserver interface {
	OnSessionDisconnected(reason DisconnectReason)
	OnSessionStateChanged(active bool)
}

// DeviceEnumerator represents the platform audio stack: it finds render endpoints,
// reports topology changes and opens shared-mode render streams
type DeviceEnumerator interface {
	ActiveRenderEndpoints() ([]Endpoint, error)
	DefaultRenderEndpoint() (string, error)

	RegisterDeviceObserver(observer DeviceObserver) error
	UnregisterDeviceObserver() error

	OpenStream(endpointID string, bufferDuration time.Duration) (RenderStream, error)

	Release() error
}

// RenderStream is an open, format-negotiated, event-driven render connection to one endpoint
type RenderStream interface {
	Format() MixFormat
	BufferFrames() uint32

	// Start is called before the render loop exists, so it must not wait for data
	Start() error
	Stop() error

	// WaitReady blocks until the platform signals buffer space or the timeout elapses
	WaitReady(timeout time.Duration) (bool, error)
	AvailableFrames() (uint32, error)
	Buffer(frames uint32) ([]byte, error)
	Commit(frames uint32) error

	RegisterSessionObserver(observer SessionObserver) error
	UnregisterSessionObserver() error

	Close() error
}
