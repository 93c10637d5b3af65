// Package media owns the host capture and playback devices: microphone via
// malgo, speaker via oto, camera via a JPEG snapshot source.
package media

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// MicSource delivers raw s16le mono capture chunks at the device's own
// callback cadence. Start may be called again after Stop.
type MicSource interface {
	Start(onChunk func(pcm []byte)) error
	Stop() error
	Close() error
}

// CaptureDevice describes one enumerable audio input.
type CaptureDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Mic is the malgo-backed MicSource. One Mic maps to one selected capture
// device; reselecting a device means closing and rebuilding the Mic.
type Mic struct {
	ctx        malgo.Context
	sampleRate int
	frameMS    int
	deviceID   string

	mu      sync.Mutex
	device  *malgo.Device
	started bool
}

type MicConfig struct {
	SampleRate int
	FrameMS    int
	DeviceID   string // empty selects the system default
}

func NewMic(ctx malgo.Context, cfg MicConfig) *Mic {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = 20
	}
	return &Mic{
		ctx:        ctx,
		sampleRate: cfg.SampleRate,
		frameMS:    cfg.FrameMS,
		deviceID:   strings.TrimSpace(cfg.DeviceID),
	}
}

func (m *Mic) Start(onChunk func(pcm []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.frameMS)

	if m.deviceID != "" {
		id, err := m.resolveDeviceID(m.deviceID)
		if err != nil {
			return err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if onChunk == nil || len(input) == 0 {
				return
			}
			chunk := make([]byte, len(input))
			copy(chunk, input)
			onChunk(chunk)
		},
	}

	device, err := malgo.InitDevice(m.ctx, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}
	m.device = device
	m.started = true
	return nil
}

func (m *Mic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	if m.device != nil {
		err := m.device.Stop()
		m.device.Uninit()
		m.device = nil
		return err
	}
	return nil
}

func (m *Mic) Close() error {
	return m.Stop()
}

func (m *Mic) resolveDeviceID(want string) (malgo.DeviceID, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("enumerate capture devices: %w", err)
	}
	for _, info := range infos {
		if info.ID.String() == want {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("capture device %q not found", want)
}

// ListCaptureDevices enumerates the host's audio inputs.
func ListCaptureDevices(ctx malgo.Context) ([]CaptureDevice, error) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	out := make([]CaptureDevice, 0, len(infos))
	for _, info := range infos {
		out = append(out, CaptureDevice{ID: info.ID.String(), Name: info.Name()})
	}
	return out, nil
}
