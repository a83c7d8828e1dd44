// Package framesource defines the boundary to an RGB-D camera SDK: device discovery,
// hardware configuration, frame-clock sync roles and the pipeline that delivers
// synchronized depth and color framesets.
//
// Implementations live in sub packages. fake renders a synthetic scene and playback
// replays framesets recorded by a Recorder.
package framesource

import (
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrFrameTimeout is returned by WaitForFrameset when no frameset arrived in time.
	ErrFrameTimeout = errors.New("timed out waiting for frameset")
	// ErrPipelineStopped is returned by WaitForFrameset once the pipeline is stopped.
	ErrPipelineStopped = errors.New("pipeline is stopped")
	// ErrDeviceNotFound is returned when opening a serial that is not attached.
	ErrDeviceNotFound = errors.New("device not found")
)

// SyncRole is the role of a device in a hardware frame-clock sync chain.
type SyncRole int

const (
	// SyncStandalone runs the device on its own clock.
	SyncStandalone SyncRole = iota
	// SyncPrimary drives the clock of every subordinate.
	SyncPrimary
	// SyncSubordinate follows the clock of the primary.
	SyncSubordinate
)

func (r SyncRole) String() string {
	switch r {
	case SyncStandalone:
		return "standalone"
	case SyncPrimary:
		return "primary"
	case SyncSubordinate:
		return "subordinate"
	}
	return "unknown"
}

// Format is the pixel format of a stream.
type Format string

const (
	// FormatBGRA is 8 bit blue, green, red, alpha.
	FormatBGRA Format = "BGRA"
	// FormatY16 is 16 bit depth in millimetres.
	FormatY16 Format = "Y16"
)

// AlignMode selects which stream is registered onto the other.
type AlignMode int

const (
	// AlignDepthToColor maps depth pixels onto the color image.
	AlignDepthToColor AlignMode = iota
	// AlignColorToDepth maps color pixels onto the depth image.
	AlignColorToDepth
)

// HardwareSettings are the per-session device properties. Negative exposure and white
// balance select automatic control.
type HardwareSettings struct {
	ColorWidth                 int   `json:"color_width"`
	ColorHeight                int   `json:"color_height"`
	DepthWidth                 int   `json:"depth_width"`
	DepthHeight                int   `json:"depth_height"`
	FPS                        int   `json:"fps"`
	ColorExposureTime          int32 `json:"color_exposure_time"`
	ColorWhitebalance          int32 `json:"color_whitebalance"`
	ColorBacklightCompensation int32 `json:"color_backlight_compensation"`
	ColorBrightness            int32 `json:"color_brightness"`
	ColorContrast              int32 `json:"color_contrast"`
	ColorSaturation            int32 `json:"color_saturation"`
	ColorSharpness             int32 `json:"color_sharpness"`
	ColorGain                  int32 `json:"color_gain"`
	ColorPowerlineFrequency    int32 `json:"color_powerline_frequency"`
}

// DefaultHardwareSettings returns 1280x720 color, 640x576 depth at 30 fps with automatic
// exposure and white balance.
func DefaultHardwareSettings() HardwareSettings {
	return HardwareSettings{
		ColorWidth:              1280,
		ColorHeight:             720,
		DepthWidth:              640,
		DepthHeight:             576,
		FPS:                     30,
		ColorExposureTime:       -1,
		ColorWhitebalance:       -1,
		ColorBrightness:         128,
		ColorContrast:           5,
		ColorSaturation:         32,
		ColorSharpness:          2,
		ColorPowerlineFrequency: 2,
	}
}

// StreamConfig selects the streams a pipeline delivers.
type StreamConfig struct {
	ColorWidth, ColorHeight int
	DepthWidth, DepthHeight int
	FPS                     int
	ColorFormat             Format
	DepthFormat             Format
	Align                   AlignMode
}

// FramePeriod returns the time between two framesets.
func (sc StreamConfig) FramePeriod() time.Duration {
	if sc.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(sc.FPS)
}

// DeviceInfo describes an attached device.
type DeviceInfo struct {
	Serial string
	Name   string
}

// Context enumerates and opens the devices attached to this machine.
type Context interface {
	QueryDevices() ([]DeviceInfo, error)
	DeviceCount() int
	OpenDevice(serial string) (Device, error)
}

// Device is one opened camera.
type Device interface {
	Serial() string
	// ApplyHardware pushes the settings to the device. Devices reject values they do
	// not support.
	ApplyHardware(HardwareSettings) error
	SetSyncRole(SyncRole) error
	NewPipeline() (Pipeline, error)
}

// Pipeline delivers framesets. WaitForFrameset returns ErrFrameTimeout when nothing
// arrived within timeout, ErrPipelineStopped after Stop, and io.EOF at the end of a
// recording.
type Pipeline interface {
	Start(StreamConfig) error
	WaitForFrameset(timeout time.Duration) (*Frameset, error)
	Stop() error
}
