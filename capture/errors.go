package capture

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCameraNotConnected is returned when a configured camera is not attached.
	ErrCameraNotConnected = errors.New("camera is not connected")
	// ErrCameraTypeMismatch is returned when a camera entry has the wrong type.
	ErrCameraTypeMismatch = errors.New("camera type does not match capturer type")
	// ErrUnknownCamera is returned when an attached camera is missing from the configuration.
	ErrUnknownCamera = errors.New("camera is connected but not in configuration")
	// ErrNoFrameAvailable is returned by pixel mapping before a frameset was processed.
	ErrNoFrameAvailable = errors.New("no frame processed yet")
	// ErrSeekUnsupported is returned by Seek.
	ErrSeekUnsupported = errors.New("seek is not supported")
	// ErrNotStarted is returned by calls that need a running session.
	ErrNotStarted = errors.New("capturer is not started")
)

// HardwareInitError is returned when a device rejects its configuration.
type HardwareInitError struct {
	Serial string
	Err    error
}

// NewHardwareInitError wraps err for the camera with the given serial.
func NewHardwareInitError(serial string, err error) error {
	return &HardwareInitError{Serial: serial, Err: err}
}

func (e *HardwareInitError) Error() string {
	return fmt.Sprintf("cannot initialize camera %q: %v", e.Serial, e.Err)
}

func (e *HardwareInitError) Unwrap() error {
	return e.Err
}
