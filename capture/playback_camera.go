package capture

import (
	"io"

	"github.com/pkg/errors"

	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/framesource/playback"
)

// playbackCamera replays a recording. Framesets are read on demand by
// WaitForCapturedFrameset, so there is no capture goroutine.
type playbackCamera struct {
	*baseCamera
	path string
}

func newPlaybackCamera(params cameraParams, path string) *playbackCamera {
	c := &playbackCamera{baseCamera: newBaseCamera(params, nil), path: path}
	c.baseCamera.grabber = c
	return c
}

func (c *playbackCamera) PreStart() error {
	if c.device == nil {
		dev, err := playback.OpenDevice(c.path)
		if err != nil {
			return NewHardwareInitError(c.serial, err)
		}
		if dev.Serial() != c.serial {
			c.logger.Debugw("recording was made by another serial", "recorded", dev.Serial())
		}
		dev.SetStatusCallback(func(status playback.Status) {
			if status == playback.StatusStopped {
				c.logger.Debug("end of recording reached")
				c.eos.Store(true)
			}
		})
		c.device = dev
	}
	return c.baseCamera.PreStart()
}

func (c *playbackCamera) grab() (*framesource.Frameset, error) {
	fs, err := c.pipeline.WaitForFrameset(c.captureTimeout)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		c.eos.Store(true)
		return nil, err
	case errors.Is(err, framesource.ErrFrameTimeout), errors.Is(err, framesource.ErrPipelineStopped):
		return nil, err
	default:
		// The decoder cannot resync after a bad record, so the rest of the file is lost.
		c.logger.Errorw("recording is unreadable, ending playback", "file", c.path, "error", err)
		c.eos.Store(true)
		return nil, err
	}
	c.nCaptured.Add(1)
	return fs, nil
}
