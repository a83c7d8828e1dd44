package capture

import (
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/framesource/playback"
)

// liveCamera reads an attached device. A capture goroutine keeps the most recent
// frameset waiting for WaitForCapturedFrameset, and records every frameset when the
// session records to a directory.
type liveCamera struct {
	*baseCamera
	captureQueue *handoffQueue
	ended        chan struct{}
	sessionID    uuid.UUID
	recorder     *playback.Recorder
}

func newLiveCamera(params cameraParams, device framesource.Device, sessionID uuid.UUID) *liveCamera {
	c := &liveCamera{
		baseCamera:   newBaseCamera(params, device),
		captureQueue: newHandoffQueue(),
		ended:        make(chan struct{}),
		sessionID:    sessionID,
	}
	c.baseCamera.grabber = c
	return c
}

func (c *liveCamera) StartCamera() error {
	if dir := c.cfg.System.RecordToDirectory; dir != "" {
		rec, err := playback.NewRecorder(dir, c.serial, c.sessionID, c.cfg.Hardware)
		if err != nil {
			return errors.Wrapf(err, "cannot record camera %q", c.serial)
		}
		c.recorder = rec
		c.logger.Infow("recording", "file", rec.Path())
	}
	if err := c.baseCamera.StartCamera(); err != nil {
		if c.recorder != nil {
			err = multierr.Combine(err, c.recorder.Close())
			c.recorder = nil
		}
		return err
	}
	return nil
}

func (c *liveCamera) StartStreaming() {
	if !c.started || !c.stopped.Load() {
		c.baseCamera.StartStreaming()
		return
	}
	pipeline := c.pipeline
	c.baseCamera.StartStreaming()
	c.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer c.workers.Done()
		c.captureLoop(pipeline)
	})
}

func (c *liveCamera) captureLoop(pipeline framesource.Pipeline) {
	c.logger.Debug("capture goroutine started")
	defer c.logger.Debug("capture goroutine exiting")
	for !c.stopped.Load() {
		fs, err := pipeline.WaitForFrameset(c.captureTimeout)
		switch {
		case err == nil:
		case errors.Is(err, framesource.ErrPipelineStopped):
			return
		case errors.Is(err, io.EOF):
			c.logger.Info("device reported end of stream")
			c.eos.Store(true)
			close(c.ended)
			return
		case errors.Is(err, framesource.ErrFrameTimeout):
			c.logger.Warnw("no frameset from device", "timeout", c.captureTimeout)
			continue
		default:
			c.logger.Warnw("cannot capture frameset", "error", err)
			continue
		}
		c.nCaptured.Add(1)
		if c.recorder != nil {
			if err := c.recorder.Record(fs); err != nil {
				c.logger.Warnw("cannot record frameset", "error", err)
			}
		}
		if evicted := c.captureQueue.Replace(fs); evicted != nil {
			c.nDroppedCaptures.Add(1)
		}
	}
}

// grab returns the most recent frameset of the capture goroutine.
func (c *liveCamera) grab() (*framesource.Frameset, error) {
	timer := c.clock.Timer(c.captureTimeout)
	defer timer.Stop()
	select {
	case fs := <-c.captureQueue.slot:
		return fs, nil
	case <-c.stopCh:
		return nil, framesource.ErrPipelineStopped
	case <-c.abort:
		return nil, framesource.ErrPipelineStopped
	case <-c.ended:
		return nil, io.EOF
	case <-timer.C:
		return nil, framesource.ErrFrameTimeout
	}
}

func (c *liveCamera) StopCamera() error {
	err := c.baseCamera.StopCamera()
	c.captureQueue.Drain()
	if c.recorder != nil {
		c.logger.Infow("recording closed", "file", c.recorder.Path(), "framesets", c.recorder.Written())
		err = multierr.Combine(err, c.recorder.Close())
	}
	return err
}
