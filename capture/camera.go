package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/utils"

	"github.com/volcap/multicam/config"
	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/logging"
	"github.com/volcap/multicam/pointcloud"
	"github.com/volcap/multicam/rimage"
)

// Camera is one capturing camera as the Capturer drives it. Every cycle the Capturer
// calls WaitForCapturedFrameset, PushFramesetForProcessing, WaitForProcessingComplete
// and CurrentPointCloud, in that order.
type Camera interface {
	Serial() string
	Index() int
	IsSyncMaster() bool

	// PreStart pushes the hardware settings and sync role to the device.
	PreStart() error
	// StartCamera starts the device pipeline.
	StartCamera() error
	// StartStreaming starts the goroutines of the camera.
	StartStreaming()

	// WaitForCapturedFrameset blocks until a frameset with a depth timestamp of at least
	// minimum arrives and returns that timestamp. It returns 0 when the camera is stopped
	// or nothing arrived, and 1 for a frameset without depth.
	WaitForCapturedFrameset(minimum uint64) uint64
	// PushFramesetForProcessing hands the captured frameset to the processing goroutine.
	// It is dropped when the previous one was not picked up yet.
	PushFramesetForProcessing()
	// WaitForProcessingComplete blocks until the processing goroutine finished a frameset.
	WaitForProcessingComplete()
	CurrentPointCloud() *pointcloud.PointCloud

	SaveAuxiliaryData(dst *pointcloud.AuxiliaryData, want config.AuxData)
	Map2D3D(x, y, depth int) (r3.Vector, error)
	MapColorDepth(u, v int) (int, int, error)
	PointSize() float64
	EndOfStream() bool
	Stats() CameraStats

	// StopCamera stops the goroutines and the pipeline. It is safe to call on a camera
	// that never started streaming.
	StopCamera() error
}

// CameraStats counts what happened to the framesets of one camera.
type CameraStats struct {
	Serial            string
	Captured          int64
	DroppedCaptures   int64
	DroppedProcessing int64
	Processed         int64
	EmptyClouds       int64
	LastPoints        int
}

const (
	defaultDequeueTimeout = 10 * time.Second
	defaultCaptureTimeout = 2 * time.Second
)

type cameraParams struct {
	logger         logging.Logger
	cfg            *config.CaptureConfig
	camCfg         *config.CameraConfig
	index          int
	clock          clock.Clock
	dequeueTimeout time.Duration
	captureTimeout time.Duration
	// abort is closed when the owning session stops, releasing the control goroutine from
	// any wait on this camera.
	abort <-chan struct{}
}

// grabber supplies captured framesets to WaitForCapturedFrameset.
type grabber interface {
	grab() (*framesource.Frameset, error)
}

// baseCamera implements the parts of Camera shared by live and playback cameras.
type baseCamera struct {
	cameraParams
	serial string
	device framesource.Device
	grabber

	pipeline framesource.Pipeline
	started  bool

	stopped           atomic.Bool
	stopCh            chan struct{}
	stopOnce          sync.Once
	waitingForCapture atomic.Bool
	eos               atomic.Bool

	processing *handoffQueue
	done       chan struct{}
	workers    sync.WaitGroup

	// captured is only touched by the goroutine driving the camera.
	captured *framesource.Frameset

	mu        sync.Mutex
	current   *pointcloud.PointCloud
	processed *framesource.Frameset
	pointSize float64

	nCaptured          atomic.Int64
	nDroppedCaptures   atomic.Int64
	nDroppedProcessing atomic.Int64
	nProcessed         atomic.Int64
	nEmpty             atomic.Int64
}

func newBaseCamera(params cameraParams, device framesource.Device) *baseCamera {
	if params.clock == nil {
		params.clock = clock.New()
	}
	if params.dequeueTimeout <= 0 {
		params.dequeueTimeout = defaultDequeueTimeout
	}
	if params.captureTimeout <= 0 {
		params.captureTimeout = defaultCaptureTimeout
	}
	c := &baseCamera{
		cameraParams: params,
		serial:       params.camCfg.Serial,
		device:       device,
		stopCh:       make(chan struct{}),
		processing:   newHandoffQueue(),
		done:         make(chan struct{}, 1),
	}
	c.stopped.Store(true)
	return c
}

func (c *baseCamera) Serial() string {
	return c.serial
}

func (c *baseCamera) Index() int {
	return c.index
}

func (c *baseCamera) IsSyncMaster() bool {
	return c.cfg.Sync.MasterSerial != "" && !c.cfg.Sync.IgnoreSync && c.cfg.Sync.MasterSerial == c.serial
}

func (c *baseCamera) syncRole() framesource.SyncRole {
	switch {
	case c.cfg.Sync.MasterSerial == "" || c.cfg.Sync.IgnoreSync:
		return framesource.SyncStandalone
	case c.IsSyncMaster():
		return framesource.SyncPrimary
	default:
		return framesource.SyncSubordinate
	}
}

func (c *baseCamera) PreStart() error {
	if err := c.device.ApplyHardware(c.cfg.Hardware); err != nil {
		return NewHardwareInitError(c.serial, err)
	}
	if err := c.device.SetSyncRole(c.syncRole()); err != nil {
		return NewHardwareInitError(c.serial, err)
	}
	return nil
}

func (c *baseCamera) streamConfig() framesource.StreamConfig {
	hw := c.cfg.Hardware
	sc := framesource.StreamConfig{
		ColorWidth:  hw.ColorWidth,
		ColorHeight: hw.ColorHeight,
		DepthWidth:  hw.DepthWidth,
		DepthHeight: hw.DepthHeight,
		FPS:         hw.FPS,
		ColorFormat: framesource.FormatBGRA,
		DepthFormat: framesource.FormatY16,
		Align:       framesource.AlignDepthToColor,
	}
	if c.cfg.Filtering.MapColorToDepth {
		sc.Align = framesource.AlignColorToDepth
	}
	return sc
}

func (c *baseCamera) StartCamera() error {
	pipeline, err := c.device.NewPipeline()
	if err != nil {
		return NewHardwareInitError(c.serial, err)
	}
	if err := pipeline.Start(c.streamConfig()); err != nil {
		return NewHardwareInitError(c.serial, err)
	}
	c.pipeline = pipeline
	c.started = true
	c.logger.Debugw("camera started", "index", c.index, "role", c.syncRole())
	return nil
}

// StartStreaming starts the processing goroutine.
func (c *baseCamera) StartStreaming() {
	if !c.started || !c.stopped.Load() {
		c.logger.Warn("start streaming called on a camera that is not started or already streaming")
		return
	}
	c.stopped.Store(false)
	c.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer c.workers.Done()
		c.processLoop()
	})
}

func (c *baseCamera) WaitForCapturedFrameset(minimum uint64) uint64 {
	if c.stopped.Load() || c.pipeline == nil {
		return 0
	}
	for {
		c.waitingForCapture.Store(true)
		fs, err := c.grab()
		if err != nil || fs == nil {
			if err != nil {
				c.logger.Debugw("no frameset", "error", err)
			}
			c.captured = nil
			return 0
		}
		c.captured = fs
		if fs.Depth == nil {
			c.logger.Warnw("frameset without depth frame", "frameset", fs.Index)
			return 1
		}
		ts := fs.Depth.TimestampUs
		if ts >= minimum {
			return ts
		}
		c.logger.Debugw("dropping old frameset", "timestamp", ts, "minimum", minimum)
	}
}

func (c *baseCamera) PushFramesetForProcessing() {
	fs := c.captured
	c.captured = nil
	if fs == nil || c.stopped.Load() {
		return
	}
	if !c.processing.TryEnqueue(fs) {
		c.nDroppedProcessing.Add(1)
		c.logger.Warnw("processing queue full, dropping frameset", "frameset", fs.Index)
	}
}

func (c *baseCamera) WaitForProcessingComplete() {
	select {
	case <-c.done:
	case <-c.abort:
	}
}

func (c *baseCamera) signalDone() {
	select {
	case c.done <- struct{}{}:
	default:
	}
}

func (c *baseCamera) CurrentPointCloud() *pointcloud.PointCloud {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *baseCamera) processLoop() {
	c.logger.Debug("processing goroutine started")
	for !c.stopped.Load() {
		fs, ok := c.processing.DequeueTimeout(c.clock, c.dequeueTimeout)
		if !ok {
			if c.waitingForCapture.Load() {
				c.logger.Warnw("processing goroutine timed out waiting for a frameset", "timeout", c.dequeueTimeout)
			}
			continue
		}
		c.waitingForCapture.Store(false)
		if fs == nil {
			if !c.stopped.Load() {
				c.logger.Error("processing queue produced a nil frameset")
			}
			break
		}

		cloud := c.processFrameset(fs)
		c.mu.Lock()
		c.current = cloud
		if fs.Depth != nil && fs.Color != nil {
			c.processed = fs
			if c.pointSize == 0 {
				c.pointSize = fs.Depth.Intrinsics.PointSize()
			}
		}
		c.mu.Unlock()
		c.nProcessed.Add(1)
		c.signalDone()
	}
	c.logger.Debug("processing goroutine exiting")
}

// processFrameset turns fs into a world space cloud with every configured filter applied.
func (c *baseCamera) processFrameset(fs *framesource.Frameset) *pointcloud.PointCloud {
	if fs.Depth == nil {
		c.nEmpty.Add(1)
		c.logger.Warnw("empty point cloud, missing depth frame", "frameset", fs.Index)
		return pointcloud.New()
	}
	if fs.Color == nil {
		c.nEmpty.Add(1)
		c.logger.Warnw("empty point cloud, missing color frame", "frameset", fs.Index)
		return pointcloud.New()
	}

	proc := c.cfg.Processing
	if proc.DepthXErosion > 0 || proc.DepthYErosion > 0 {
		fs = &framesource.Frameset{
			Index: fs.Index,
			Depth: erodeDepth(fs.Depth, proc.DepthXErosion, proc.DepthYErosion),
			Color: fs.Color,
		}
	}
	candidates, err := framesource.PointCloudFilter(fs)
	if err != nil {
		c.nEmpty.Add(1)
		c.logger.Warnw("cannot convert frameset", "frameset", fs.Index, "error", err)
		return pointcloud.New()
	}

	filt := c.cfg.Filtering
	trafo := c.camCfg.Trafo
	doHeight := proc.HeightFilterEnabled()
	doRadius := proc.RadiusFilter > 0
	tile := pointcloud.TileForCamera(c.index)
	if c.cfg.System.SingleTile >= 0 {
		tile = uint8(c.cfg.System.SingleTile)
	}

	cloud := pointcloud.NewWithPrealloc(len(candidates))
	for _, cp := range candidates {
		if cp.Z == 0 {
			continue
		}
		local := r3.Vector{X: float64(cp.X) / 1000, Y: float64(cp.Y) / 1000, Z: float64(cp.Z) / 1000}
		if filt.DoThreshold && (local.Z < filt.ThresholdNear || local.Z > filt.ThresholdFar) {
			continue
		}
		pt := trafo.Apply(local)
		if doHeight && (pt.Y < proc.HeightMin || pt.Y > proc.HeightMax) {
			continue
		}
		if doRadius && math.Hypot(pt.X, pt.Z) > proc.RadiusFilter {
			continue
		}
		// The converter reports blue in R and red in B.
		r, g, b := cp.B, cp.G, cp.R
		if proc.GreenscreenRemoval && rimage.DefaultGreenscreen.MatchesRGB(r, g, b) {
			continue
		}
		cloud.Append(pointcloud.NewPoint(pt.X, pt.Y, pt.Z, r, g, b, tile))
	}
	if cloud.Size() == 0 {
		c.nEmpty.Add(1)
		c.logger.Warnw("captured empty point cloud", "frameset", fs.Index)
	}
	return cloud
}

// erodeDepth invalidates every pixel within xErosion columns or yErosion rows of a
// pixel without depth.
func erodeDepth(in *framesource.DepthFrame, xErosion, yErosion int) *framesource.DepthFrame {
	out := *in
	out.Data = make([]uint16, len(in.Data))
	copy(out.Data, in.Data)
	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			if in.Data[y*in.Width+x] != 0 {
				continue
			}
			for dx := -xErosion; dx <= xErosion; dx++ {
				if nx := x + dx; nx >= 0 && nx < in.Width {
					out.Data[y*in.Width+nx] = 0
				}
			}
			for dy := -yErosion; dy <= yErosion; dy++ {
				if ny := y + dy; ny >= 0 && ny < in.Height {
					out.Data[ny*in.Width+x] = 0
				}
			}
		}
	}
	return &out
}

func (c *baseCamera) lastProcessed() *framesource.Frameset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

func (c *baseCamera) SaveAuxiliaryData(dst *pointcloud.AuxiliaryData, want config.AuxData) {
	if !want.WantRGB && !want.WantDepth && !want.WantTimestamps {
		return
	}
	fs := c.lastProcessed()
	if fs == nil {
		c.logger.Debug("no processed frameset for auxiliary data yet")
		return
	}
	if want.WantRGB {
		color := fs.Color
		data := make([]byte, len(color.Data))
		copy(data, color.Data)
		dst.Insert("rgb."+c.serial,
			pointcloud.ImageDescription(color.Width, color.Height, color.Stride(), 4, pointcloud.FormatBGRA), data)
	}
	if want.WantDepth {
		depth := fs.Depth
		dst.Insert("depth."+c.serial,
			pointcloud.ImageDescription(depth.Width, depth.Height, depth.Width*2, 2, pointcloud.FormatZ16), depth.Bytes())
	}
	if want.WantTimestamps {
		data := make([]byte, 16)
		binary.LittleEndian.PutUint64(data, fs.Depth.TimestampUs)
		binary.LittleEndian.PutUint64(data[8:], fs.Color.TimestampUs)
		dst.Insert("timestamps."+c.serial, fmt.Sprintf("depth=%d,color=%d,format=uint64le", fs.Depth.TimestampUs,
			fs.Color.TimestampUs), data)
	}
}

func (c *baseCamera) Map2D3D(x, y, depth int) (r3.Vector, error) {
	fs := c.lastProcessed()
	if fs == nil {
		return r3.Vector{}, ErrNoFrameAvailable
	}
	local := fs.Depth.Intrinsics.ImagePointTo3DPoint(x, y, float64(depth))
	return c.camCfg.Trafo.Apply(local.Mul(1. / 1000)), nil
}

// MapColorDepth returns its input: color and depth images are registered onto each other.
func (c *baseCamera) MapColorDepth(u, v int) (int, int, error) {
	if c.lastProcessed() == nil {
		return 0, 0, ErrNoFrameAvailable
	}
	return u, v, nil
}

func (c *baseCamera) PointSize() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pointSize
}

func (c *baseCamera) EndOfStream() bool {
	return c.eos.Load()
}

func (c *baseCamera) Stats() CameraStats {
	return CameraStats{
		Serial:            c.serial,
		Captured:          c.nCaptured.Load(),
		DroppedCaptures:   c.nDroppedCaptures.Load(),
		DroppedProcessing: c.nDroppedProcessing.Load(),
		Processed:         c.nProcessed.Load(),
		EmptyClouds:       c.nEmpty.Load(),
		LastPoints:        c.CurrentPointCloud().Size(),
	}
}

func (c *baseCamera) StopCamera() error {
	c.logger.Debug("stopping camera")
	c.stopped.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })

	var err error
	if c.started && c.pipeline != nil {
		err = c.pipeline.Stop()
	}
	c.processing.Poison()
	c.workers.Wait()
	c.pipeline = nil
	c.started = false
	c.signalDone()
	c.logger.Debug("camera stopped")
	return err
}
