// Package capture drives a set of RGB-D cameras in lock step and merges their point
// clouds. A Capturer owns one control goroutine that runs a capture cycle whenever a
// consumer asks for a fresh cloud: grab a frameset from every camera, hand the framesets
// to the per camera processing goroutines, wait for them and merge the results in camera
// index order.
package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/volcap/multicam/config"
	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/logging"
	"github.com/volcap/multicam/pointcloud"
)

// AvailableTimeout bounds PointcloudAvailable(true).
const AvailableTimeout = time.Second

// State is the phase of the control goroutine.
type State int

// The phases of a capture cycle. A session goes from StateIdle to StateWaitForRequest
// and then loops until StateStopped.
const (
	StateIdle State = iota
	StateWaitForRequest
	StateCapturing
	StateAwaitingProcessing
	StateMerging
	StatePublished
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitForRequest:
		return "wait_for_request"
	case StateCapturing:
		return "capturing"
	case StateAwaitingProcessing:
		return "awaiting_processing"
	case StateMerging:
		return "merging"
	case StatePublished:
		return "published"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// An Option configures a Capturer.
type Option func(*Capturer)

// WithClock replaces the wall clock, used for new timestamps and bounded waits.
func WithClock(clk clock.Clock) Option {
	return func(c *Capturer) {
		c.clock = clk
	}
}

// WithDequeueTimeout sets how long a processing goroutine waits for a frameset before
// it checks for a stall.
func WithDequeueTimeout(d time.Duration) Option {
	return func(c *Capturer) {
		c.dequeueTimeout = d
	}
}

// WithCaptureTimeout sets how long a camera waits for its device to deliver a frameset.
func WithCaptureTimeout(d time.Duration) Option {
	return func(c *Capturer) {
		c.captureTimeout = d
	}
}

// Capturer is the capture orchestrator. All methods are safe for concurrent use.
type Capturer struct {
	fsCtx          framesource.Context
	logger         logging.Logger
	clock          clock.Clock
	dequeueTimeout time.Duration
	captureTimeout time.Duration
	merge          func(dst *pointcloud.PointCloud, clouds ...*pointcloud.PointCloud) int

	// lifecycleMu serializes starting and stopping sessions.
	lifecycleMu sync.Mutex
	stopped     atomic.Bool
	eof         atomic.Bool
	wantNew     chan struct{}

	mu        sync.Mutex
	cfg       *config.CaptureConfig
	cameras   []Camera
	sessionID uuid.UUID
	stopCh    chan struct{}
	done      chan struct{}
	state     State
	aux       config.AuxData

	merged  *MergedPointCloud
	isFresh bool
	freshCh chan struct{}

	cycles      cycleTimes
	produced    int
	delivered   int
	discarded   int
	mergeErrors int
}

// NewCapturer returns an idle Capturer. fsCtx enumerates live devices and may be nil
// when only playback configurations are used.
func NewCapturer(fsCtx framesource.Context, logger logging.Logger, opts ...Option) *Capturer {
	c := &Capturer{
		fsCtx:   fsCtx,
		logger:  logger,
		clock:   clock.New(),
		merge:   pointcloud.Merge,
		wantNew: make(chan struct{}, 1),
		freshCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stopped.Store(true)
	return c
}

// LoadAndStart loads a configuration with config.Load and starts a session with it.
func (c *Capturer) LoadAndStart(ctx context.Context, source string) error {
	cfg, err := config.Load(source, c.fsCtx)
	if err != nil {
		return err
	}
	return c.ConfigReloadAndStart(ctx, cfg)
}

// ConfigReloadAndStart stops the running session, if any, and starts a new one with cfg.
// On error no camera is left running.
func (c *Capturer) ConfigReloadAndStart(ctx context.Context, cfg *config.CaptureConfig) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.unload(); err != nil {
		c.logger.Warnw("errors while stopping previous session", "error", err)
	}
	if err := cfg.Validate("config"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	owned := *cfg
	owned.Cameras = append([]config.CameraConfig(nil), cfg.Cameras...)
	if owned.System.Debug {
		c.logger.SetLevel(logging.DEBUG)
	}
	if owned.EnabledCameras() == 0 {
		return config.ErrNoCameras
	}

	sessionID := uuid.New()
	stopCh := make(chan struct{})
	var (
		cams []Camera
		err  error
	)
	if owned.IsPlayback() {
		cams, err = c.createPlaybackCameras(&owned, stopCh)
	} else {
		cams, err = c.createLiveCameras(&owned, sessionID, stopCh)
	}
	if err != nil {
		return err
	}
	return c.run(&owned, cams, sessionID, stopCh)
}

func (c *Capturer) params(cfg *config.CaptureConfig, camCfg *config.CameraConfig, index int,
	stopCh chan struct{},
) cameraParams {
	return cameraParams{
		logger:         c.logger.Sublogger(camCfg.Serial),
		cfg:            cfg,
		camCfg:         camCfg,
		index:          index,
		clock:          c.clock,
		dequeueTimeout: c.dequeueTimeout,
		captureTimeout: c.captureTimeout,
		abort:          stopCh,
	}
}

func (c *Capturer) createLiveCameras(cfg *config.CaptureConfig, sessionID uuid.UUID, stopCh chan struct{}) ([]Camera, error) {
	if c.fsCtx == nil {
		return nil, errors.New("no device context for live cameras")
	}
	devices, err := c.fsCtx.QueryDevices()
	if err != nil {
		return nil, errors.Wrap(err, "cannot enumerate devices")
	}
	for i := range cfg.Cameras {
		cfg.Cameras[i].Connected = false
	}
	for _, dev := range devices {
		camCfg := cfg.Camera(dev.Serial)
		if camCfg == nil {
			return nil, errors.Wrapf(ErrUnknownCamera, "serial %q", dev.Serial)
		}
		if camCfg.Type != config.TypeLive {
			return nil, errors.Wrapf(ErrCameraTypeMismatch, "camera %q has type %q", dev.Serial, camCfg.Type)
		}
		if camCfg.Disabled {
			c.logger.Infow("camera is disabled", "serial", dev.Serial)
			continue
		}
		camCfg.Connected = true
	}

	var cams []Camera
	for i := range cfg.Cameras {
		camCfg := &cfg.Cameras[i]
		if camCfg.Disabled {
			continue
		}
		if !camCfg.Connected {
			return nil, errors.Wrapf(ErrCameraNotConnected, "serial %q", camCfg.Serial)
		}
		dev, err := c.fsCtx.OpenDevice(camCfg.Serial)
		if err != nil {
			return nil, errors.Wrapf(ErrCameraNotConnected, "serial %q: %v", camCfg.Serial, err)
		}
		cams = append(cams, newLiveCamera(c.params(cfg, camCfg, len(cams), stopCh), dev, sessionID))
	}
	return cams, nil
}

func (c *Capturer) createPlaybackCameras(cfg *config.CaptureConfig, stopCh chan struct{}) ([]Camera, error) {
	var cams []Camera
	for i := range cfg.Cameras {
		camCfg := &cfg.Cameras[i]
		if camCfg.Disabled {
			continue
		}
		if camCfg.Type != config.TypePlayback {
			return nil, errors.Wrapf(ErrCameraTypeMismatch, "camera %q has type %q", camCfg.Serial, camCfg.Type)
		}
		path := cfg.RecordingPath(camCfg)
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(ErrCameraNotConnected, "serial %q: %v", camCfg.Serial, err)
		}
		camCfg.Connected = true
		cams = append(cams, newPlaybackCamera(c.params(cfg, camCfg, len(cams), stopCh), path))
	}
	return cams, nil
}

// run starts cams, every subordinate before the sync master, and then the control
// goroutine.
func (c *Capturer) run(cfg *config.CaptureConfig, cams []Camera, sessionID uuid.UUID, stopCh chan struct{}) error {
	if err := startCameras(cams); err != nil {
		return multierr.Combine(err, stopCameras(cams))
	}
	c.logger.Infow("capture session started", "cameras", len(cams), "type", cfg.Type, "session", sessionID)

	done := make(chan struct{})
	c.mu.Lock()
	c.cfg = cfg
	c.cameras = cams
	c.sessionID = sessionID
	c.stopCh = stopCh
	c.done = done
	c.state = StateIdle
	c.merged = nil
	c.isFresh = false
	c.freshCh = make(chan struct{})
	c.cycles = cycleTimes{}
	c.produced, c.delivered, c.discarded, c.mergeErrors = 0, 0, 0, 0
	c.mu.Unlock()
	c.eof.Store(false)
	c.stopped.Store(false)
	c.drainWantNew()

	utils.PanicCapturingGo(func() {
		defer close(done)
		c.controlLoop(cfg, cams, stopCh)
	})
	return nil
}

func startCameras(cams []Camera) error {
	for _, cam := range cams {
		if err := cam.PreStart(); err != nil {
			return err
		}
	}
	var master Camera
	for _, cam := range cams {
		if cam.IsSyncMaster() {
			master = cam
			continue
		}
		if err := cam.StartCamera(); err != nil {
			return err
		}
	}
	if master != nil {
		if err := master.StartCamera(); err != nil {
			return err
		}
	}
	for _, cam := range cams {
		if cam != master {
			cam.StartStreaming()
		}
	}
	if master != nil {
		master.StartStreaming()
	}
	return nil
}

func stopCameras(cams []Camera) error {
	var g errgroup.Group
	errs := make([]error, len(cams))
	for i, cam := range cams {
		i, cam := i, cam
		g.Go(func() error {
			errs[i] = cam.StopCamera()
			return nil
		})
	}
	//nolint:errcheck
	g.Wait()
	return multierr.Combine(errs...)
}

// Stop ends the session: it wakes every waiting consumer, joins the control goroutine and
// stops all cameras. A recording session also writes the configuration to replay it.
func (c *Capturer) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if err := c.unload(); err != nil {
		c.logger.Warnw("errors while stopping cameras", "error", err)
	}
}

func (c *Capturer) unload() error {
	c.mu.Lock()
	cfg, cams, stopCh, done := c.cfg, c.cameras, c.stopCh, c.done
	if stopCh == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopped.Store(true)
	c.state = StateStopped
	close(stopCh)
	c.stopCh = nil
	c.mu.Unlock()

	c.logger.Debug("stopping control goroutine")
	<-done
	c.logger.Debug("stopping cameras")
	err := stopCameras(cams)

	c.mu.Lock()
	cfg = c.cfg
	c.cameras = nil
	c.merged = nil
	c.isFresh = false
	c.mu.Unlock()
	c.drainWantNew()

	if dir := cfg.System.RecordToDirectory; dir != "" && !cfg.IsPlayback() {
		path := filepath.Join(dir, config.DefaultFilename)
		if werr := cfg.WriteFile(path, true); werr != nil {
			err = multierr.Combine(err, errors.Wrap(werr, "cannot write recording configuration"))
		} else {
			c.logger.Infow("wrote recording configuration", "file", path)
		}
	}
	c.logger.Info("capture session stopped")
	return err
}

func (c *Capturer) drainWantNew() {
	select {
	case <-c.wantNew:
	default:
	}
}

// RequestFreshPointcloud asks the control goroutine for a new cycle unless a fresh cloud
// is waiting already. Repeated requests coalesce.
func (c *Capturer) RequestFreshPointcloud() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isFresh || c.stopped.Load() {
		return
	}
	select {
	case c.wantNew <- struct{}{}:
	default:
	}
}

// PointcloudAvailable requests a fresh cloud and reports whether one is ready. With wait
// it blocks for at most AvailableTimeout.
func (c *Capturer) PointcloudAvailable(wait bool) bool {
	if !c.IsValid() {
		c.logger.Warn("pointcloud available called without cameras")
		return false
	}
	c.RequestFreshPointcloud()
	c.mu.Lock()
	fresh, freshCh, done := c.isFresh, c.freshCh, c.done
	c.mu.Unlock()
	if fresh || !wait {
		return fresh
	}

	timer := c.clock.Timer(AvailableTimeout)
	defer timer.Stop()
	select {
	case <-freshCh:
	case <-done:
	case <-timer.C:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFresh
}

// GetPointcloud blocks until a fresh merged cloud is available and takes it. It returns
// nil when there are no cameras, after Stop and at the end of a recording.
func (c *Capturer) GetPointcloud() *MergedPointCloud {
	//nolint:errcheck
	pc, _ := c.GetPointcloudContext(context.Background())
	return pc
}

// GetPointcloudContext is GetPointcloud returning ctx.Err() when ctx is done first.
func (c *Capturer) GetPointcloudContext(ctx context.Context) (*MergedPointCloud, error) {
	if !c.IsValid() {
		c.logger.Warn("get pointcloud called without cameras, returning nil")
		return nil, nil
	}
	c.RequestFreshPointcloud()
	for {
		c.mu.Lock()
		if c.isFresh {
			pc := c.merged
			c.merged = nil
			c.isFresh = false
			c.freshCh = make(chan struct{})
			c.delivered++
			c.mu.Unlock()
			c.RequestFreshPointcloud()
			return pc, nil
		}
		freshCh, done := c.freshCh, c.done
		c.mu.Unlock()

		if c.stopped.Load() || done == nil {
			return nil, nil
		}
		select {
		case <-freshCh:
		case <-done:
			c.mu.Lock()
			fresh := c.isFresh
			c.mu.Unlock()
			if !fresh {
				return nil, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Capturer) setState(s State) {
	c.mu.Lock()
	if c.state != StateStopped {
		c.state = s
	}
	c.mu.Unlock()
}

// State returns the current phase of the control goroutine.
func (c *Capturer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Capturer) controlLoop(cfg *config.CaptureConfig, cams []Camera, stopCh <-chan struct{}) {
	c.logger.Debug("control goroutine started")
	defer c.logger.Debug("control goroutine exiting")
	for !c.stopped.Load() {
		c.setState(StateWaitForRequest)
		select {
		case <-stopCh:
			return
		case <-c.wantNew:
		}
		if c.stopped.Load() {
			return
		}
		for _, cam := range cams {
			if cam.EndOfStream() {
				c.logger.Infow("end of stream reached", "serial", cam.Serial())
				c.eof.Store(true)
				return
			}
		}

		c.setState(StateCapturing)
		start := c.clock.Now()
		timestamp, ok := c.captureAll(cams)
		if c.stopped.Load() {
			return
		}
		if !ok {
			// The request is still pending.
			select {
			case c.wantNew <- struct{}{}:
			default:
			}
			continue
		}
		if cfg.System.NewTimestamps {
			timestamp = uint64(c.clock.Now().UnixMilli())
		}
		c.logger.Debugw("creating point cloud", "timestamp", timestamp)
		pc := newMergedPointCloud(timestamp)

		c.mu.Lock()
		aux := c.aux
		c.mu.Unlock()
		for _, cam := range cams {
			cam.SaveAuxiliaryData(pc.Aux, aux)
		}
		for _, cam := range cams {
			cam.PushFramesetForProcessing()
		}

		c.mu.Lock()
		if c.merged != nil && c.isFresh {
			c.discarded++
			c.isFresh = false
			c.freshCh = make(chan struct{})
		}
		c.merged = pc
		c.mu.Unlock()

		c.setState(StateAwaitingProcessing)
		for _, cam := range cams {
			cam.WaitForProcessingComplete()
		}
		if c.stopped.Load() {
			return
		}

		c.setState(StateMerging)
		c.mergeClouds(pc, cams)
		if pc.Size() > 0 {
			c.logger.Debugw("merged point cloud", "points", pc.Size())
		} else {
			c.logger.Warn("merged point cloud is empty")
		}

		c.mu.Lock()
		if c.merged == pc && c.state != StateStopped {
			c.isFresh = true
			c.produced++
			c.cycles.add(float64(c.clock.Since(start)) / float64(time.Millisecond))
			c.state = StatePublished
			close(c.freshCh)
			c.drainWantNew()
		}
		c.mu.Unlock()
	}
}

// captureAll grabs one frameset from every camera. The first timestamp is the minimum
// for all later cameras and is returned.
func (c *Capturer) captureAll(cams []Camera) (uint64, bool) {
	var first uint64
	for _, cam := range cams {
		ts := cam.WaitForCapturedFrameset(first)
		if ts == 0 {
			if !c.stopped.Load() {
				c.logger.Warnw("no frameset captured", "serial", cam.Serial())
			}
			return 0, false
		}
		if first == 0 {
			first = ts
		}
	}
	return first, true
}

func (c *Capturer) mergeClouds(pc *MergedPointCloud, cams []Camera) {
	clouds := make([]*pointcloud.PointCloud, 0, len(cams))
	for _, cam := range cams {
		cloud := cam.CurrentPointCloud()
		if cloud == nil {
			c.logger.Warnw("camera has no point cloud", "serial", cam.Serial())
		}
		clouds = append(clouds, cloud)
	}
	expected := c.merge(pc.Cloud, clouds...)
	if got := pc.Cloud.Size(); got != expected {
		c.logger.Errorw("merged point cloud has a different number of points than expected",
			"expected", expected, "got", got)
		c.mu.Lock()
		c.mergeErrors++
		c.mu.Unlock()
	}
}

// GetPointSize returns the smallest point size of all cameras, or 0 without cameras or
// before any frameset was processed.
func (c *Capturer) GetPointSize() float64 {
	var size float64
	for _, cam := range c.snapshotCameras() {
		ps := cam.PointSize()
		if ps > 0 && (size == 0 || ps < size) {
			size = ps
		}
	}
	return size
}

func (c *Capturer) snapshotCameras() []Camera {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameras
}

func (c *Capturer) cameraForTile(tile uint8) (Camera, error) {
	for _, cam := range c.snapshotCameras() {
		if pointcloud.TileForCamera(cam.Index()) == tile {
			return cam, nil
		}
	}
	return nil, errors.Errorf("no camera for tile %d", tile)
}

// Map2D3D maps a depth pixel of the camera owning tile to world coordinates.
func (c *Capturer) Map2D3D(tile uint8, x, y, depth int) (r3.Vector, error) {
	cam, err := c.cameraForTile(tile)
	if err != nil {
		return r3.Vector{}, err
	}
	return cam.Map2D3D(x, y, depth)
}

// MapColorDepth maps a color pixel of the camera owning tile to its depth pixel.
func (c *Capturer) MapColorDepth(tile uint8, u, v int) (int, int, error) {
	cam, err := c.cameraForTile(tile)
	if err != nil {
		return 0, 0, err
	}
	return cam.MapColorDepth(u, v)
}

// RequestAuxiliaryData selects the payloads attached to every following merged cloud.
// Skeletons are not available from these cameras.
func (c *Capturer) RequestAuxiliaryData(rgb, depth, timestamps, skeleton bool) {
	if skeleton {
		c.logger.Warn("skeleton auxiliary data is not supported")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aux = config.AuxData{WantRGB: rgb, WantDepth: depth, WantTimestamps: timestamps, WantSkeleton: skeleton}
	if c.cfg != nil {
		// Readers marshal the config they fetched without holding mu, so it is never
		// written in place.
		cfg := *c.cfg
		cfg.AuxData = c.aux
		c.cfg = &cfg
	}
}

// EOF reports whether a playback camera reached the end of its recording.
func (c *Capturer) EOF() bool {
	return c.eof.Load()
}

// CameraCount returns the number of running cameras.
func (c *Capturer) CameraCount() int {
	return len(c.snapshotCameras())
}

// IsValid reports whether a session with at least one camera is running.
func (c *Capturer) IsValid() bool {
	return c.CameraCount() > 0
}

// ConfigJSON returns the configuration of the running session.
func (c *Capturer) ConfigJSON() (string, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	if cfg == nil {
		return "", ErrNotStarted
	}
	return cfg.ToJSON(false)
}

// Seek is not supported by any camera type.
func (c *Capturer) Seek(timestamp uint64) error {
	return errors.Wrapf(ErrSeekUnsupported, "timestamp %d", timestamp)
}

// SessionID identifies the running session. Recordings carry it in their header.
func (c *Capturer) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Statistics returns the counters of the current or last session.
func (c *Capturer) Statistics() Statistics {
	cams := c.snapshotCameras()
	c.mu.Lock()
	out := Statistics{
		Produced:    c.produced,
		Delivered:   c.delivered,
		Discarded:   c.discarded,
		MergeErrors: c.mergeErrors,
	}
	c.cycles.summarize(&out)
	c.mu.Unlock()
	for _, cam := range cams {
		out.Cameras = append(out.Cameras, cam.Stats())
	}
	return out
}
