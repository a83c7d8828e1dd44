package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/volcap/multicam/config"
	"github.com/volcap/multicam/framesource/fake"
	"github.com/volcap/multicam/logging"
	"github.com/volcap/multicam/pointcloud"
	"github.com/volcap/multicam/spatialmath"
)

func startTestCapturer(t *testing.T, fsCtx *fake.Context, cfg *config.CaptureConfig, opts ...Option) *Capturer {
	t.Helper()
	c := NewCapturer(fsCtx, logging.NewTestLogger(t), opts...)
	test.That(t, c.ConfigReloadAndStart(context.Background(), cfg), test.ShouldBeNil)
	t.Cleanup(c.Stop)
	return c
}

func TestCapturerMergesCameras(t *testing.T) {
	fsCtx := fake.NewContext("A", "B")
	fsCtx.Device("B").InvalidColumns = 3
	c := startTestCapturer(t, fsCtx, testCameraConfig("A", "B"))
	test.That(t, c.CameraCount(), test.ShouldEqual, 2)
	test.That(t, c.IsValid(), test.ShouldBeTrue)

	pc := c.GetPointcloud()
	test.That(t, pc, test.ShouldNotBeNil)
	perA := fake.ValidPointsPerFrame(32, 24, 1)
	perB := fake.ValidPointsPerFrame(32, 24, 3)
	test.That(t, pc.Size(), test.ShouldEqual, perA+perB)
	test.That(t, pc.Cloud.CountTile(1), test.ShouldEqual, perA)
	test.That(t, pc.Cloud.CountTile(2), test.ShouldEqual, perB)
	test.That(t, pc.Cloud.MetaData().Tiles, test.ShouldEqual, uint8(3))

	// Camera A comes first.
	test.That(t, pc.Cloud.At(0).Tile, test.ShouldEqual, uint8(1))
	test.That(t, pc.Cloud.At(pc.Size()-1).Tile, test.ShouldEqual, uint8(2))

	for _, p := range pc.Cloud.Points() {
		test.That(t, p.Position.Z, test.ShouldBeGreaterThanOrEqualTo, fake.BoxDepthMm/1000.0)
		test.That(t, p.Position.Z, test.ShouldBeLessThanOrEqualTo, fake.WallDepthMm/1000.0)
	}
}

func TestCapturerBackToBack(t *testing.T) {
	c := startTestCapturer(t, fake.NewContext("A", "B"), testCameraConfig("A", "B"))

	first := c.GetPointcloud()
	second := c.GetPointcloud()
	test.That(t, first, test.ShouldNotBeNil)
	test.That(t, second, test.ShouldNotBeNil)
	test.That(t, second == first, test.ShouldBeFalse)
	test.That(t, second.Timestamp, test.ShouldBeGreaterThan, first.Timestamp)
	test.That(t, first.Size(), test.ShouldEqual, second.Size())

	stats := c.Statistics()
	test.That(t, stats.Delivered, test.ShouldEqual, 2)
	test.That(t, stats.Produced, test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, stats.MergeErrors, test.ShouldEqual, 0)
	test.That(t, stats.MeanCycleMs, test.ShouldBeGreaterThan, 0.0)
	test.That(t, stats.P95CycleMs, test.ShouldBeGreaterThanOrEqualTo, stats.MedianCycleMs)
	test.That(t, stats.Cameras, test.ShouldHaveLength, 2)
	test.That(t, stats.Cameras[0].Serial, test.ShouldEqual, "A")
	test.That(t, stats.Cameras[0].Captured, test.ShouldBeGreaterThanOrEqualTo, int64(2))
	test.That(t, stats.Cameras[1].Processed, test.ShouldBeGreaterThanOrEqualTo, int64(2))
}

func TestCapturerStartupOrder(t *testing.T) {
	fsCtx := fake.NewContext("A", "B", "C")
	cfg := testCameraConfig("A", "B", "C")
	cfg.Sync.MasterSerial = "B"
	c := startTestCapturer(t, fsCtx, cfg)
	test.That(t, c.GetPointcloud(), test.ShouldNotBeNil)

	test.That(t, fsCtx.Events(), test.ShouldResemble, []string{
		"apply:A", "sync:A:subordinate",
		"apply:B", "sync:B:primary",
		"apply:C", "sync:C:subordinate",
		"start:A", "start:C", "start:B",
	})
	test.That(t, fsCtx.Device("B").Hardware().ColorWidth, test.ShouldEqual, 32)

	c.Stop()
	test.That(t, c.CameraCount(), test.ShouldEqual, 0)
	test.That(t, c.State(), test.ShouldEqual, StateStopped)
	test.That(t, fsCtx.Events()[9:], test.ShouldHaveLength, 3)
	test.That(t, fsCtx.Events()[9:], test.ShouldContain, "stop:B")
}

func TestCapturerStartErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		fsCtx := fake.NewContext("A")
		c := NewCapturer(fsCtx, logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, testCameraConfig("A", "B"))
		test.That(t, errors.Is(err, ErrCameraNotConnected), test.ShouldBeTrue)
		test.That(t, c.CameraCount(), test.ShouldEqual, 0)
		test.That(t, fsCtx.Events(), test.ShouldBeEmpty)
	})

	t.Run("unknown", func(t *testing.T) {
		c := NewCapturer(fake.NewContext("A", "B"), logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, testCameraConfig("A"))
		test.That(t, errors.Is(err, ErrUnknownCamera), test.ShouldBeTrue)
		test.That(t, c.CameraCount(), test.ShouldEqual, 0)
	})

	t.Run("type mismatch", func(t *testing.T) {
		cfg := testCameraConfig("A", "B")
		cfg.Cameras[1].Type = config.TypePlayback
		c := NewCapturer(fake.NewContext("A", "B"), logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, cfg)
		test.That(t, errors.Is(err, ErrCameraTypeMismatch), test.ShouldBeTrue)
	})

	t.Run("no cameras", func(t *testing.T) {
		c := NewCapturer(fake.NewContext(), logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, testCameraConfig())
		test.That(t, errors.Is(err, config.ErrNoCameras), test.ShouldBeTrue)
		test.That(t, c.GetPointcloud(), test.ShouldBeNil)
		test.That(t, c.PointcloudAvailable(true), test.ShouldBeFalse)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testCameraConfig("A")
		cfg.Version = 4
		c := NewCapturer(fake.NewContext("A"), logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, cfg)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported configuration version")
	})

	t.Run("start failure unwinds", func(t *testing.T) {
		fsCtx := fake.NewContext("A", "B")
		fsCtx.Device("B").FailStart = errors.New("usb bandwidth exceeded")
		c := NewCapturer(fsCtx, logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, testCameraConfig("A", "B"))
		var hwErr *HardwareInitError
		test.That(t, errors.As(err, &hwErr), test.ShouldBeTrue)
		test.That(t, hwErr.Serial, test.ShouldEqual, "B")
		test.That(t, err.Error(), test.ShouldContainSubstring, "usb bandwidth exceeded")
		test.That(t, c.CameraCount(), test.ShouldEqual, 0)
		test.That(t, fsCtx.Events(), test.ShouldContain, "stop:A")
	})

	t.Run("hardware rejected", func(t *testing.T) {
		fsCtx := fake.NewContext("A")
		fsCtx.Device("A").FailApply = errors.New("exposure out of range")
		c := NewCapturer(fsCtx, logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, testCameraConfig("A"))
		var hwErr *HardwareInitError
		test.That(t, errors.As(err, &hwErr), test.ShouldBeTrue)
		test.That(t, hwErr.Serial, test.ShouldEqual, "A")
		test.That(t, fsCtx.Events(), test.ShouldBeEmpty)
	})

	t.Run("too many cameras for the tile mask", func(t *testing.T) {
		serials := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"}
		fsCtx := fake.NewContext(serials...)
		c := NewCapturer(fsCtx, logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, testCameraConfig(serials...))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "at most 8")
		test.That(t, c.CameraCount(), test.ShouldEqual, 0)
		test.That(t, fsCtx.Events(), test.ShouldBeEmpty)
	})

	t.Run("missing recording", func(t *testing.T) {
		cfg := config.NewCaptureConfig(config.TypePlayback)
		cfg.ConfigDir = t.TempDir()
		cfg.Cameras = []config.CameraConfig{{Serial: "A", Type: config.TypePlayback, Trafo: spatialmath.NewIdentityTransform()}}
		c := NewCapturer(nil, logging.NewTestLogger(t))
		err := c.ConfigReloadAndStart(ctx, cfg)
		test.That(t, errors.Is(err, ErrCameraNotConnected), test.ShouldBeTrue)
	})
}

func TestCapturerSingleTile(t *testing.T) {
	serials := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"}
	cfg := testCameraConfig(serials...)
	cfg.System.SingleTile = 1
	c := startTestCapturer(t, fake.NewContext(serials...), cfg)
	test.That(t, c.CameraCount(), test.ShouldEqual, 9)

	pc := c.GetPointcloud()
	test.That(t, pc, test.ShouldNotBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 9*fake.ValidPointsPerFrame(32, 24, 1))
	test.That(t, pc.Cloud.CountTile(1), test.ShouldEqual, pc.Size())
}

func TestCapturerDisabledCamera(t *testing.T) {
	fsCtx := fake.NewContext("A", "B")
	cfg := testCameraConfig("A", "B")
	cfg.Cameras[0].Disabled = true
	c := startTestCapturer(t, fsCtx, cfg)
	test.That(t, c.CameraCount(), test.ShouldEqual, 1)

	pc := c.GetPointcloud()
	test.That(t, pc, test.ShouldNotBeNil)
	// B is the first running camera and owns the first tile.
	test.That(t, pc.Cloud.CountTile(1), test.ShouldEqual, pc.Size())

	doc, err := c.ConfigJSON()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, doc, test.ShouldContainSubstring, `"disabled": true`)
}

func TestCapturerRestart(t *testing.T) {
	fsCtx := fake.NewContext("A", "B")
	c := startTestCapturer(t, fsCtx, testCameraConfig("A"), WithCaptureTimeout(time.Second))
	test.That(t, c.GetPointcloud(), test.ShouldNotBeNil)
	first := c.SessionID()

	fsCtx.Unplug("A")
	test.That(t, c.ConfigReloadAndStart(context.Background(), testCameraConfig("B")), test.ShouldBeNil)
	test.That(t, c.SessionID(), test.ShouldNotEqual, first)
	test.That(t, c.CameraCount(), test.ShouldEqual, 1)
	test.That(t, fsCtx.Events(), test.ShouldContain, "stop:A")
	pc := c.GetPointcloud()
	test.That(t, pc, test.ShouldNotBeNil)
	test.That(t, c.Statistics().Delivered, test.ShouldEqual, 1)
}

func TestCapturerCountMismatch(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	c := NewCapturer(fake.NewContext("A", "B"), logger)
	c.merge = func(dst *pointcloud.PointCloud, clouds ...*pointcloud.PointCloud) int {
		return pointcloud.Merge(dst, clouds...) + 1
	}
	test.That(t, c.ConfigReloadAndStart(context.Background(), testCameraConfig("A", "B")), test.ShouldBeNil)
	defer c.Stop()

	pc := c.GetPointcloud()
	test.That(t, pc, test.ShouldNotBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 2*fake.ValidPointsPerFrame(32, 24, 1))
	test.That(t, logs.FilterMessage("merged point cloud has a different number of points than expected").Len(),
		test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, c.Statistics().MergeErrors, test.ShouldBeGreaterThanOrEqualTo, 1)
}

func TestCapturerAuxiliaryData(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	c := NewCapturer(fake.NewContext("A", "B"), logger)
	c.RequestAuxiliaryData(true, true, true, true)
	test.That(t, logs.FilterMessage("skeleton auxiliary data is not supported").Len(), test.ShouldEqual, 1)
	test.That(t, c.ConfigReloadAndStart(context.Background(), testCameraConfig("A", "B")), test.ShouldBeNil)
	defer c.Stop()

	// The first cycle has nothing processed yet.
	first := c.GetPointcloud()
	test.That(t, first.Aux.Count(), test.ShouldEqual, 0)

	second := c.GetPointcloud()
	test.That(t, second.Aux.Count(), test.ShouldEqual, 6)
	rgb, ok := second.Aux.Get("rgb.B")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, rgb.Description, test.ShouldEqual, "width=32,height=24,stride=128,bpp=4,format=BGRA")
	test.That(t, rgb.Data, test.ShouldHaveLength, 32*24*4)
	depth, ok := second.Aux.Get("depth.A")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, depth.Data, test.ShouldHaveLength, 32*24*2)
	_, ok = second.Aux.Get("timestamps.A")
	test.That(t, ok, test.ShouldBeTrue)

	c.RequestAuxiliaryData(false, false, false, false)
	// The cycle already running may still carry the old selection.
	test.That(t, c.GetPointcloud(), test.ShouldNotBeNil)
	test.That(t, c.GetPointcloud().Aux.Count(), test.ShouldEqual, 0)
}

func TestCapturerAuxiliaryDataConcurrentConfigJSON(t *testing.T) {
	c := startTestCapturer(t, fake.NewContext("A"), testCameraConfig("A"))
	before, err := c.ConfigJSON()
	test.That(t, err, test.ShouldBeNil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.RequestAuxiliaryData(i%2 == 0, i%3 == 0, false, false)
		}
	}()
	var mismatches atomic.Int32
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if doc, err := c.ConfigJSON(); err != nil || doc != before {
				mismatches.Add(1)
			}
		}
	}()
	wg.Wait()
	test.That(t, mismatches.Load(), test.ShouldEqual, int32(0))
	test.That(t, c.GetPointcloud(), test.ShouldNotBeNil)
}

func TestCapturerPointSizeAndMapping(t *testing.T) {
	c := NewCapturer(fake.NewContext("A", "B"), logging.NewTestLogger(t))
	test.That(t, c.GetPointSize(), test.ShouldEqual, 0.0)

	cfg := testCameraConfig("A", "B")
	c = startTestCapturer(t, fake.NewContext("A", "B"), cfg)
	_, err := c.Map2D3D(1, 16, 12, 1000)
	test.That(t, errors.Is(err, ErrNoFrameAvailable), test.ShouldBeTrue)

	test.That(t, c.GetPointcloud(), test.ShouldNotBeNil)
	intr := fake.IntrinsicsFor(32, 24)
	test.That(t, c.GetPointSize(), test.ShouldAlmostEqual, 1/intr.Fx)

	pt, err := c.Map2D3D(2, 16, 12, 1000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pt.Z, test.ShouldAlmostEqual, 1.0)
	want := intr.ImagePointTo3DPoint(16, 12, 1)
	test.That(t, pt.X, test.ShouldAlmostEqual, want.X)
	test.That(t, pt.Y, test.ShouldAlmostEqual, want.Y)

	u, v, err := c.MapColorDepth(1, 5, 6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, []int{u, v}, test.ShouldResemble, []int{5, 6})

	_, err = c.Map2D3D(4, 0, 0, 1000)
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = c.MapColorDepth(8, 0, 0)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, errors.Is(c.Seek(10), ErrSeekUnsupported), test.ShouldBeTrue)
}

func TestCapturerNewTimestamps(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	cfg := testCameraConfig("A")
	cfg.System.NewTimestamps = true
	c := startTestCapturer(t, fake.NewContext("A"), cfg, WithClock(mock))

	pc := c.GetPointcloud()
	test.That(t, pc, test.ShouldNotBeNil)
	test.That(t, pc.Timestamp, test.ShouldEqual, uint64(1700000000000))
}

func TestCapturerAvailable(t *testing.T) {
	c := startTestCapturer(t, fake.NewContext("A"), testCameraConfig("A"))
	test.That(t, c.PointcloudAvailable(false), test.ShouldBeFalse)

	available := false
	for i := 0; i < 10 && !available; i++ {
		available = c.PointcloudAvailable(true)
	}
	test.That(t, available, test.ShouldBeTrue)
	// A fresh cloud stays until it is taken.
	test.That(t, c.PointcloudAvailable(false), test.ShouldBeTrue)
	test.That(t, c.GetPointcloud(), test.ShouldNotBeNil)
}

// stallCamera never delivers a frameset.
type stallCamera struct {
	*baseCamera
	halted atomic.Bool
}

func newStallCamera(t *testing.T, cfg *config.CaptureConfig) *stallCamera {
	t.Helper()
	return &stallCamera{baseCamera: newTestBaseCamera(t, cfg, 0)}
}

func (s *stallCamera) PreStart() error    { return nil }
func (s *stallCamera) StartCamera() error { return nil }
func (s *stallCamera) StartStreaming()    {}

func (s *stallCamera) WaitForCapturedFrameset(uint64) uint64 {
	time.Sleep(5 * time.Millisecond)
	return 0
}

func (s *stallCamera) StopCamera() error {
	s.halted.Store(true)
	return nil
}

func runStalled(t *testing.T, opts ...Option) (*Capturer, *stallCamera) {
	t.Helper()
	cfg := testCameraConfig("A")
	cam := newStallCamera(t, cfg)
	c := NewCapturer(nil, logging.NewTestLogger(t), opts...)
	test.That(t, c.run(cfg, []Camera{cam}, uuid.New(), make(chan struct{})), test.ShouldBeNil)
	return c, cam
}

func TestCapturerAvailableTimeout(t *testing.T) {
	mock := clock.NewMock()
	c, _ := runStalled(t, WithClock(mock))
	defer c.Stop()

	result := make(chan bool, 1)
	go func() {
		result <- c.PointcloudAvailable(true)
	}()

	var advanced time.Duration
	for {
		select {
		case available := <-result:
			test.That(t, available, test.ShouldBeFalse)
			test.That(t, advanced, test.ShouldBeGreaterThanOrEqualTo, AvailableTimeout)
			return
		default:
		}
		test.That(t, advanced, test.ShouldBeLessThan, 100*AvailableTimeout)
		mock.Add(100 * time.Millisecond)
		advanced += 100 * time.Millisecond
	}
}

func TestCapturerGetPointcloudCancel(t *testing.T) {
	c, _ := runStalled(t)
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	pc, err := c.GetPointcloudContext(ctx)
	test.That(t, pc, test.ShouldBeNil)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
}

func TestCapturerStopWakesConsumer(t *testing.T) {
	c, cam := runStalled(t)

	result := make(chan *MergedPointCloud, 1)
	go func() {
		result <- c.GetPointcloud()
	}()
	time.Sleep(20 * time.Millisecond)
	c.Stop()
	test.That(t, <-result, test.ShouldBeNil)
	test.That(t, cam.halted.Load(), test.ShouldBeTrue)
	test.That(t, c.GetPointcloud(), test.ShouldBeNil)
	test.That(t, c.EOF(), test.ShouldBeFalse)

	// Stop is idempotent.
	c.Stop()
}

func TestCapturerRecordAndPlayback(t *testing.T) {
	dir := t.TempDir()
	cfg := testCameraConfig("A", "B")
	cfg.System.RecordToDirectory = dir
	live := NewCapturer(fake.NewContext("A", "B"), logging.NewTestLogger(t))
	test.That(t, live.ConfigReloadAndStart(context.Background(), cfg), test.ShouldBeNil)
	var liveSize int
	for i := 0; i < 3; i++ {
		pc := live.GetPointcloud()
		test.That(t, pc, test.ShouldNotBeNil)
		liveSize = pc.Size()
	}
	live.Stop()

	recording := filepath.Join(dir, config.DefaultFilename)
	_, err := os.Stat(recording)
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(filepath.Join(dir, "A.rgbdrec"))
	test.That(t, err, test.ShouldBeNil)

	replay := NewCapturer(nil, logging.NewTestLogger(t))
	test.That(t, replay.LoadAndStart(context.Background(), recording), test.ShouldBeNil)
	defer replay.Stop()
	test.That(t, replay.CameraCount(), test.ShouldEqual, 2)

	got := 0
	for i := 0; i < 10000; i++ {
		pc := replay.GetPointcloud()
		if pc == nil {
			break
		}
		test.That(t, pc.Size(), test.ShouldEqual, liveSize)
		got++
	}
	test.That(t, got, test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, replay.EOF(), test.ShouldBeTrue)
	test.That(t, replay.GetPointcloud(), test.ShouldBeNil)
	test.That(t, replay.PointcloudAvailable(false), test.ShouldBeFalse)

	var pos r3.Vector
	pos, err = replay.Map2D3D(1, 0, 0, 1000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos.Z, test.ShouldAlmostEqual, 1.0)
}
