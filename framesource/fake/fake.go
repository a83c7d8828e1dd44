// Package fake implements synthetic RGB-D devices. Every device renders the same
// scene, a green backdrop 3m away with an orange box 1.5m away in the middle, with the
// leftmost columns carrying no depth. Devices of one Context share a frame clock, so
// their timestamps line up as if they were hardware synced.
package fake

import (
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/rimage/transform"
)

const (
	// WallDepthMm is the distance of the backdrop.
	WallDepthMm = 3000
	// BoxDepthMm is the distance of the box.
	BoxDepthMm = 1500

	// timestamps start here so that no frameset ever has timestamp 0 or 1.
	baseTimestampUs = 1_000_000
)

var (
	// WallColor is the color of the backdrop.
	WallColor = [3]uint8{40, 200, 60}
	// BoxColor is the color of the box.
	BoxColor = [3]uint8{230, 120, 40}
)

var fakeIntrinsics = transform.PinholeCameraIntrinsics{
	Width:  1280,
	Height: 720,
	Fx:     605.2,
	Fy:     605.0,
	Ppx:    640,
	Ppy:    360,
}

// IntrinsicsFor scales the device intrinsics to the given resolution.
func IntrinsicsFor(width, height int) transform.PinholeCameraIntrinsics {
	widthRatio := float64(width) / float64(fakeIntrinsics.Width)
	heightRatio := float64(height) / float64(fakeIntrinsics.Height)
	return transform.PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     fakeIntrinsics.Fx * widthRatio,
		Fy:     fakeIntrinsics.Fy * heightRatio,
		Ppx:    fakeIntrinsics.Ppx * widthRatio,
		Ppy:    fakeIntrinsics.Ppy * heightRatio,
	}
}

// Context is a set of attached synthetic devices.
type Context struct {
	mu      sync.Mutex
	clock   clock.Clock
	epoch   time.Time
	devices []*Device
	events  []string
}

// NewContext returns a context with one device per serial.
func NewContext(serials ...string) *Context {
	clk := clock.New()
	c := &Context{clock: clk, epoch: clk.Now()}
	for _, serial := range serials {
		c.devices = append(c.devices, &Device{ctx: c, serial: serial, InvalidColumns: 1})
	}
	return c
}

// SetClock replaces the frame clock. Call it before starting any pipeline.
func (c *Context) SetClock(clk clock.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clk
	c.epoch = clk.Now()
}

// QueryDevices lists the attached devices.
func (c *Context) QueryDevices() ([]framesource.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]framesource.DeviceInfo, 0, len(c.devices))
	for _, dev := range c.devices {
		infos = append(infos, framesource.DeviceInfo{Serial: dev.serial, Name: "fake rgbd"})
	}
	return infos, nil
}

// DeviceCount returns the number of attached devices.
func (c *Context) DeviceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

// OpenDevice opens the device with the given serial.
func (c *Context) OpenDevice(serial string) (framesource.Device, error) {
	if dev := c.Device(serial); dev != nil {
		return dev, nil
	}
	return nil, errors.Wrapf(framesource.ErrDeviceNotFound, "serial %q", serial)
}

// Device returns the device with the given serial, or nil.
func (c *Context) Device(serial string) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dev := range c.devices {
		if dev.serial == serial {
			return dev
		}
	}
	return nil
}

// Unplug detaches the device with the given serial.
func (c *Context) Unplug(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, dev := range c.devices {
		if dev.serial == serial {
			c.devices = append(c.devices[:i], c.devices[i+1:]...)
			return
		}
	}
}

// Events returns what happened to the devices, in order. Entries look like
// "apply:<serial>", "sync:<serial>:<role>", "start:<serial>" and "stop:<serial>".
func (c *Context) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *Context) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *Context) clockAndEpoch() (clock.Clock, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock, c.epoch
}

// Device is a synthetic camera. The exported fields are test hooks; set them before
// the pipeline starts.
type Device struct {
	ctx    *Context
	serial string

	// DropDepthEvery removes the depth frame from every n-th frameset.
	DropDepthEvery int
	// DropColorEvery removes the color frame from every n-th frameset.
	DropColorEvery int
	// FailApply is returned by ApplyHardware.
	FailApply error
	// FailStart is returned by Pipeline.Start.
	FailStart error
	// FrameLimit ends the stream with io.EOF after that many framesets.
	FrameLimit int
	// InvalidColumns is the number of leftmost columns without depth.
	InvalidColumns int

	mu       sync.Mutex
	hardware framesource.HardwareSettings
	role     framesource.SyncRole
}

// Serial returns the serial number.
func (d *Device) Serial() string {
	return d.serial
}

// ApplyHardware stores the settings after checking them.
func (d *Device) ApplyHardware(settings framesource.HardwareSettings) error {
	if d.FailApply != nil {
		return d.FailApply
	}
	if settings.FPS <= 0 {
		return errors.Errorf("unsupported fps %d", settings.FPS)
	}
	if settings.ColorWidth <= 0 || settings.ColorHeight <= 0 || settings.DepthWidth <= 0 || settings.DepthHeight <= 0 {
		return errors.Errorf("unsupported resolution color %dx%d depth %dx%d",
			settings.ColorWidth, settings.ColorHeight, settings.DepthWidth, settings.DepthHeight)
	}
	d.mu.Lock()
	d.hardware = settings
	d.mu.Unlock()
	d.ctx.record("apply:" + d.serial)
	return nil
}

// Hardware returns the last applied settings.
func (d *Device) Hardware() framesource.HardwareSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hardware
}

// SetSyncRole stores the role.
func (d *Device) SetSyncRole(role framesource.SyncRole) error {
	d.mu.Lock()
	d.role = role
	d.mu.Unlock()
	d.ctx.record("sync:" + d.serial + ":" + role.String())
	return nil
}

// SyncRole returns the last set role.
func (d *Device) SyncRole() framesource.SyncRole {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

// NewPipeline returns a pipeline rendering the scene.
func (d *Device) NewPipeline() (framesource.Pipeline, error) {
	return &pipeline{dev: d, stop: make(chan struct{})}, nil
}

type pipeline struct {
	dev *Device

	mu        sync.Mutex
	started   bool
	stopped   bool
	stop      chan struct{}
	period    time.Duration
	next      time.Time
	delivered int
	depth     []uint16
	color     []byte
	width     int
	height    int
	intr      transform.PinholeCameraIntrinsics
}

func (p *pipeline) Start(sc framesource.StreamConfig) error {
	if p.dev.FailStart != nil {
		return p.dev.FailStart
	}
	if sc.ColorFormat != framesource.FormatBGRA || sc.DepthFormat != framesource.FormatY16 {
		return errors.Errorf("unsupported formats color %q depth %q", sc.ColorFormat, sc.DepthFormat)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline already started")
	}
	// Aligned streams share one resolution: the one of the stream mapped onto.
	p.width, p.height = sc.ColorWidth, sc.ColorHeight
	if sc.Align == framesource.AlignColorToDepth {
		p.width, p.height = sc.DepthWidth, sc.DepthHeight
	}
	if p.width <= 0 || p.height <= 0 {
		return errors.Errorf("invalid stream resolution %dx%d", p.width, p.height)
	}
	p.period = sc.FramePeriod()
	p.intr = IntrinsicsFor(p.width, p.height)
	p.depth, p.color = renderScene(p.width, p.height, p.dev.InvalidColumns)
	p.started = true
	p.dev.ctx.record("start:" + p.dev.serial)
	return nil
}

// ValidPointsPerFrame returns how many pixels of a width x height frame carry depth.
func ValidPointsPerFrame(width, height, invalidColumns int) int {
	if invalidColumns > width {
		invalidColumns = width
	}
	return (width - invalidColumns) * height
}

func renderScene(width, height, invalidColumns int) ([]uint16, []byte) {
	depth := make([]uint16, width*height)
	color := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			d, c := uint16(WallDepthMm), WallColor
			if x >= width/4 && x < 3*width/4 && y >= height/4 && y < 3*height/4 {
				d, c = BoxDepthMm, BoxColor
			}
			if x < invalidColumns {
				d = 0
			}
			depth[i] = d
			color[4*i] = c[2]
			color[4*i+1] = c[1]
			color[4*i+2] = c[0]
			color[4*i+3] = 255
		}
	}
	return depth, color
}

func (p *pipeline) WaitForFrameset(timeout time.Duration) (*framesource.Frameset, error) {
	clk, epoch := p.dev.ctx.clockAndEpoch()

	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil, framesource.ErrPipelineStopped
	}
	if p.dev.FrameLimit > 0 && p.delivered >= p.dev.FrameLimit {
		p.mu.Unlock()
		return nil, io.EOF
	}
	now := clk.Now()
	// Like a real device, a slow reader gets the latest frame rather than a backlog.
	aligned := epoch.Add((now.Sub(epoch) + p.period - 1) / p.period * p.period)
	next := p.next
	if next.Before(aligned) {
		next = aligned
	}
	wait := next.Sub(now)
	p.mu.Unlock()

	if wait > timeout {
		select {
		case <-p.stop:
			return nil, framesource.ErrPipelineStopped
		case <-clk.After(timeout):
			return nil, framesource.ErrFrameTimeout
		}
	}
	if wait > 0 {
		select {
		case <-p.stop:
			return nil, framesource.ErrPipelineStopped
		case <-clk.After(wait):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, framesource.ErrPipelineStopped
	}
	p.next = next.Add(p.period)
	p.delivered++
	index := uint64(p.delivered)
	ts := uint64(next.Sub(epoch)/time.Microsecond) + baseTimestampUs

	fs := &framesource.Frameset{Index: index}
	if p.dev.DropDepthEvery <= 0 || index%uint64(p.dev.DropDepthEvery) != 0 {
		fs.Depth = &framesource.DepthFrame{
			Width:       p.width,
			Height:      p.height,
			Data:        p.depth,
			TimestampUs: ts,
			Intrinsics:  p.intr,
		}
	}
	if p.dev.DropColorEvery <= 0 || index%uint64(p.dev.DropColorEvery) != 0 {
		fs.Color = &framesource.ColorFrame{
			Width:       p.width,
			Height:      p.height,
			Data:        p.color,
			TimestampUs: ts,
		}
	}
	return fs, nil
}

func (p *pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.stop)
	if p.started {
		p.dev.ctx.record("stop:" + p.dev.serial)
	}
	return nil
}
