package playback

import (
	"compress/gzip"
	"encoding/gob"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/volcap/multicam/framesource"
)

// Status is the state of a playback pipeline, reported through the status callback.
type Status int

const (
	// StatusPlaying is reported when the pipeline starts.
	StatusPlaying Status = iota
	// StatusStopped is reported once the end of the recording is reached.
	StatusStopped
)

// Device plays back one recording.
type Device struct {
	path   string
	header Header

	mu       sync.Mutex
	callback func(Status)
}

// OpenDevice opens the recording at path and reads its header.
func OpenDevice(path string) (*Device, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	_, _, header, err := openStream(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read recording %q", path)
	}
	return &Device{path: path, header: header}, nil
}

func openStream(r io.Reader) (*gzip.Reader, *gob.Decoder, Header, error) {
	var header Header
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, header, err
	}
	dec := gob.NewDecoder(gz)
	if err := dec.Decode(&header); err != nil {
		return nil, nil, header, multierr.Combine(err, gz.Close())
	}
	if header.Version != formatVersion {
		return nil, nil, header, multierr.Combine(
			errors.Errorf("unsupported recording version %d", header.Version), gz.Close())
	}
	return gz, dec, header, nil
}

// Serial returns the serial of the recorded camera.
func (d *Device) Serial() string {
	return d.header.Serial
}

// Header returns the recording header.
func (d *Device) Header() Header {
	return d.header
}

// ApplyHardware accepts any settings; a recording is replayed as it was captured.
func (d *Device) ApplyHardware(framesource.HardwareSettings) error {
	return nil
}

// SetSyncRole accepts any role.
func (d *Device) SetSyncRole(framesource.SyncRole) error {
	return nil
}

// SetStatusCallback registers fn to be told about playback status changes.
func (d *Device) SetStatusCallback(fn func(Status)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = fn
}

func (d *Device) notify(status Status) {
	d.mu.Lock()
	fn := d.callback
	d.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// NewPipeline returns a pipeline reading the recording from the start.
func (d *Device) NewPipeline() (framesource.Pipeline, error) {
	return &pipeline{dev: d}, nil
}

type pipeline struct {
	dev *Device

	mu      sync.Mutex
	file    *os.File
	gz      *gzip.Reader
	dec     *gob.Decoder
	started bool
	stopped bool
	eof     bool
}

func (p *pipeline) Start(sc framesource.StreamConfig) error {
	if sc.ColorFormat != framesource.FormatBGRA || sc.DepthFormat != framesource.FormatY16 {
		return errors.Errorf("unsupported formats color %q depth %q", sc.ColorFormat, sc.DepthFormat)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline already started")
	}
	//nolint:gosec
	f, err := os.Open(p.dev.path)
	if err != nil {
		return err
	}
	gz, dec, _, err := openStream(f)
	if err != nil {
		return multierr.Combine(err, f.Close())
	}
	p.file, p.gz, p.dec = f, gz, dec
	p.started = true
	p.dev.notify(StatusPlaying)
	return nil
}

// WaitForFrameset returns the next recorded frameset without pacing. The status
// callback runs on the calling goroutine and must not call back into the pipeline.
func (p *pipeline) WaitForFrameset(_ time.Duration) (*framesource.Frameset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return nil, framesource.ErrPipelineStopped
	}
	if p.eof {
		return nil, io.EOF
	}
	var fs framesource.Frameset
	if err := p.dec.Decode(&fs); err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrap(err, "cannot read recorded frameset")
		}
		// A recording cut short by a crash ends where its data ends.
		p.eof = true
		p.dev.notify(StatusStopped)
		return nil, io.EOF
	}
	return &fs, nil
}

func (p *pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.started {
		p.stopped = true
		return nil
	}
	p.stopped = true
	return multierr.Combine(p.gz.Close(), p.file.Close())
}
