// Package playback records framesets to files and plays them back as devices.
//
// A recording is a gzip stream of gob values: one Header followed by the framesets in
// capture order.
package playback

import (
	"compress/gzip"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/volcap/multicam/framesource"
)

// FileExtension is the extension of recording files.
const FileExtension = ".rgbdrec"

const formatVersion = 1

// Header starts every recording.
type Header struct {
	Version   int
	SessionID uuid.UUID
	Serial    string
	Created   time.Time
	Hardware  framesource.HardwareSettings
}

// RecordingPath returns where the recording of serial is stored in dir.
func RecordingPath(dir, serial string) string {
	return filepath.Join(dir, serial+FileExtension)
}

// Recorder appends framesets to one recording file.
type Recorder struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	gz      *gzip.Writer
	enc     *gob.Encoder
	written int
	closed  bool
}

// NewRecorder creates the recording of serial in dir. All recorders of one capture
// session share sessionID.
func NewRecorder(dir, serial string, sessionID uuid.UUID, hardware framesource.HardwareSettings) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "cannot create recording directory %q", dir)
	}
	path := RecordingPath(dir, serial)
	//nolint:gosec
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(file)
	rec := &Recorder{path: path, file: file, gz: gz, enc: gob.NewEncoder(gz)}
	header := Header{
		Version:   formatVersion,
		SessionID: sessionID,
		Serial:    serial,
		Created:   time.Now(),
		Hardware:  hardware,
	}
	if err := rec.enc.Encode(&header); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "cannot write recording header"), gz.Close(), file.Close())
	}
	return rec, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string {
	return r.path
}

// Written returns the number of framesets recorded so far.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Record appends fs.
func (r *Recorder) Record(fs *framesource.Frameset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder is closed")
	}
	if err := r.enc.Encode(fs); err != nil {
		return errors.Wrapf(err, "cannot record frameset %d", fs.Index)
	}
	r.written++
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return multierr.Combine(r.gz.Close(), r.file.Close())
}
