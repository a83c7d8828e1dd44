package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/framesource/playback"
	"github.com/volcap/multicam/spatialmath"
)

// UnmarshalJSON fills in an identity trafo when none is given.
func (c *CameraConfig) UnmarshalJSON(data []byte) error {
	type plain CameraConfig
	cam := plain{Trafo: spatialmath.NewIdentityTransform()}
	if err := json.Unmarshal(data, &cam); err != nil {
		return err
	}
	*c = CameraConfig(cam)
	c.UpdatePosition()
	return nil
}

// FromReader reads and validates a configuration. configDir is where relative playback
// filenames are found.
func FromReader(configDir string, r io.Reader) (*CaptureConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var head struct {
		Version *int   `json:"version"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal config")
	}
	if head.Version == nil {
		return nil, errors.Wrap(ErrWrongVersion, "version is missing")
	}
	if *head.Version != Version {
		return nil, errors.Wrapf(ErrWrongVersion, "%d, want %d", *head.Version, Version)
	}
	if head.Type != TypeLive && head.Type != TypePlayback {
		return nil, errors.Wrapf(ErrWrongType, "%q", head.Type)
	}

	cfg := NewCaptureConfig(head.Type)
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal config")
	}
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if cam.Type == "" {
			cam.Type = cfg.Type
		}
		// A recording may be named by its file alone.
		if cam.Serial == "" && cam.Type == TypePlayback {
			cam.Serial = cam.Filename
		}
	}
	cfg.ConfigDir = configDir
	if err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads the configuration at path.
func FromFile(path string) (*CaptureConfig, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open config %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	cfg, err := FromReader(filepath.Dir(path), f)
	if err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}

// FromString reads an inline configuration.
func FromString(doc string) (*CaptureConfig, error) {
	return FromReader("", strings.NewReader(doc))
}

// Auto builds a live configuration with an identity trafo for every attached device.
func Auto(ctx framesource.Context) (*CaptureConfig, error) {
	devices, err := ctx.QueryDevices()
	if err != nil {
		return nil, errors.Wrap(err, "cannot enumerate devices")
	}
	if len(devices) == 0 {
		return nil, ErrNoCameras
	}
	cfg := NewCaptureConfig(TypeLive)
	for _, dev := range devices {
		cam := CameraConfig{
			Serial:    dev.Serial,
			Type:      TypeLive,
			Trafo:     spatialmath.NewIdentityTransform(),
			Connected: true,
		}
		cam.UpdatePosition()
		cfg.Cameras = append(cfg.Cameras, cam)
	}
	return cfg, nil
}

// Load resolves source the way capture tools accept it: empty for DefaultFilename,
// "auto" for every attached device, an inline JSON document, or a file path.
func Load(source string, ctx framesource.Context) (*CaptureConfig, error) {
	switch trimmed := strings.TrimSpace(source); {
	case trimmed == "":
		return FromFile(DefaultFilename)
	case trimmed == "auto":
		return Auto(ctx)
	case strings.HasPrefix(trimmed, "{"):
		return FromString(trimmed)
	default:
		return FromFile(trimmed)
	}
}

// RecordingPath returns the recording replayed by a playback camera.
func (c *CaptureConfig) RecordingPath(cam *CameraConfig) string {
	name := cam.Filename
	if name == "" {
		name = cam.Serial + playback.FileExtension
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ConfigDir, name)
}

// ToJSON encodes the configuration. A configuration for a recording describes the
// recorded files as playback cameras and does not record again.
func (c *CaptureConfig) ToJSON(forRecording bool) (string, error) {
	out := *c
	out.Cameras = make([]CameraConfig, len(c.Cameras))
	copy(out.Cameras, c.Cameras)
	for i := range out.Cameras {
		out.Cameras[i].UpdatePosition()
	}
	if forRecording {
		out.Type = TypePlayback
		out.System.RecordToDirectory = ""
		for i := range out.Cameras {
			out.Cameras[i].Type = TypePlayback
			out.Cameras[i].Filename = out.Cameras[i].Serial + playback.FileExtension
		}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile stores ToJSON(forRecording) at path.
func (c *CaptureConfig) WriteFile(path string, forRecording bool) error {
	doc, err := c.ToJSON(forRecording)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(doc+"\n"), 0o600)
}
