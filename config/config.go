// Package config defines the JSON configuration of a multi-camera capture session.
package config

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/volcap/multicam/framesource"
	"github.com/volcap/multicam/spatialmath"
)

const (
	// Version is the only configuration version understood.
	Version = 5
	// TypeLive configures attached cameras.
	TypeLive = "rgbd"
	// TypePlayback configures cameras replayed from recordings.
	TypePlayback = "rgbd_playback"
	// DefaultFilename is used when no configuration is given.
	DefaultFilename = "cameraconfig.json"
	// MaxTiledCameras is the number of cameras that fit the bits of a point tile.
	MaxTiledCameras = 8
)

var (
	// ErrNoCameras is returned when no camera is configured or attached.
	ErrNoCameras = errors.New("no cameras found")
	// ErrWrongVersion is returned for any version other than Version.
	ErrWrongVersion = errors.New("unsupported configuration version")
	// ErrWrongType is returned for an unknown configuration type.
	ErrWrongType = errors.New("unsupported configuration type")
)

// System holds session wide settings.
type System struct {
	// SingleTile, when >= 0, replaces the tile of every point.
	SingleTile        int    `json:"single_tile"`
	RecordToDirectory string `json:"record_to_directory"`
	Debug             bool   `json:"debug"`
	// NewTimestamps stamps merged clouds with the wall clock instead of the capture time.
	NewTimestamps bool `json:"new_timestamps"`
}

// Sync selects hardware frame-clock synchronization.
type Sync struct {
	// MasterSerial is the camera driving the others. Empty runs every camera standalone.
	MasterSerial string `json:"sync_master_serial"`
	IgnoreSync   bool   `json:"ignore_sync"`
}

// Processing holds the point filters applied after conversion.
type Processing struct {
	GreenscreenRemoval bool `json:"greenscreenremoval"`
	DepthXErosion      int  `json:"depth_x_erosion"`
	DepthYErosion      int  `json:"depth_y_erosion"`
	// HeightMin and HeightMax bound the world Y of points when HeightMin < HeightMax.
	HeightMin float64 `json:"height_min"`
	HeightMax float64 `json:"height_max"`
	// RadiusFilter drops points further than this from the world Y axis when > 0.
	RadiusFilter float64 `json:"radius_filter"`
}

// HeightFilterEnabled reports whether points are filtered on height.
func (p Processing) HeightFilterEnabled() bool {
	return p.HeightMin < p.HeightMax
}

// Filtering holds the depth filters applied in camera space.
type Filtering struct {
	DoThreshold   bool    `json:"do_threshold"`
	ThresholdNear float64 `json:"threshold_near"`
	ThresholdFar  float64 `json:"threshold_far"`
	// MapColorToDepth aligns color onto depth instead of depth onto color.
	MapColorToDepth bool `json:"map_color_to_depth"`
}

// AuxData selects which auxiliary payloads accompany every merged cloud. It is set at
// runtime and never serialized.
type AuxData struct {
	WantRGB        bool
	WantDepth      bool
	WantTimestamps bool
	WantSkeleton   bool
}

// CameraConfig describes one camera.
type CameraConfig struct {
	Serial   string `json:"serial"`
	Type     string `json:"type"`
	Disabled bool   `json:"disabled,omitempty"`
	// Filename is the recording of a playback camera, relative to the configuration.
	Filename string `json:"filename,omitempty"`
	// Trafo maps camera coordinates to world coordinates.
	Trafo          spatialmath.Transform `json:"trafo"`
	CameraPosition [3]float64            `json:"cameraposition"`

	// Connected is set when the camera was found at startup.
	Connected bool `json:"-"`
}

// UpdatePosition recomputes CameraPosition from Trafo.
func (c *CameraConfig) UpdatePosition() {
	pos := c.Trafo.Position()
	c.CameraPosition = [3]float64{pos.X, pos.Y, pos.Z}
}

// Position returns the world position of the camera.
func (c *CameraConfig) Position() r3.Vector {
	return r3.Vector{X: c.CameraPosition[0], Y: c.CameraPosition[1], Z: c.CameraPosition[2]}
}

// Validate ensures all parts of the config are valid.
func (c *CameraConfig) Validate(path string) error {
	if c.Serial == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "serial")
	}
	if c.Type != TypeLive && c.Type != TypePlayback {
		return utils.NewConfigValidationError(path, errors.Wrapf(ErrWrongType, "%q", c.Type))
	}
	if err := c.Trafo.Validate(); err != nil {
		return utils.NewConfigValidationError(path, errors.Wrap(err, "invalid trafo"))
	}
	return nil
}

// CaptureConfig is the whole configuration document.
type CaptureConfig struct {
	Version    int                          `json:"version"`
	Type       string                       `json:"type"`
	System     System                       `json:"system"`
	Sync       Sync                         `json:"sync"`
	Hardware   framesource.HardwareSettings `json:"hardware"`
	Processing Processing                   `json:"processing"`
	Filtering  Filtering                    `json:"filtering"`
	Cameras    []CameraConfig               `json:"camera"`

	AuxData AuxData `json:"-"`
	// ConfigDir is the directory the configuration was read from. Playback filenames
	// resolve against it.
	ConfigDir string `json:"-"`
}

// NewCaptureConfig returns a configuration of type typ with every default set.
func NewCaptureConfig(typ string) *CaptureConfig {
	return &CaptureConfig{
		Version:  Version,
		Type:     typ,
		System:   System{SingleTile: -1},
		Hardware: framesource.DefaultHardwareSettings(),
		Filtering: Filtering{
			DoThreshold:   true,
			ThresholdNear: 0.15,
			ThresholdFar:  6.0,
		},
	}
}

// IsPlayback reports whether the cameras are replayed from recordings.
func (c *CaptureConfig) IsPlayback() bool {
	return c.Type == TypePlayback
}

// Camera returns the camera with the given serial, or nil.
func (c *CaptureConfig) Camera(serial string) *CameraConfig {
	for i := range c.Cameras {
		if c.Cameras[i].Serial == serial {
			return &c.Cameras[i]
		}
	}
	return nil
}

// EnabledCameras returns the number of cameras that are not disabled.
func (c *CaptureConfig) EnabledCameras() int {
	n := 0
	for _, cam := range c.Cameras {
		if !cam.Disabled {
			n++
		}
	}
	return n
}

// Validate ensures all parts of the config are valid.
func (c *CaptureConfig) Validate(path string) error {
	if c.Version != Version {
		return utils.NewConfigValidationError(path, errors.Wrapf(ErrWrongVersion, "%d, want %d", c.Version, Version))
	}
	if c.Type != TypeLive && c.Type != TypePlayback {
		return utils.NewConfigValidationError(path, errors.Wrapf(ErrWrongType, "%q", c.Type))
	}
	if c.System.SingleTile > 255 {
		return utils.NewConfigValidationError(
			fmt.Sprintf("%s.system", path), errors.Errorf("single_tile must be below 256, got %d", c.System.SingleTile))
	}
	if n := c.EnabledCameras(); c.System.SingleTile < 0 && n > MaxTiledCameras {
		return utils.NewConfigValidationError(fmt.Sprintf("%s.camera", path),
			errors.Errorf("%d enabled cameras, at most %d fit in a tile mask unless single_tile is set", n, MaxTiledCameras))
	}
	if c.Hardware.FPS <= 0 {
		return utils.NewConfigValidationError(
			fmt.Sprintf("%s.hardware", path), errors.Errorf("fps must be positive, got %d", c.Hardware.FPS))
	}
	if c.Processing.DepthXErosion < 0 || c.Processing.DepthYErosion < 0 {
		return utils.NewConfigValidationError(
			fmt.Sprintf("%s.processing", path), errors.New("depth erosion cannot be negative"))
	}
	if c.Filtering.DoThreshold && c.Filtering.ThresholdNear >= c.Filtering.ThresholdFar {
		return utils.NewConfigValidationError(fmt.Sprintf("%s.filtering", path),
			errors.Errorf("threshold_near %v must be below threshold_far %v",
				c.Filtering.ThresholdNear, c.Filtering.ThresholdFar))
	}
	seen := map[string]bool{}
	for idx := range c.Cameras {
		camPath := fmt.Sprintf("%s.camera.%d", path, idx)
		if err := c.Cameras[idx].Validate(camPath); err != nil {
			return err
		}
		if seen[c.Cameras[idx].Serial] {
			return utils.NewConfigValidationError(camPath, errors.Errorf("duplicate serial %q", c.Cameras[idx].Serial))
		}
		seen[c.Cameras[idx].Serial] = true
	}
	if c.Sync.MasterSerial != "" && !c.Sync.IgnoreSync && c.Camera(c.Sync.MasterSerial) == nil {
		return utils.NewConfigValidationError(fmt.Sprintf("%s.sync", path),
			errors.Errorf("sync master %q is not a configured camera", c.Sync.MasterSerial))
	}
	return nil
}
