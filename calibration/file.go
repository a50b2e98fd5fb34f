package calibration

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ErrResolutionMismatch is returned by Load when the stored resolutions differ from the live ones.
var ErrResolutionMismatch = errors.New("calibration was made with a different projector or sensor resolution")

// File is the persisted form of a calibration.
type File struct {
	ProjectorWidth  int                   `json:"projector_width"`
	ProjectorHeight int                   `json:"projector_height"`
	SensorWidth     int                   `json:"sensor_width"`
	SensorHeight    int                   `json:"sensor_height"`
	Coefficients    ProjectiveCalibration `json:"coefficients"`
}

// NewFile bundles a calibration with the resolutions it was solved for.
func NewFile(projector, sensor image.Point, c ProjectiveCalibration) File {
	return File{
		ProjectorWidth:  projector.X,
		ProjectorHeight: projector.Y,
		SensorWidth:     sensor.X,
		SensorHeight:    sensor.Y,
		Coefficients:    c,
	}
}

// ProjectorResolution returns the stored projector size.
func (f *File) ProjectorResolution() image.Point {
	return image.Pt(f.ProjectorWidth, f.ProjectorHeight)
}

// SensorResolution returns the stored sensor size.
func (f *File) SensorResolution() image.Point {
	return image.Pt(f.SensorWidth, f.SensorHeight)
}

// Matches reports whether the file was produced for the given resolutions.
func (f *File) Matches(projector, sensor image.Point) bool {
	return f.ProjectorResolution() == projector && f.SensorResolution() == sensor
}

// Save writes f to path as JSON. The file is written next to path first and renamed into place.
func Save(path string, f File) (err error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode calibration")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "cannot create calibration file")
	}
	defer func() {
		if err != nil {
			utils.UncheckedError(os.Remove(tmp.Name()))
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		utils.UncheckedError(tmp.Close())
		return errors.Wrap(err, "cannot write calibration file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot write calibration file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "cannot move calibration file into place")
}

// Read decodes the calibration file at path without checking resolutions.
func Read(path string) (File, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrap(err, "error opening calibration file")
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, errors.Wrap(err, "error parsing calibration file")
	}
	return f, nil
}

// Load reads the calibration at path and verifies it was produced for the given projector and
// sensor resolutions.
func Load(path string, projector, sensor image.Point) (File, error) {
	f, err := Read(path)
	if err != nil {
		return File{}, err
	}
	if !f.Matches(projector, sensor) {
		return File{}, errors.Wrapf(ErrResolutionMismatch,
			"file has projector %v sensor %v, session has projector %v sensor %v",
			f.ProjectorResolution(), f.SensorResolution(), projector, sensor)
	}
	return f, nil
}
