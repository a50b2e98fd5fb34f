// Package sensor defines the depth camera the sandbox reads from.
package sensor

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/transform"
)

// ErrNotOpen is returned by sensors asked for data before Open succeeded.
var ErrNotOpen = errors.New("sensor is not open")

// Sensor is a depth camera with a registered color stream.
type Sensor interface {
	// Open connects to the device. It may fail transiently and be retried.
	Open(ctx context.Context) error
	// Close releases the device.
	Close() error
	// Frame returns the latest depth and color frames and whether they are new since the
	// previous call. Frames are owned by the caller.
	Frame() (depth *rimage.RawDepthFrame, color image.Image, isNew bool)
	// Intrinsics returns two world points the device reports for known pixels and depths.
	Intrinsics() (transform.ReferencePoint, transform.ReferencePoint)
	// Resolution is the size of the depth frames.
	Resolution() image.Point
}

// WorldMatrix derives the back-projection matrix of s from its reported reference points.
func WorldMatrix(s Sensor) (transform.WorldMatrix, error) {
	p1, p2 := s.Intrinsics()
	m, err := transform.NewWorldMatrixFromReferences(p1, p2)
	if err != nil {
		return transform.WorldMatrix{}, errors.Wrap(err, "sensor reported unusable intrinsics")
	}
	return m, nil
}
