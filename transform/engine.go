package transform

import (
	"math"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/plane"
	"github.com/arsandbox/sandcore/rimage"
)

// ErrDegenerate is returned when a projector pixel cannot be mapped back to world space at the
// requested height.
var ErrDegenerate = errors.New("projective mapping is degenerate at this height")

const degenerateEpsilon = 1e-12

// Engine performs every coordinate conversion of the sandbox. It owns the world matrix, the
// projective calibration, the base plane and a reference to the latest filtered depth frame.
// It is safe for concurrent use.
type Engine struct {
	mu         sync.RWMutex
	world      WorldMatrix
	calib      calibration.ProjectiveCalibration
	calibrated bool
	base       plane.Plane
	frame      *rimage.FilteredDepthFrame
}

// NewEngine returns an Engine with no calibration, the plane z = 0 as base plane and no depth.
func NewEngine(world WorldMatrix) *Engine {
	return &Engine{
		world: world,
		base:  plane.Plane{Normal: r3.Vector{Z: 1}},
	}
}

// SetWorldMatrix replaces the back-projection matrix.
func (e *Engine) SetWorldMatrix(world WorldMatrix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.world = world
}

// WorldMatrix returns the sensor back-projection.
func (e *Engine) WorldMatrix() WorldMatrix {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.world
}

// SetCalibration replaces the projective calibration.
func (e *Engine) SetCalibration(c calibration.ProjectiveCalibration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calib = c
	e.calibrated = true
}

// ClearCalibration forgets the projective calibration.
func (e *Engine) ClearCalibration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calib = calibration.ProjectiveCalibration{}
	e.calibrated = false
}

// Calibration returns the projective calibration and whether one is set.
func (e *Engine) Calibration() (calibration.ProjectiveCalibration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calib, e.calibrated
}

// SetBasePlane replaces the sea level plane.
func (e *Engine) SetBasePlane(p plane.Plane) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.base = p
}

// BasePlane returns the sea level plane.
func (e *Engine) BasePlane() plane.Plane {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.base
}

// SetDepthFrame makes f the frame depth lookups read from. f must not be modified afterwards.
func (e *Engine) SetDepthFrame(f *rimage.FilteredDepthFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frame = f
}

// DepthFrame returns the frame depth lookups read from, possibly nil.
func (e *Engine) DepthFrame() *rimage.FilteredDepthFrame {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frame
}

func (e *Engine) depthAt(x, y int) float64 {
	if e.frame == nil {
		return 0
	}
	return float64(e.frame.Clamped(x, y))
}

// SensorToWorld back-projects pixel (x, y) using the current depth frame. Coordinates outside the
// frame are clamped to its border.
func (e *Engine) SensorToWorld(x, y int) r3.Vector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.frame != nil {
		x = rimage.ClampInt(x, 0, e.frame.Width()-1)
		y = rimage.ClampInt(y, 0, e.frame.Height()-1)
	}
	return e.world.Apply(float64(x), float64(y), e.depthAt(x, y))
}

// SensorToWorldAt back-projects a sub-pixel location at an explicit depth.
func (e *Engine) SensorToWorldAt(x, y, depth float64) r3.Vector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.world.Apply(x, y, depth)
}

// WorldPoint returns the world point of pixel (x, y), and false when the pixel is outside the
// frame or has no depth.
func (e *Engine) WorldPoint(x, y int) (r3.Vector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.frame == nil || !e.frame.Contains(x, y) {
		return r3.Vector{}, false
	}
	d := float64(e.frame.Get(x, y))
	if d <= 0 {
		return r3.Vector{}, false
	}
	return e.world.Apply(float64(x), float64(y), d), true
}

// WorldToProjector maps a world point to projector pixel coordinates.
func (e *Engine) WorldToProjector(p r3.Vector) r2.Point {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calib.Project(p)
}

// SensorToProjector maps sensor pixel (x, y) to the projector pixel lighting it.
func (e *Engine) SensorToProjector(x, y int) r2.Point {
	return e.WorldToProjector(e.SensorToWorld(x, y))
}

// ElevationAt returns the height of the surface seen at pixel (x, y) above the base plane.
func (e *Engine) ElevationAt(x, y int) float64 {
	p := e.SensorToWorld(x, y)
	return -e.BasePlane().Distance(p)
}

// ElevationToDepth returns the depth pixel (x, y) would read if the surface there stood at
// elevation above the base plane. Zero is returned when the pixel ray is parallel to the plane.
func (e *Engine) ElevationToDepth(elevation float64, x, y int) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ray := e.world.Ray(float64(x), float64(y))
	denom := e.base.Normal.Dot(ray)
	if math.Abs(denom) < degenerateEpsilon {
		return 0
	}
	return -(elevation + e.base.Offset) / denom
}

// ProjectorAndWorldZToWorld returns the world point at height z that the projector pixel
// (px, py) lights.
func (e *Engine) ProjectorAndWorldZToWorld(px, py, z float64) (r3.Vector, error) {
	e.mu.RLock()
	c := e.calib
	e.mu.RUnlock()

	// (c0 - u c8) X + (c1 - u c9) Y = u (c10 Z + 1) - c2 Z - c3, and the same for v on the second row
	a11, a12 := c[0]-px*c[8], c[1]-px*c[9]
	a21, a22 := c[4]-py*c[8], c[5]-py*c[9]
	b1 := px*(c[10]*z+1) - c[2]*z - c[3]
	b2 := py*(c[10]*z+1) - c[6]*z - c[7]

	det := a11*a22 - a12*a21
	if math.Abs(det) < degenerateEpsilon {
		return r3.Vector{}, ErrDegenerate
	}
	return r3.Vector{
		X: (b1*a22 - a12*b2) / det,
		Y: (a11*b2 - b1*a21) / det,
		Z: z,
	}, nil
}
