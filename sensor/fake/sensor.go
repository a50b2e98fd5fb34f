// Package fake provides a deterministic depth sensor, a synthetic sandbox scene and a simulated
// projector for running the calibration pipeline without hardware.
package fake

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/logging"
	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/sensor"
	"github.com/arsandbox/sandcore/transform"
)

// Source produces the frames of a fake sensor. ok is false when no new frame is available.
type Source interface {
	Next() (depth *rimage.RawDepthFrame, color image.Image, ok bool)
}

// Config describes a fake sensor.
type Config struct {
	Intrinsics *transform.Intrinsics `json:"intrinsics"`
	// FailOpens is the number of Open calls that fail before the device comes up.
	FailOpens int `json:"fail_opens"`
}

// Sensor is a sensor.Sensor reading its frames from a Source.
type Sensor struct {
	mu        sync.Mutex
	logger    logging.Logger
	params    *transform.Intrinsics
	source    Source
	failOpens int
	opens     int
	open      bool
}

var _ sensor.Sensor = (*Sensor)(nil)

// NewSensor returns a closed fake sensor.
func NewSensor(cfg Config, source Source, logger logging.Logger) (*Sensor, error) {
	if cfg.Intrinsics == nil {
		return nil, transform.NewNoIntrinsicsError("fake sensor needs intrinsics")
	}
	if err := cfg.Intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("fake sensor needs a frame source")
	}
	return &Sensor{
		logger:    logger,
		params:    cfg.Intrinsics,
		source:    source,
		failOpens: cfg.FailOpens,
	}, nil
}

// Open fails until the configured number of failures has been used up.
func (s *Sensor) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.opens <= s.failOpens {
		return errors.Errorf("fake sensor unavailable (attempt %d)", s.opens)
	}
	s.open = true
	s.logger.Debugw("fake sensor opened", "attempts", s.opens)
	return nil
}

// Close marks the sensor closed.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// OpenAttempts returns the number of Open calls so far.
func (s *Sensor) OpenAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Frame implements sensor.Sensor.
func (s *Sensor) Frame() (*rimage.RawDepthFrame, image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, nil, false
	}
	return s.source.Next()
}

// Intrinsics implements sensor.Sensor.
func (s *Sensor) Intrinsics() (transform.ReferencePoint, transform.ReferencePoint) {
	return s.params.ReferencePoints()
}

// Resolution implements sensor.Sensor.
func (s *Sensor) Resolution() image.Point {
	return image.Pt(s.params.Width, s.params.Height)
}

// Replay plays back a fixed list of frames, once or in a loop.
type Replay struct {
	mu     sync.Mutex
	frames []*rimage.RawDepthFrame
	color  image.Image
	next   int
	loop   bool
}

// NewReplay returns a Source that hands out clones of frames in order. color, which may be nil,
// accompanies every frame.
func NewReplay(frames []*rimage.RawDepthFrame, color image.Image, loop bool) *Replay {
	return &Replay{frames: frames, color: color, loop: loop}
}

// Next implements Source.
func (r *Replay) Next() (*rimage.RawDepthFrame, image.Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil, nil, false
	}
	if r.next >= len(r.frames) {
		if !r.loop {
			return nil, nil, false
		}
		r.next = 0
	}
	f := r.frames[r.next].Clone()
	r.next++
	return f, r.color, true
}

// Played returns how many frames have been handed out.
func (r *Replay) Played() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}
