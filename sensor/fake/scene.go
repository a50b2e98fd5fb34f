package fake

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/transform"
)

// SceneConfig describes a sandbox seen from above: a flat sand surface inside a raised rim,
// standing on a floor that reaches the edges of the field of view. Depths are in millimeters.
type SceneConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`

	FloorDepth float64 `json:"floor_depth"`
	RimDepth   float64 `json:"rim_depth"`
	SandDepth  float64 `json:"sand_depth"`
	// BoardDepth is the depth of the board laid over the sand for the high calibration points.
	BoardDepth float64 `json:"board_depth"`

	Rim  image.Rectangle `json:"rim"`
	Sand image.Rectangle `json:"sand"`

	// Noise is the amplitude of the uniform integer noise added to the sand samples.
	Noise int   `json:"noise"`
	Seed  int64 `json:"seed"`
	// Frames limits the number of frames produced. Zero means unlimited.
	Frames int `json:"frames"`
}

// DefaultSceneConfig returns a sandbox filling most of a width×height frame.
func DefaultSceneConfig(width, height int) SceneConfig {
	rim := image.Rect(width/8, height/8, width-width/8, height-height/8)
	return SceneConfig{
		Width:      width,
		Height:     height,
		FloorDepth: 1300,
		RimDepth:   900,
		SandDepth:  1100,
		BoardDepth: 950,
		Rim:        rim,
		Sand:       rim.Inset(max(width, height) / 20),
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *SceneConfig) Validate() error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("invalid scene size (%d, %d)", cfg.Width, cfg.Height)
	}
	frame := image.Rect(0, 0, cfg.Width, cfg.Height)
	if cfg.Sand.Empty() || !cfg.Sand.In(cfg.Rim) || !cfg.Rim.In(frame) {
		return errors.New("sand must lie inside the rim and the rim inside the frame")
	}
	for _, d := range []float64{cfg.FloorDepth, cfg.RimDepth, cfg.SandDepth, cfg.BoardDepth} {
		if d <= 0 || d > float64(rimage.MaxDepth) {
			return errors.Errorf("scene depth %v is out of range", d)
		}
	}
	if cfg.Noise < 0 {
		return errors.New("noise cannot be negative")
	}
	return nil
}

// Scene is a Source rendering the sandbox described by a SceneConfig. When a Projector is
// attached, the color frames show what it projects onto the surface.
type Scene struct {
	mu        sync.Mutex
	cfg       SceneConfig
	world     transform.WorldMatrix
	rng       *rand.Rand
	board     bool
	produced  int
	projector *Projector
}

var _ Source = (*Scene)(nil)

// NewScene returns a scene seen through world.
func NewScene(cfg SceneConfig, world transform.WorldMatrix) (*Scene, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid scene config")
	}
	if world.IsZero() {
		return nil, errors.New("scene needs a world matrix")
	}
	return &Scene{cfg: cfg, world: world, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Config returns the scene geometry.
func (s *Scene) Config() SceneConfig {
	return s.cfg
}

// SetBoard lays the board over the sand, or removes it.
func (s *Scene) SetBoard(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.board = on
}

// Board reports whether the board covers the sand.
func (s *Scene) Board() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board
}

// Attach makes the color frames show what p projects.
func (s *Scene) Attach(p *Projector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projector = p
}

// SurfaceDepth returns the noiseless depth of the sand surface, or of the board when it is laid.
func (s *Scene) SurfaceDepth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surfaceDepth()
}

func (s *Scene) surfaceDepth() float64 {
	if s.board {
		return s.cfg.BoardDepth
	}
	return s.cfg.SandDepth
}

// DepthAt returns the noiseless depth seen at pixel (x, y).
func (s *Scene) DepthAt(x, y int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthAt(image.Pt(x, y))
}

func (s *Scene) depthAt(p image.Point) float64 {
	switch {
	case p.In(s.cfg.Sand):
		return s.surfaceDepth()
	case p.In(s.cfg.Rim):
		return s.cfg.RimDepth
	default:
		return s.cfg.FloorDepth
	}
}

// Next implements Source.
func (s *Scene) Next() (*rimage.RawDepthFrame, image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Frames > 0 && s.produced >= s.cfg.Frames {
		return nil, nil, false
	}
	s.produced++

	depth := rimage.NewRawDepthFrame(s.cfg.Width, s.cfg.Height)
	for y := 0; y < s.cfg.Height; y++ {
		for x := 0; x < s.cfg.Width; x++ {
			p := image.Pt(x, y)
			d := s.depthAt(p)
			if s.cfg.Noise > 0 && p.In(s.cfg.Sand) {
				d += float64(s.rng.Intn(2*s.cfg.Noise+1) - s.cfg.Noise)
			}
			depth.Set(x, y, rimage.Depth(math.Round(d)))
		}
	}
	return depth, s.renderColor(), true
}

// renderColor lights every sensor pixel with the projector pixel that reaches its surface point.
func (s *Scene) renderColor() image.Image {
	img := image.NewGray(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	if s.projector == nil {
		return img
	}
	fb := s.projector.framebuffer()
	fbBounds := fb.Bounds()
	for y := 0; y < s.cfg.Height; y++ {
		for x := 0; x < s.cfg.Width; x++ {
			world := s.world.Apply(float64(x), float64(y), s.depthAt(image.Pt(x, y)))
			u := s.projector.truth.Project(world)
			p := image.Pt(int(math.Floor(u.X)), int(math.Floor(u.Y)))
			if !p.In(fbBounds) {
				img.SetGray(x, y, color.Gray{Y: ambient})
				continue
			}
			img.SetGray(x, y, fb.GrayAt(p.X, p.Y))
		}
	}
	return img
}

const ambient = 40
