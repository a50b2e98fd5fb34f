package fake

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"math/rand"
	"sync"

	"github.com/golang/geo/r2"

	"github.com/arsandbox/sandcore/calibration"
	"github.com/arsandbox/sandcore/transform"
	"github.com/arsandbox/sandcore/vision"
)

// Projector simulates a projector whose true mapping from sensor world space is known. It draws
// patterns into a framebuffer the attached Scene renders into color frames, and it doubles as a
// pattern detector that reports exactly where the sensor sees the projected corners.
type Projector struct {
	mu         sync.Mutex
	resolution image.Point
	truth      calibration.ProjectiveCalibration
	world      transform.WorldMatrix
	inverse    *transform.Engine
	scene      *Scene

	fb       *image.Gray
	board    vision.Checkerboard
	center   r2.Point
	showing  bool
	message  string
	fail     int
	patterns int
	jitter   float64
	rng      *rand.Rand
}

var _ vision.PatternDetector = (*Projector)(nil)

// NewProjector returns a projector of the given resolution lighting scene through truth, and
// attaches it to the scene.
func NewProjector(
	resolution image.Point,
	truth calibration.ProjectiveCalibration,
	world transform.WorldMatrix,
	scene *Scene,
) *Projector {
	inverse := transform.NewEngine(world)
	inverse.SetCalibration(truth)
	p := &Projector{
		resolution: resolution,
		truth:      truth,
		world:      world,
		inverse:    inverse,
		scene:      scene,
		fb:         blank(resolution),
	}
	scene.Attach(p)
	return p
}

func blank(resolution image.Point) *image.Gray {
	fb := image.NewGray(image.Rectangle{Max: resolution})
	draw.Draw(fb, fb.Bounds(), image.NewUniform(color.Gray{Y: ambient}), image.Point{}, draw.Src)
	return fb
}

func (p *Projector) framebuffer() *image.Gray {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fb
}

// Resolution returns the projector size in pixels.
func (p *Projector) Resolution() image.Point {
	return p.resolution
}

// ShowPattern draws board centered on center.
func (p *Projector) ShowPattern(board vision.Checkerboard, center r2.Point) {
	fb := blank(p.resolution)
	board.Render(fb, center)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fb = fb
	p.board = board
	p.center = center
	p.showing = true
	p.patterns++
}

// ClearPattern blanks the framebuffer.
func (p *Projector) ClearPattern() {
	fb := blank(p.resolution)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fb = fb
	p.showing = false
}

// ShowMessage displays a prompt for the user.
func (p *Projector) ShowMessage(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.message = msg
}

// ClearMessage removes the prompt.
func (p *Projector) ClearMessage() {
	p.ShowMessage("")
}

// Message returns the prompt on display.
func (p *Projector) Message() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.message
}

// PatternsShown returns how many patterns have been drawn.
func (p *Projector) PatternsShown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.patterns
}

// Pattern returns the board on display and its center.
func (p *Projector) Pattern() (vision.Checkerboard, r2.Point, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.board, p.center, p.showing
}

// FailDetections makes the next n calls to Detect report nothing.
func (p *Projector) FailDetections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = n
}

// JitterCorners offsets every detected corner by up to amplitude sensor pixels on each axis,
// drawn from a generator seeded with seed. Zero turns the jitter off.
func (p *Projector) JitterCorners(amplitude float64, seed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jitter = amplitude
	p.rng = rand.New(rand.NewSource(seed))
}

func (p *Projector) offset() r2.Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jitter == 0 || p.rng == nil {
		return r2.Point{}
	}
	return r2.Point{X: p.jitter * (2*p.rng.Float64() - 1), Y: p.jitter * (2*p.rng.Float64() - 1)}
}

// Detect implements vision.PatternDetector. It finds the displayed board when all of its
// corners land on the sand surface inside img.
func (p *Projector) Detect(img *image.Gray, grid image.Point) ([]r2.Point, bool) {
	p.mu.Lock()
	board, center, showing := p.board, p.center, p.showing
	if showing && p.fail > 0 {
		p.fail--
		showing = false
	}
	p.mu.Unlock()
	if !showing || board.Grid != grid {
		return nil, false
	}

	depth := p.scene.SurfaceDepth()
	z := p.world.Apply(0, 0, depth).Z
	bounds := img.Bounds()
	corners := board.Corners(center)
	out := make([]r2.Point, 0, len(corners))
	for _, c := range corners {
		w, err := p.inverse.ProjectorAndWorldZToWorld(c.X, c.Y, z)
		if err != nil {
			return nil, false
		}
		x, y, _, ok := p.world.Pixel(w)
		if !ok {
			return nil, false
		}
		px := image.Pt(int(math.Round(x)), int(math.Round(y)))
		if !px.In(bounds) || p.scene.DepthAt(px.X, px.Y) != depth {
			return nil, false
		}
		out = append(out, r2.Point{X: x, Y: y}.Add(p.offset()))
	}
	return out, true
}

// ProjectorCalibration returns a calibration that spreads the world footprint of rect, seen at
// depth, over a projector of the given resolution. parallax shifts projector pixels per unit of
// world height.
func ProjectorCalibration(
	resolution image.Point,
	world transform.WorldMatrix,
	rect image.Rectangle,
	depth, parallax float64,
) calibration.ProjectiveCalibration {
	lo := world.Apply(float64(rect.Min.X), float64(rect.Min.Y), depth)
	hi := world.Apply(float64(rect.Max.X-1), float64(rect.Max.Y-1), depth)
	sx := float64(resolution.X) / (hi.X - lo.X)
	sy := float64(resolution.Y) / (hi.Y - lo.Y)
	return calibration.ProjectiveCalibration{
		sx, 0, parallax, -sx*lo.X - parallax*lo.Z,
		0, sy, parallax, -sy*lo.Y - parallax*lo.Z,
		0, 0, 0,
	}
}
