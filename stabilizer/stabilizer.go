// Package stabilizer turns a noisy stream of depth frames into a temporally and spatially
// stabilized height field.
//
// Every pixel inside the region of interest keeps a ring of its last K samples together with
// the running count, sum and sum of squares of the valid entries. A pixel whose variance is
// below the configured threshold publishes its mean, gated by a hysteresis band so the output
// does not flicker; an unstable pixel keeps publishing its last accepted value.
package stabilizer

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/arsandbox/sandcore/logging"
	"github.com/arsandbox/sandcore/rimage"
)

// Stabilizer is the per-pixel temporal filter. It is not safe for concurrent use except for
// IsStabilized and Ticks, which may be called from any goroutine.
type Stabilizer struct {
	logger logging.Logger
	cfg    Config

	minSamples int
	slot       int

	ring   []rimage.Depth
	count  []int32
	sum    []float64
	sumSq  []float64
	stable []float64

	output   *rimage.FilteredDepthFrame
	scratch  *rimage.FilteredDepthFrame
	gradient *rimage.GradientField

	ticks  atomic.Int64
	warmup atomic.Int64
}

// New returns a Stabilizer with freshly allocated per-pixel state.
func New(cfg Config, logger logging.Logger) (*Stabilizer, error) {
	s := &Stabilizer{logger: logger}
	if err := s.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reconfigure discards all per-pixel state and rebuilds it for cfg. The warm-up counter
// restarts from zero.
func (s *Stabilizer) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid stabilizer config")
	}
	n := cfg.Width * cfg.Height
	s.cfg = cfg
	s.minSamples = cfg.MinSamples()
	s.slot = 0
	s.ring = make([]rimage.Depth, n*cfg.AveragingSlots)
	s.count = make([]int32, n)
	s.sum = make([]float64, n)
	s.sumSq = make([]float64, n)
	s.stable = make([]float64, n)
	s.output = rimage.NewFilteredDepthFrame(cfg.Width, cfg.Height)
	s.scratch = rimage.NewFilteredDepthFrame(cfg.Width, cfg.Height)
	s.gradient = rimage.NewGradientField(cfg.Width, cfg.Height, cfg.GradientResolution)
	s.warmup.Store(int64(cfg.WarmupTicks))
	s.ticks.Store(0)
	s.logger.Debugw("stabilizer configured",
		"width", cfg.Width, "height", cfg.Height, "roi", cfg.ROI.String(),
		"slots", cfg.AveragingSlots, "min_samples", s.minSamples)
	return nil
}

// Config returns the active configuration.
func (s *Stabilizer) Config() Config {
	return s.cfg
}

// Reset zeroes every pixel history, stable value and the warm-up counter without reallocating.
func (s *Stabilizer) Reset() {
	clear(s.ring)
	clear(s.count)
	clear(s.sum)
	clear(s.sumSq)
	clear(s.stable)
	s.output = rimage.NewFilteredDepthFrame(s.cfg.Width, s.cfg.Height)
	s.slot = 0
	s.ticks.Store(0)
}

// Ticks returns the number of frames ingested since the last reset or reconfiguration.
func (s *Stabilizer) Ticks() int64 {
	return s.ticks.Load()
}

// IsStabilized reports whether more than WarmupTicks frames have been ingested since the last
// reset or reconfiguration.
func (s *Stabilizer) IsStabilized() bool {
	return s.ticks.Load() > s.warmup.Load()
}

// Ingest folds raw into the pixel histories and returns the filtered frame. The returned frame is
// owned by the Stabilizer and is overwritten by the next call; clone it before handing it to
// another goroutine.
func (s *Stabilizer) Ingest(raw *rimage.RawDepthFrame) (*rimage.FilteredDepthFrame, error) {
	if raw == nil {
		return nil, errors.New("nil depth frame")
	}
	if raw.Width() != s.cfg.Width || raw.Height() != s.cfg.Height {
		return nil, errors.Errorf("depth frame is %dx%d, stabilizer expects %dx%d",
			raw.Width(), raw.Height(), s.cfg.Width, s.cfg.Height)
	}

	roi := s.cfg.ROI
	for y := roi.Min.Y; y < roi.Max.Y; y++ {
		for x := roi.Min.X; x < roi.Max.X; x++ {
			idx := y*s.cfg.Width + x
			s.foldSample(idx, raw.Get(x, y))
			s.updateStable(idx)
			s.output.Set(x, y, float32(s.stable[idx]))
		}
	}
	s.slot = (s.slot + 1) % s.cfg.AveragingSlots

	if s.cfg.SpatialFilter {
		s.applySpatialFilter()
	}
	s.ticks.Inc()
	return s.output, nil
}

func (s *Stabilizer) accepts(d rimage.Depth) bool {
	if d == 0 {
		return false
	}
	return s.cfg.CeilingOffset <= 0 || float64(d) >= s.cfg.CeilingOffset
}

// foldSample pushes d into the ring of pixel idx, evicting the entry written K ticks ago. A
// rejected sample still evicts and leaves an empty slot behind.
func (s *Stabilizer) foldSample(idx int, d rimage.Depth) {
	k := s.cfg.AveragingSlots
	base := idx * k
	valid := s.accepts(d)
	v := float64(d)

	if valid && s.cfg.QuickReaction && s.count[idx] > 0 {
		mean := s.sum[idx] / float64(s.count[idx])
		if math.Abs(v-mean) > s.cfg.QuickReactionThreshold {
			for i := 0; i < k; i++ {
				s.ring[base+i] = d
			}
			s.count[idx] = int32(k)
			s.sum[idx] = float64(k) * v
			s.sumSq[idx] = float64(k) * v * v
			return
		}
	}

	if old := s.ring[base+s.slot]; old != 0 {
		o := float64(old)
		s.count[idx]--
		s.sum[idx] -= o
		s.sumSq[idx] -= o * o
	}
	if !valid {
		s.ring[base+s.slot] = 0
		return
	}
	s.ring[base+s.slot] = d
	s.count[idx]++
	s.sum[idx] += v
	s.sumSq[idx] += v * v
}

func (s *Stabilizer) updateStable(idx int) {
	n := float64(s.count[idx])
	if int(s.count[idx]) < s.minSamples {
		return
	}
	sum := s.sum[idx]
	if s.sumSq[idx]*n > s.cfg.VarianceThreshold*n*n+sum*sum {
		return
	}
	candidate := sum / n
	if math.Abs(candidate-s.stable[idx]) >= s.cfg.Hysteresis {
		s.stable[idx] = candidate
	}
}

// PixelStats returns the running aggregates of pixel (x, y).
func (s *Stabilizer) PixelStats(x, y int) (count int, sum, sumSq float64) {
	idx := y*s.cfg.Width + x
	return int(s.count[idx]), s.sum[idx], s.sumSq[idx]
}

// StableValue returns the last accepted depth of pixel (x, y), before spatial filtering.
func (s *Stabilizer) StableValue(x, y int) float64 {
	return s.stable[y*s.cfg.Width+x]
}
