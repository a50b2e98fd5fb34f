package stabilizer

import (
	"image"
	"math/rand"
	"testing"

	"go.viam.com/test"

	"github.com/arsandbox/sandcore/logging"
	"github.com/arsandbox/sandcore/rimage"
)

func newTestStabilizer(t *testing.T, width, height int, mutate func(cfg *Config)) *Stabilizer {
	t.Helper()
	cfg := DefaultConfig(width, height)
	cfg.SpatialFilter = false
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return s
}

func constantFrame(width, height int, d rimage.Depth) *rimage.RawDepthFrame {
	f := rimage.NewRawDepthFrame(width, height)
	f.Fill(d)
	return f
}

func ingestValue(t *testing.T, s *Stabilizer, d rimage.Depth) *rimage.FilteredDepthFrame {
	t.Helper()
	out, err := s.Ingest(constantFrame(s.cfg.Width, s.cfg.Height, d))
	test.That(t, err, test.ShouldBeNil)
	return out
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig(640, 480)
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.MinSamples(), test.ShouldEqual, 8)

	bad := cfg
	bad.ROI = image.Rect(600, 400, 700, 500)
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.AveragingSlots = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.QuickReaction = true
	bad.QuickReactionThreshold = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.ROI = image.Rectangle{}
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	for k, want := range map[int]int{1: 1, 2: 2, 15: 8, 16: 9} {
		c := Config{AveragingSlots: k}
		test.That(t, c.MinSamples(), test.ShouldEqual, want)
	}
}

func TestAggregatesMatchRing(t *testing.T) {
	const width, height, slots = 4, 3, 5
	s := newTestStabilizer(t, width, height, func(cfg *Config) {
		cfg.AveragingSlots = slots
		cfg.CeilingOffset = 300
	})

	rng := rand.New(rand.NewSource(7))
	for tick := 0; tick < 37; tick++ {
		frame := rimage.NewRawDepthFrame(width, height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				switch r := rng.Intn(10); {
				case r == 0:
					frame.Set(x, y, 0)
				case r == 1:
					frame.Set(x, y, 250) // above the ceiling
				default:
					frame.Set(x, y, rimage.Depth(900+rng.Intn(40)))
				}
			}
		}
		_, err := s.Ingest(frame)
		test.That(t, err, test.ShouldBeNil)

		for idx := 0; idx < width*height; idx++ {
			var count int
			var sum, sumSq float64
			for _, d := range s.ring[idx*slots : (idx+1)*slots] {
				if d == 0 {
					continue
				}
				count++
				sum += float64(d)
				sumSq += float64(d) * float64(d)
			}
			gotCount, gotSum, gotSumSq := s.PixelStats(idx%width, idx/width)
			test.That(t, gotCount, test.ShouldEqual, count)
			test.That(t, gotSum, test.ShouldEqual, sum)
			test.That(t, gotSumSq, test.ShouldEqual, sumSq)
		}
	}
}

func TestFullyValidHistory(t *testing.T) {
	s := newTestStabilizer(t, 1, 1, func(cfg *Config) { cfg.AveragingSlots = 4 })
	for _, d := range []rimage.Depth{10, 20, 30, 40, 50, 60} {
		ingestValue(t, s, d)
	}
	count, sum, sumSq := s.PixelStats(0, 0)
	test.That(t, count, test.ShouldEqual, 4)
	test.That(t, sum, test.ShouldEqual, 30.0+40+50+60)
	test.That(t, sumSq, test.ShouldEqual, 900.0+1600+2500+3600)
}

func TestStabilityAtVarianceThreshold(t *testing.T) {
	s := newTestStabilizer(t, 1, 1, func(cfg *Config) {
		cfg.AveragingSlots = 4
		cfg.VarianceThreshold = 1
		cfg.Hysteresis = 0
	})

	// population variance of {99, 101, 99, 101} is exactly 1
	for _, d := range []rimage.Depth{99, 101, 99, 101} {
		ingestValue(t, s, d)
	}
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 100.0)

	out := ingestValue(t, s, 130)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 100.0)
	test.That(t, out.Get(0, 0), test.ShouldEqual, float32(100))

	// the outlier stays in the ring for three more ticks
	for i := 0; i < 3; i++ {
		ingestValue(t, s, 102)
		test.That(t, s.StableValue(0, 0), test.ShouldEqual, 100.0)
	}
	ingestValue(t, s, 102)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 102.0)
}

func TestHysteresis(t *testing.T) {
	s := newTestStabilizer(t, 1, 1, func(cfg *Config) {
		cfg.AveragingSlots = 1
		cfg.VarianceThreshold = 0
		cfg.Hysteresis = 2
	})
	ingestValue(t, s, 100)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 100.0)
	ingestValue(t, s, 101)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 100.0)
	ingestValue(t, s, 99)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 100.0)
	ingestValue(t, s, 102)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 102.0)
	ingestValue(t, s, 97)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 97.0)
}

func TestMinSamplesAndLastKnownGood(t *testing.T) {
	s := newTestStabilizer(t, 2, 2, nil)
	for i := 0; i < 7; i++ {
		out := ingestValue(t, s, 800)
		test.That(t, out.Get(1, 1), test.ShouldEqual, float32(0))
	}
	out := ingestValue(t, s, 800)
	test.That(t, out.Get(1, 1), test.ShouldEqual, float32(800))

	// dropouts shrink the history below the minimum but the output is never blanked
	for i := 0; i < 20; i++ {
		out = ingestValue(t, s, 0)
		test.That(t, out.Get(1, 1), test.ShouldEqual, float32(800))
	}
	count, _, _ := s.PixelStats(1, 1)
	test.That(t, count, test.ShouldEqual, 0)
}

func TestCeilingRejection(t *testing.T) {
	s := newTestStabilizer(t, 1, 1, func(cfg *Config) {
		cfg.AveragingSlots = 1
		cfg.CeilingOffset = 500
	})
	ingestValue(t, s, 400)
	count, _, _ := s.PixelStats(0, 0)
	test.That(t, count, test.ShouldEqual, 0)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 0.0)

	ingestValue(t, s, 600)
	test.That(t, s.StableValue(0, 0), test.ShouldEqual, 600.0)
}

func TestQuickReaction(t *testing.T) {
	for _, quick := range []bool{false, true} {
		s := newTestStabilizer(t, 1, 1, func(cfg *Config) {
			cfg.AveragingSlots = 10
			cfg.QuickReaction = quick
		})
		for i := 0; i < 10; i++ {
			ingestValue(t, s, 1000)
		}
		test.That(t, s.StableValue(0, 0), test.ShouldEqual, 1000.0)

		ingestValue(t, s, 900)
		if quick {
			test.That(t, s.StableValue(0, 0), test.ShouldEqual, 900.0)
			count, sum, _ := s.PixelStats(0, 0)
			test.That(t, count, test.ShouldEqual, 10)
			test.That(t, sum, test.ShouldEqual, 9000.0)
		} else {
			test.That(t, s.StableValue(0, 0), test.ShouldEqual, 1000.0)
		}
	}
}

func TestWarmup(t *testing.T) {
	s := newTestStabilizer(t, 3, 3, nil)
	for i := 0; i < 60; i++ {
		ingestValue(t, s, 700)
		test.That(t, s.IsStabilized(), test.ShouldBeFalse)
	}
	ingestValue(t, s, 700)
	test.That(t, s.IsStabilized(), test.ShouldBeTrue)
	test.That(t, s.Ticks(), test.ShouldEqual, int64(61))

	s.Reset()
	test.That(t, s.IsStabilized(), test.ShouldBeFalse)
	count, _, _ := s.PixelStats(0, 0)
	test.That(t, count, test.ShouldEqual, 0)

	cfg := s.Config()
	cfg.ROI = image.Rect(1, 1, 3, 3)
	test.That(t, s.Reconfigure(cfg), test.ShouldBeNil)
	test.That(t, s.Ticks(), test.ShouldEqual, int64(0))

	// the warm-up threshold follows the new configuration
	cfg.WarmupTicks = 2
	test.That(t, s.Reconfigure(cfg), test.ShouldBeNil)
	for i := 0; i < 2; i++ {
		ingestValue(t, s, 700)
	}
	test.That(t, s.IsStabilized(), test.ShouldBeFalse)
	ingestValue(t, s, 700)
	test.That(t, s.IsStabilized(), test.ShouldBeTrue)
}

func TestROIConfinesWork(t *testing.T) {
	s := newTestStabilizer(t, 4, 4, func(cfg *Config) {
		cfg.AveragingSlots = 1
		cfg.ROI = image.Rect(1, 1, 3, 3)
		cfg.SpatialFilter = true
	})
	out := ingestValue(t, s, 500)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if image.Pt(x, y).In(s.cfg.ROI) {
				test.That(t, out.Get(x, y), test.ShouldEqual, float32(500))
			} else {
				test.That(t, out.Get(x, y), test.ShouldEqual, float32(0))
			}
		}
	}
}

func TestSpatialFilter(t *testing.T) {
	s := newTestStabilizer(t, 7, 7, func(cfg *Config) {
		cfg.AveragingSlots = 1
		cfg.SpatialFilter = true
		cfg.Hysteresis = 0
	})
	frame := constantFrame(7, 7, 100)
	frame.Set(3, 3, 200)
	frame.Set(0, 0, 0)
	out, err := s.Ingest(frame)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, out.Get(0, 0), test.ShouldEqual, float32(0))
	test.That(t, out.Get(3, 3), test.ShouldBeLessThan, float32(200))
	test.That(t, out.Get(3, 3), test.ShouldBeGreaterThan, float32(100))
	// two passes spread the spike by at most two pixels per axis
	test.That(t, out.Get(6, 6), test.ShouldEqual, float32(100))
	test.That(t, out.Get(3, 6), test.ShouldEqual, float32(100))
	// stable values are kept unsmoothed
	test.That(t, s.StableValue(3, 3), test.ShouldEqual, 200.0)

	flat := newTestStabilizer(t, 5, 5, func(cfg *Config) {
		cfg.AveragingSlots = 1
		cfg.SpatialFilter = true
	})
	out = ingestValue(t, flat, 321)
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			test.That(t, out.Get(x, y), test.ShouldEqual, float32(321))
		}
	}
}

func TestIngestRejectsWrongSize(t *testing.T) {
	s := newTestStabilizer(t, 4, 4, nil)
	_, err := s.Ingest(constantFrame(5, 4, 100))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = s.Ingest(nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, s.Ticks(), test.ShouldEqual, int64(0))
}
