// Package acquisition runs the background loop that reads depth frames from the sensor, folds
// them into the stabilizer and hands the results to the consumer.
package acquisition

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/arsandbox/sandcore/logging"
	"github.com/arsandbox/sandcore/rimage"
	"github.com/arsandbox/sandcore/sensor"
	"github.com/arsandbox/sandcore/stabilizer"
)

const (
	// DefaultReopenInterval is how long the worker waits before reopening a sensor that failed.
	DefaultReopenInterval = 3 * time.Second
	// DefaultPollInterval is how long the worker waits when the sensor has no new frame.
	DefaultPollInterval = 5 * time.Millisecond
)

// Option configures a Worker.
type Option func(*Worker)

// WithClock makes the worker time its waits with c.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) {
		w.clock = c
	}
}

// WithReopenInterval changes how often a failing sensor is reopened.
func WithReopenInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.reopenInterval = d
	}
}

// WithPollInterval changes how long the worker idles between empty sensor polls.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

type queued struct {
	seq uint64
	cmd Command
}

type step int

const (
	stepFrame step = iota
	stepIdle
	stepClosed
)

// Worker owns the sensor and the stabilizer while it runs. Configuration changes reach the
// stabilizer as Commands applied between two frames.
type Worker struct {
	logger         logging.Logger
	sensor         sensor.Sensor
	stab           *stabilizer.Stabilizer
	clock          clock.Clock
	reopenInterval time.Duration
	pollInterval   time.Duration

	queueMu   sync.Mutex
	queue     []queued
	submitted uint64
	applied   atomic.Uint64

	cfgMu sync.RWMutex
	cfg   stabilizer.Config

	filtered *Slot[*rimage.FilteredDepthFrame]
	gradient *Slot[*rimage.GradientField]
	color    *Slot[image.Image]

	pendingFiltered *rimage.FilteredDepthFrame
	pendingGradient *rimage.GradientField
	pendingColor    image.Image

	open    bool
	frames  atomic.Int64
	workers *utils.StoppableWorkers
}

// NewWorker returns a stopped worker reading s into stab.
func NewWorker(s sensor.Sensor, stab *stabilizer.Stabilizer, logger logging.Logger, opts ...Option) (*Worker, error) {
	if s == nil || stab == nil {
		return nil, errors.New("worker needs a sensor and a stabilizer")
	}
	res := s.Resolution()
	cfg := stab.Config()
	if res.X != cfg.Width || res.Y != cfg.Height {
		return nil, errors.Errorf("sensor resolution %v does not match the %dx%d stabilizer", res, cfg.Width, cfg.Height)
	}
	w := &Worker{
		logger:         logger,
		sensor:         s,
		stab:           stab,
		clock:          clock.New(),
		reopenInterval: DefaultReopenInterval,
		pollInterval:   DefaultPollInterval,
		cfg:            cfg,
		filtered:       newSlot[*rimage.FilteredDepthFrame](),
		gradient:       newSlot[*rimage.GradientField](),
		color:          newSlot[image.Image](),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start runs the loop in the background until Stop is called or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.workers = utils.NewBackgroundStoppableWorkers(func(workerCtx context.Context) {
		runCtx, cancel := context.WithCancel(workerCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		w.run(runCtx)
	})
}

// Stop ends the loop, waits for it to return and closes the sensor.
func (w *Worker) Stop() {
	if w.workers != nil {
		w.workers.Stop()
	}
}

// Submit queues cmd for the next loop iteration and returns its sequence number.
func (w *Worker) Submit(cmd Command) uint64 {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	w.submitted++
	w.queue = append(w.queue, queued{seq: w.submitted, cmd: cmd})
	return w.submitted
}

// Applied returns the sequence number of the last command the loop has processed, whether it
// succeeded or not.
func (w *Worker) Applied() uint64 {
	return w.applied.Load()
}

// Config returns the stabilizer configuration as of the last applied command.
func (w *Worker) Config() stabilizer.Config {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// IsStabilized reports whether the stabilizer has warmed up since its last reset.
func (w *Worker) IsStabilized() bool {
	return w.stab.IsStabilized()
}

// Frames returns the number of frames ingested since the worker was created.
func (w *Worker) Frames() int64 {
	return w.frames.Load()
}

// TryFiltered returns the latest filtered depth frame, if one is waiting.
func (w *Worker) TryFiltered() (*rimage.FilteredDepthFrame, bool) {
	return w.filtered.TryReceive()
}

// TryGradient returns the latest gradient field, if one is waiting.
func (w *Worker) TryGradient() (*rimage.GradientField, bool) {
	return w.gradient.TryReceive()
}

// TryColor returns the latest color frame, if one is waiting.
func (w *Worker) TryColor() (image.Image, bool) {
	return w.color.TryReceive()
}

func (w *Worker) run(ctx context.Context) {
	defer w.release()
	for {
		if ctx.Err() != nil {
			return
		}
		var wait time.Duration
		switch w.iterate(ctx) {
		case stepFrame:
			continue
		case stepIdle:
			wait = w.pollInterval
		case stepClosed:
			wait = w.reopenInterval
		}
		if !w.sleep(ctx, wait) {
			return
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := w.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) release() {
	if w.open {
		if err := w.sensor.Close(); err != nil {
			w.logger.Warnw("error closing sensor", "error", err)
		}
		w.open = false
	}
	w.pendingFiltered, w.pendingGradient, w.pendingColor = nil, nil, nil
}

// iterate runs one pass of the loop: apply queued commands, make sure the sensor is open, then
// ingest and publish a new frame if there is one.
func (w *Worker) iterate(ctx context.Context) step {
	w.drainCommands()
	w.publish()

	if !w.open {
		if err := w.sensor.Open(ctx); err != nil {
			w.logger.Warnw("cannot open sensor, will retry", "error", err, "retry_in", w.reopenInterval)
			return stepClosed
		}
		w.open = true
		w.logger.Info("sensor opened")
	}

	depth, color, ok := w.sensor.Frame()
	if !ok || depth == nil {
		return stepIdle
	}
	filtered, err := w.stab.Ingest(depth)
	if err != nil {
		w.logger.Warnw("dropping depth frame", "error", err)
		return stepIdle
	}
	w.frames.Inc()
	w.pendingFiltered = filtered.Clone()
	w.pendingGradient = w.stab.Gradient(filtered).Clone()
	if color != nil {
		w.pendingColor = color
	}
	w.publish()
	return stepFrame
}

func (w *Worker) publish() {
	if w.pendingFiltered != nil && w.filtered.offer(w.pendingFiltered) {
		w.pendingFiltered = nil
	}
	if w.pendingGradient != nil && w.gradient.offer(w.pendingGradient) {
		w.pendingGradient = nil
	}
	if w.pendingColor != nil && w.color.offer(w.pendingColor) {
		w.pendingColor = nil
	}
}

func (w *Worker) drainCommands() {
	w.queueMu.Lock()
	cmds := w.queue
	w.queue = nil
	w.queueMu.Unlock()

	for _, q := range cmds {
		w.execute(q.cmd)
		w.applied.Store(q.seq)
	}
}

func (w *Worker) execute(cmd Command) {
	next, rebuild, err := cmd.apply(w.stab.Config())
	if err != nil {
		w.logger.Warnw("ignoring command", "command", cmd.Kind.String(), "error", err)
		return
	}
	if cmd.Kind == CommandResetStabilizer {
		w.stab.Reset()
	} else if rebuild {
		if err := w.stab.Reconfigure(next); err != nil {
			w.logger.Warnw("ignoring command", "command", cmd.Kind.String(), "error", err)
			return
		}
	}
	w.logger.Debugw("applied command", "command", cmd.Kind.String())

	// results computed under the old configuration are not published
	w.pendingFiltered, w.pendingGradient = nil, nil
	w.filtered.drain()
	w.gradient.drain()

	w.cfgMu.Lock()
	w.cfg = w.stab.Config()
	w.cfgMu.Unlock()
}
