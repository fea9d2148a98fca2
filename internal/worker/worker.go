// Package worker runs the periodic evaluation loop that drains the work queue.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"vitalpaw/internal/alerts"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/models"
	"vitalpaw/internal/queue"
)

// BreedResolver maps a pet to its breed, never failing.
type BreedResolver interface {
	Resolve(ctx context.Context, petID string) string
}

// ThresholdResolver maps a breed to its bounds, never failing.
type ThresholdResolver interface {
	Resolve(ctx context.Context, breed string) models.Thresholds
}

// Dispatcher delivers non-empty alert lists.
type Dispatcher interface {
	Dispatch(ctx context.Context, petID string, alerts []string) alerts.Outcome
}

// Config holds evaluation loop configuration
type Config struct {
	Queue      queue.Queue
	Breeds     BreedResolver
	Thresholds ThresholdResolver
	Dispatcher Dispatcher
	Period     time.Duration
}

// Loop drains the queue on every tick. Ticks never overlap: a tick that
// fires while a drain is running is skipped.
type Loop struct {
	queue      queue.Queue
	breeds     BreedResolver
	thresholds ThresholdResolver
	dispatcher Dispatcher
	period     time.Duration

	inFlight atomic.Bool
	started  atomic.Bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	processed atomic.Uint64
	malformed atomic.Uint64
	alerted   atomic.Uint64
	panics    atomic.Uint64
	skipped   atomic.Uint64
	drains    atomic.Uint64
}

// NewLoop creates a new evaluation loop
func NewLoop(cfg Config) *Loop {
	if cfg.Period <= 0 {
		cfg.Period = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Loop{
		queue:      cfg.Queue,
		breeds:     cfg.Breeds,
		thresholds: cfg.Thresholds,
		dispatcher: cfg.Dispatcher,
		period:     cfg.Period,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start runs the loop in the background until Stop.
func (l *Loop) Start() {
	if l.started.Swap(true) {
		return
	}
	go func() {
		defer close(l.done)
		l.Run(l.ctx)
	}()
}

// Stop halts the ticker and waits for the in-flight drain to finish.
func (l *Loop) Stop() {
	log := logger.WithComponent("evaluator")
	log.Info().Msg("stopping evaluation loop")
	l.cancel()
	if l.started.Load() {
		<-l.done
	}
	log.Info().Msg("evaluation loop stopped")
}

// Run ticks until ctx is done, then waits for the in-flight drain.
func (l *Loop) Run(ctx context.Context) {
	log := logger.WithComponent("evaluator")
	log.Info().Dur("period", l.period).Msg("evaluation loop started")

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		metrics.EvalTicksSkipped.Inc()
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.inFlight.Store(false)
		l.drain(ctx)
	}()
}

// Drain processes queued payloads until the queue reports empty and returns
// how many were popped. It returns 0 without popping while another drain,
// ticked or manual, is running.
func (l *Loop) Drain(ctx context.Context) int {
	if !l.inFlight.CompareAndSwap(false, true) {
		return 0
	}
	defer l.inFlight.Store(false)
	return l.drain(ctx)
}

// drain stops popping once stop is done; the item in hand always completes.
func (l *Loop) drain(stop context.Context) int {
	log := logger.WithComponent("evaluator")
	ctx := context.WithoutCancel(stop)
	start := time.Now()
	count := 0

	for stop.Err() == nil {
		payload, ok, err := l.queue.Pop(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to pop from work queue")
			break
		}
		if !ok {
			break
		}
		count++
		l.process(ctx, payload)
	}

	l.drains.Add(1)
	metrics.EvalDrainSize.Observe(float64(count))
	metrics.EvalDrainDuration.Observe(time.Since(start).Seconds())
	if depth, err := l.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	if count > 0 {
		log.Debug().
			Int("count", count).
			Dur("duration", time.Since(start)).
			Msg("work queue drained")
	}
	return count
}

// process evaluates one payload. A panic is contained to the payload.
func (l *Loop) process(ctx context.Context, payload string) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("evaluator")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Int("payload_size", len(payload)).
				Msg("evaluation panic recovered")
			l.panics.Add(1)
			metrics.EvalReadingsTotal.WithLabelValues("panic").Inc()
			metrics.PanicsRecovered.WithLabelValues("evaluator").Inc()
		}
	}()

	reading, err := models.DecodeReading([]byte(payload))
	if err != nil {
		log := logger.WithComponent("evaluator")
		log.Warn().
			Err(err).
			Int("payload_size", len(payload)).
			Msg("discarding malformed payload")
		l.malformed.Add(1)
		metrics.EvalReadingsTotal.WithLabelValues("malformed").Inc()
		return
	}

	breed := l.breeds.Resolve(ctx, reading.PetID)
	th := l.thresholds.Resolve(ctx, breed)
	found := alerts.EvaluateAndRecord(*reading, th)
	l.processed.Add(1)

	if len(found) == 0 {
		metrics.EvalReadingsTotal.WithLabelValues("normal").Inc()
		return
	}

	l.alerted.Add(1)
	metrics.EvalReadingsTotal.WithLabelValues("abnormal").Inc()

	log := logger.WithPet("evaluator", reading.PetID)
	log.Info().
		Str("breed", breed).
		Strs("alerts", found).
		Msg("abnormal reading")

	l.dispatcher.Dispatch(ctx, reading.PetID, found)
}

// Stats returns loop statistics
func (l *Loop) Stats() Stats {
	return Stats{
		Processed:    l.processed.Load(),
		Malformed:    l.malformed.Load(),
		Alerted:      l.alerted.Load(),
		Panics:       l.panics.Load(),
		SkippedTicks: l.skipped.Load(),
		Drains:       l.drains.Load(),
	}
}

// Stats holds evaluation loop counters
type Stats struct {
	Processed    uint64 `json:"processed"`
	Malformed    uint64 `json:"malformed"`
	Alerted      uint64 `json:"alerted"`
	Panics       uint64 `json:"panics"`
	SkippedTicks uint64 `json:"skipped_ticks"`
	Drains       uint64 `json:"drains"`
}
