// Package monitor drives the recurring evaluation of every active farm:
// fetch the latest observation, run the risk rules, and forward anything
// risky to the notification pipeline.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agrolert/backend/internal/alerts"
	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/observability"
	"github.com/agrolert/backend/internal/risk"
	"github.com/agrolert/backend/internal/weather"
	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// State is the monitor's current phase, exposed for health reporting.
type State string

const (
	StateIdle        State = "idle"
	StateEvaluating  State = "evaluating"
	StateCoolingDown State = "cooling-down"
)

const defaultWorkers = 8

// FarmLister provides the farms enrolled in monitoring.
type FarmLister interface {
	ListActiveFarms(ctx context.Context) ([]farms.Farm, error)
}

// DecisionPipeline is the slice of the alert pipeline the monitor invokes.
type DecisionPipeline interface {
	Decide(ctx context.Context, assessment risk.Assessment) (alerts.Decision, error)
}

// Config describes the monitor's dependencies and schedule.
type Config struct {
	Farms    FarmLister
	Source   weather.Source
	Engine   *risk.Engine
	Pipeline DecisionPipeline
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	Clock    clockwork.Clock

	Interval time.Duration
	Cooldown time.Duration
	Workers  int
}

// Monitor owns the evaluation schedule. One tick never overlaps another;
// farms within a tick are evaluated by a bounded worker pool, and any
// single farm's failure is contained to that farm.
type Monitor struct {
	farms    FarmLister
	source   weather.Source
	engine   *risk.Engine
	pipeline DecisionPipeline
	metrics  *observability.Metrics
	logger   *zap.Logger
	clock    clockwork.Clock

	interval time.Duration
	cooldown time.Duration
	workers  int

	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.RWMutex
	state State
}

// NewMonitor constructs the monitor. Call Start to begin ticking.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Farms == nil {
		return nil, fmt.Errorf("monitor: farm lister is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("monitor: weather source is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("monitor: risk engine is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("monitor: decision pipeline is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("monitor: interval must be positive")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		farms:    cfg.Farms,
		source:   cfg.Source,
		engine:   cfg.Engine,
		pipeline: cfg.Pipeline,
		metrics:  metrics,
		logger:   logger,
		clock:    clock,
		interval: cfg.Interval,
		cooldown: cfg.Cooldown,
		workers:  workers,
		state:    StateIdle,
	}, nil
}

// State reports the monitor's current phase.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Start schedules the recurring evaluation. The first tick fires after one
// full interval.
func (m *Monitor) Start() error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.scheduler = gocron.NewScheduler(time.UTC)
	m.scheduler.SingletonModeAll()
	if _, err := m.scheduler.Every(m.interval).Do(func() {
		m.RunTick(m.ctx)
	}); err != nil {
		return fmt.Errorf("monitor: schedule tick: %w", err)
	}
	m.scheduler.StartAsync()
	m.logger.Info("monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("workers", m.workers))
	return nil
}

// Stop drains gracefully: farms already being evaluated finish, no new farm
// is begun, and the scheduler waits for the in-flight tick before returning.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	m.logger.Info("monitor stopped")
}

// RunTick performs one full evaluation pass. Exported so operators can force
// an immediate pass and so tests can drive the monitor without the schedule.
func (m *Monitor) RunTick(ctx context.Context) {
	started := m.clock.Now()
	m.setState(StateEvaluating)
	defer m.setState(StateIdle)

	active, err := m.farms.ListActiveFarms(ctx)
	if err != nil {
		m.logger.Error("active farm listing failed", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	slots := make(chan struct{}, m.workers)
	for _, farm := range active {
		if ctx.Err() != nil {
			// Shutdown drain: in-flight farms finish, the rest wait for the
			// next process start.
			break
		}
		wg.Add(1)
		slots <- struct{}{}
		go func(farm farms.Farm) {
			defer wg.Done()
			defer func() { <-slots }()
			m.evaluateFarm(ctx, farm)
		}(farm)
	}
	wg.Wait()

	m.metrics.TickDuration.Observe(m.clock.Since(started).Seconds())

	if m.cooldown > 0 && ctx.Err() == nil {
		m.setState(StateCoolingDown)
		select {
		case <-m.clock.After(m.cooldown):
		case <-ctx.Done():
		}
	}
}

// evaluateFarm runs one farm end to end. Every failure path logs and
// returns; nothing here may take down the tick.
func (m *Monitor) evaluateFarm(ctx context.Context, farm farms.Farm) {
	m.metrics.FarmsEvaluated.Inc()
	log := m.logger.With(
		zap.String("farm_id", farm.FarmID),
		zap.String("owner_id", farm.OwnerID))

	observation, err := m.source.FetchObservation(ctx, weather.Location{
		Latitude:  farm.Latitude,
		Longitude: farm.Longitude,
	})
	if err != nil {
		m.metrics.FarmsSkipped.WithLabelValues("source").Inc()
		log.Warn("observation fetch failed, farm skipped this tick", zap.Error(err))
		return
	}

	assessment, err := m.engine.Evaluate(observation, farm)
	if err != nil {
		reason := "store"
		if errors.Is(err, weather.ErrIncompleteObservation) {
			reason = "malformed"
		}
		m.metrics.FarmsSkipped.WithLabelValues(reason).Inc()
		log.Warn("risk evaluation failed, farm skipped", zap.Error(err))
		return
	}
	if assessment.Severity == risk.SeverityNone {
		return
	}

	decision, err := m.pipeline.Decide(ctx, assessment)
	if err != nil {
		m.metrics.FarmsSkipped.WithLabelValues("store").Inc()
		log.Error("notification decision failed, assessment dropped", zap.Error(err))
		return
	}
	log.Debug("assessment processed",
		zap.String("severity", string(assessment.Severity)),
		zap.String("category", string(assessment.Dimension)),
		zap.String("action", string(decision.Action)))
}
