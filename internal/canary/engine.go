// Package canary drives progressive rollouts between a stable and a
// canary version of one route. An engine splits traffic by weight,
// watches per-target health in sliding windows, and either walks the
// canary weight up the configured steps or rolls it back to zero.
package canary

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/events"
	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/metrics"
)

// State is the rollout lifecycle position.
type State string

const (
	StateActive     State = "ACTIVE"
	StatePaused     State = "PAUSED"
	StatePromoted   State = "PROMOTED"
	StateRolledBack State = "ROLLED_BACK"
)

// Target names one side of the traffic split.
type Target string

const (
	TargetStable Target = "stable"
	TargetCanary Target = "canary"
)

// Decision is an evaluation outcome.
type Decision int

const (
	Hold Decision = iota
	Promote
	Rollback
)

// Evaluator judges canary health from the two window snapshots.
type Evaluator func(canary, stable metrics.Snapshot) Decision

const (
	DefaultEvaluationWindow = 30 * time.Second
	DefaultStepInterval     = time.Minute
	DefaultMinRequests      = 10
	DefaultErrorThreshold   = 5.0 // percent
)

// Engine is the per-route rollout state machine. All transitions hold
// the engine lock, and at most one promotion timer is outstanding; it
// is stopped before any transition that would invalidate it.
type Engine struct {
	route string
	cfg   config.CanaryConfig

	evalWindow   time.Duration
	stepInterval time.Duration
	minRequests  int

	mu           sync.RWMutex
	state        State
	stableWeight int
	canaryWeight int
	stepIndex    int // position in Steps already applied, -1 = before first
	promotion    *time.Timer

	stableStats *metrics.Collector
	canaryStats *metrics.Collector

	evaluator Evaluator
	sink      events.Sink
	randInt   func(int) int

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink publishes lifecycle transitions as gateway events.
func WithSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithEvaluator installs a programmatic evaluator for the custom
// strategy, overriding any configured expressions.
func WithEvaluator(fn Evaluator) Option {
	return func(e *Engine) { e.evaluator = fn }
}

// NewEngine validates the rollout config and builds an engine in
// ACTIVE state with the configured initial weights. Call Start to
// launch the evaluation loop.
func NewEngine(route string, cfg config.CanaryConfig, opts ...Option) (*Engine, error) {
	if cfg.Stable.Version == "" || cfg.Canary.Version == "" {
		return nil, fmt.Errorf("canary: stable and canary versions are required")
	}
	if cfg.Stable.Weight < 0 || cfg.Canary.Weight < 0 || cfg.Stable.Weight+cfg.Canary.Weight != 100 {
		return nil, fmt.Errorf("canary: weights %d/%d must be non-negative and sum to 100",
			cfg.Stable.Weight, cfg.Canary.Weight)
	}
	prev := 0
	for i, step := range cfg.Promotion.Steps {
		if step <= prev || step > 100 {
			return nil, fmt.Errorf("canary: steps must increase within (0,100], step %d is %d", i, step)
		}
		prev = step
	}

	e := &Engine{
		route:        route,
		cfg:          cfg,
		evalWindow:   cfg.Promotion.EvaluationWindow.Std(),
		stepInterval: cfg.Promotion.StepInterval.Std(),
		minRequests:  cfg.Promotion.MinRequests,
		state:        StateActive,
		stableWeight: cfg.Stable.Weight,
		canaryWeight: cfg.Canary.Weight,
		stepIndex:    initialStepIndex(cfg.Promotion.Steps, cfg.Canary.Weight),
		sink:         events.NopSink{},
		randInt:      rand.Intn,
		done:         make(chan struct{}),
	}
	if e.evalWindow <= 0 {
		e.evalWindow = DefaultEvaluationWindow
	}
	if e.stepInterval <= 0 {
		e.stepInterval = DefaultStepInterval
	}
	if e.minRequests <= 0 {
		e.minRequests = DefaultMinRequests
	}
	e.stableStats = metrics.NewCollector(e.evalWindow)
	e.canaryStats = metrics.NewCollector(e.evalWindow)

	for _, opt := range opts {
		opt(e)
	}

	switch cfg.Promotion.Strategy {
	case "", "error-rate":
	case "latency":
		if cfg.Promotion.LatencyThreshold <= 0 {
			return nil, fmt.Errorf("canary: latency strategy requires latencyThreshold")
		}
	case "custom":
		if e.evaluator == nil {
			ev, err := compileEvaluator(cfg.Promotion.PromoteWhen, cfg.Promotion.RollbackWhen)
			if err != nil {
				return nil, err
			}
			e.evaluator = ev
		}
	default:
		return nil, fmt.Errorf("canary: unknown strategy %q", cfg.Promotion.Strategy)
	}

	return e, nil
}

// initialStepIndex returns the index of the last step at or below the
// starting weight, so the first advance lands on the next rung.
func initialStepIndex(steps []int, weight int) int {
	idx := -1
	for i, step := range steps {
		if step <= weight {
			idx = i
		}
	}
	return idx
}

// Start launches the evaluation loop and announces the rollout.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(ctx)

	e.publish(events.CanaryStarted, map[string]interface{}{
		"stableVersion": e.cfg.Stable.Version,
		"canaryVersion": e.cfg.Canary.Version,
		"stableWeight":  e.cfg.Stable.Weight,
		"canaryWeight":  e.cfg.Canary.Weight,
	})
}

// Stop ends the evaluation loop and clears any pending promotion.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.clearPromotionLocked()
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.evalWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluate()
		}
	}
}

// SelectTarget picks a side by independent weighted random draw.
func (e *Engine) SelectTarget() Target {
	e.mu.RLock()
	weight := e.canaryWeight
	e.mu.RUnlock()

	if weight >= 100 {
		return TargetCanary
	}
	if weight <= 0 {
		return TargetStable
	}
	if e.randInt(100) < weight {
		return TargetCanary
	}
	return TargetStable
}

// Version maps a target onto its configured version tag.
func (e *Engine) Version(target Target) string {
	if target == TargetCanary {
		return e.cfg.Canary.Version
	}
	return e.cfg.Stable.Version
}

// RecordSuccess feeds a successful outcome into the target's window.
func (e *Engine) RecordSuccess(target Target, d time.Duration) {
	e.statsFor(target).RecordSuccess(d)
}

// RecordFailure feeds a failed outcome into the target's window.
func (e *Engine) RecordFailure(target Target, d time.Duration, reason string) {
	e.statsFor(target).RecordFailure(d, reason)
}

func (e *Engine) statsFor(target Target) *metrics.Collector {
	if target == TargetCanary {
		return e.canaryStats
	}
	return e.stableStats
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Weights returns the current stable/canary split.
func (e *Engine) Weights() (stable, canary int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stableWeight, e.canaryWeight
}

// evaluate runs one evaluation cycle. Only ACTIVE engines with enough
// canary traffic make a decision.
func (e *Engine) evaluate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateActive {
		return
	}
	canarySnap := e.canaryStats.GetSnapshot()
	if canarySnap.TotalCalls < int64(e.minRequests) {
		return
	}
	stableSnap := e.stableStats.GetSnapshot()

	switch e.decide(canarySnap, stableSnap) {
	case Rollback:
		if e.cfg.Promotion.AutoRollback {
			e.rollbackLocked("auto", rollbackReason(e.cfg.Promotion, canarySnap))
		}
	case Promote:
		if e.cfg.Promotion.AutoPromote {
			e.schedulePromotionLocked()
		}
	}
}

func (e *Engine) decide(canary, stable metrics.Snapshot) Decision {
	switch e.cfg.Promotion.Strategy {
	case "latency":
		threshold := float64(e.cfg.Promotion.LatencyThreshold.Std().Milliseconds())
		if canary.P99Ms > threshold {
			return Rollback
		}
		return Promote
	case "custom":
		return e.evaluator(canary, stable)
	default: // error-rate
		threshold := e.cfg.Promotion.ErrorThreshold
		if threshold <= 0 {
			threshold = DefaultErrorThreshold
		}
		if canary.FailureRate > threshold {
			return Rollback
		}
		return Promote
	}
}

func rollbackReason(p config.PromotionConfig, canary metrics.Snapshot) string {
	switch p.Strategy {
	case "latency":
		return fmt.Sprintf("canary p99 %.1fms exceeds %v", canary.P99Ms, p.LatencyThreshold.Std())
	case "custom":
		return "custom evaluator voted rollback"
	default:
		threshold := p.ErrorThreshold
		if threshold <= 0 {
			threshold = DefaultErrorThreshold
		}
		return fmt.Sprintf("canary failure rate %.1f%% exceeds %.1f%%", canary.FailureRate, threshold)
	}
}

// schedulePromotionLocked arms the step timer unless one is already
// pending.
func (e *Engine) schedulePromotionLocked() {
	if e.promotion != nil {
		return
	}
	e.promotion = time.AfterFunc(e.stepInterval, e.firePromotion)
}

func (e *Engine) firePromotion() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.promotion = nil
	if e.state != StateActive {
		return
	}
	e.advanceLocked()
}

// advanceLocked moves the rollout one rung up the step ladder.
func (e *Engine) advanceLocked() {
	steps := e.cfg.Promotion.Steps
	next := e.stepIndex + 1
	if next >= len(steps) {
		e.completeLocked()
		return
	}

	e.stepIndex = next
	e.setWeightsLocked(steps[next])
	e.canaryStats.Reset()
	e.stableStats.Reset()

	logging.Info("canary advanced",
		zap.String("route", e.route),
		zap.Int("step", next),
		zap.Int("weight", steps[next]))
	e.publish(events.CanaryPromote, map[string]interface{}{
		"step":         next,
		"canaryWeight": steps[next],
	})

	if steps[next] >= 100 {
		e.completeLocked()
	}
}

// completeLocked finishes the rollout with the canary at full weight.
func (e *Engine) completeLocked() {
	e.setWeightsLocked(100)
	e.state = StatePromoted
	e.clearPromotionLocked()

	logging.Info("canary complete", zap.String("route", e.route),
		zap.String("version", e.cfg.Canary.Version))
	e.publish(events.CanaryComplete, map[string]interface{}{
		"canaryVersion": e.cfg.Canary.Version,
	})
}

// rollbackLocked returns all traffic to stable and freezes the engine.
func (e *Engine) rollbackLocked(trigger, reason string) {
	e.setWeightsLocked(0)
	e.state = StateRolledBack
	e.clearPromotionLocked()

	logging.Warn("canary rolled back",
		zap.String("route", e.route),
		zap.String("trigger", trigger),
		zap.String("reason", reason))
	e.publish(events.CanaryRollback, map[string]interface{}{
		"trigger": trigger,
		"reason":  reason,
	})
}

func (e *Engine) setWeightsLocked(canaryWeight int) {
	e.canaryWeight = canaryWeight
	e.stableWeight = 100 - canaryWeight
}

func (e *Engine) clearPromotionLocked() {
	if e.promotion != nil {
		e.promotion.Stop()
		e.promotion = nil
	}
}

// PromoteStep advances one step immediately, clearing any pending
// promotion timer first. Allowed while ACTIVE or PAUSED.
func (e *Engine) PromoteStep() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateActive && e.state != StatePaused {
		return fmt.Errorf("canary: cannot promote from %s", e.state)
	}
	e.clearPromotionLocked()
	e.advanceLocked()
	return nil
}

// RollbackNow rolls the canary back manually.
func (e *Engine) RollbackNow() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateActive && e.state != StatePaused {
		return fmt.Errorf("canary: cannot roll back from %s", e.state)
	}
	e.rollbackLocked("manual", "operator rollback")
	return nil
}

// Pause freezes evaluation and cancels any pending promotion.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateActive {
		return fmt.Errorf("canary: cannot pause from %s", e.state)
	}
	e.state = StatePaused
	e.clearPromotionLocked()
	e.publish(events.CanaryPaused, nil)
	return nil
}

// Resume reactivates a paused rollout.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return fmt.Errorf("canary: cannot resume from %s", e.state)
	}
	e.state = StateActive
	e.publish(events.CanaryResumed, nil)
	return nil
}

// Reset starts a fresh rollout from a terminal state with the original
// weights and empty windows.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePromoted && e.state != StateRolledBack {
		return fmt.Errorf("canary: cannot reset from %s", e.state)
	}
	e.state = StateActive
	e.stableWeight = e.cfg.Stable.Weight
	e.canaryWeight = e.cfg.Canary.Weight
	e.stepIndex = initialStepIndex(e.cfg.Promotion.Steps, e.cfg.Canary.Weight)
	e.canaryStats.Reset()
	e.stableStats.Reset()
	e.publish(events.CanaryStarted, map[string]interface{}{
		"stableVersion": e.cfg.Stable.Version,
		"canaryVersion": e.cfg.Canary.Version,
		"stableWeight":  e.cfg.Stable.Weight,
		"canaryWeight":  e.cfg.Canary.Weight,
		"restart":       true,
	})
	return nil
}

func (e *Engine) publish(kind events.Kind, data map[string]interface{}) {
	e.sink.Publish(events.New(kind, e.route, "", data))
}

// Snapshot is the admin view of one rollout.
type Snapshot struct {
	Route            string           `json:"route"`
	State            State            `json:"state"`
	StableVersion    string           `json:"stableVersion"`
	CanaryVersion    string           `json:"canaryVersion"`
	StableWeight     int              `json:"stableWeight"`
	CanaryWeight     int              `json:"canaryWeight"`
	StepIndex        int              `json:"stepIndex"`
	Steps            []int            `json:"steps,omitempty"`
	PromotionPending bool             `json:"promotionPending"`
	Stable           metrics.Snapshot `json:"stable"`
	Canary           metrics.Snapshot `json:"canary"`
}

// Snapshot reports the engine's current position and window stats.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Snapshot{
		Route:            e.route,
		State:            e.state,
		StableVersion:    e.cfg.Stable.Version,
		CanaryVersion:    e.cfg.Canary.Version,
		StableWeight:     e.stableWeight,
		CanaryWeight:     e.canaryWeight,
		StepIndex:        e.stepIndex,
		Steps:            e.cfg.Promotion.Steps,
		PromotionPending: e.promotion != nil,
		Stable:           e.stableStats.GetSnapshot(),
		Canary:           e.canaryStats.GetSnapshot(),
	}
}
