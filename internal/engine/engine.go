// Package engine orchestrates policy evaluation: it drives each event
// through validation, velocity accounting, rule evaluation, scoring and
// the trust update, and hands finished decisions to asynchronous
// handlers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/intel"
	"riskgate/internal/profile"
	"riskgate/internal/rules"
	"riskgate/internal/schema"
	"riskgate/internal/scorer"
	"riskgate/internal/trust"
	"riskgate/internal/velocity"
)

// Common errors.
var (
	ErrEventRejected = errors.New("event rejected")
	ErrEngineStopped = errors.New("engine stopped")
)

// lockShards is the size of the per-principal mutex arena. Distinct
// principals may share a shard under hash collision; that costs a little
// parallelism, never correctness.
const lockShards = 1024

// DecisionHandler consumes finished decisions (persistence, publishing).
// Handlers run on the dispatcher goroutine, outside the evaluation path.
type DecisionHandler func(context.Context, *schema.Decision) error

// Config configures the engine.
type Config struct {
	// VelocityWindow is the trailing window for velocity counting.
	VelocityWindow time.Duration
	// SweepInterval is how often idle principal state is evicted.
	SweepInterval time.Duration
	// IdleEvictionAge is the inactivity age past which state is evicted.
	IdleEvictionAge time.Duration
	// HandlerQueueSize bounds the async decision queue.
	HandlerQueueSize int
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		VelocityWindow:   60 * time.Minute,
		SweepInterval:    5 * time.Minute,
		IdleEvictionAge:  24 * time.Hour,
		HandlerQueueSize: 1000,
	}
}

// Engine evaluates events into decisions. Construct with New, register
// handlers, then Start.
type Engine struct {
	config    Config
	validator *schema.Validator
	catalog   *rules.Catalog
	velocity  *velocity.Tracker
	profiles  *profile.Store
	trust     *trust.Ledger
	scorer    *scorer.Scorer
	intel     *intel.Store
	logger    *slog.Logger

	locks [lockShards]sync.Mutex

	mu         sync.RWMutex
	handlers   []DecisionHandler
	decisionCh chan *schema.Decision
	stopCh     chan struct{}
	stopped    atomic.Bool
	wg         sync.WaitGroup

	evaluated atomic.Uint64
	rejected  atomic.Uint64
	allowed   atomic.Uint64
	stepUps   atomic.Uint64
	blocked   atomic.Uint64
	dropped   atomic.Uint64
}

// Deps are the engine's collaborators, constructed by the caller.
type Deps struct {
	Validator *schema.Validator
	Catalog   *rules.Catalog
	Velocity  *velocity.Tracker
	Profiles  *profile.Store
	Trust     *trust.Ledger
	Scorer    *scorer.Scorer
	Intel     *intel.Store
	Logger    *slog.Logger
}

// New creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Catalog == nil || deps.Velocity == nil || deps.Profiles == nil ||
		deps.Trust == nil || deps.Scorer == nil || deps.Intel == nil {
		return nil, errors.New("engine: missing dependency")
	}
	if deps.Validator == nil {
		deps.Validator = schema.NewValidator()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.VelocityWindow <= 0 {
		return nil, fmt.Errorf("velocity window must be positive: %v", cfg.VelocityWindow)
	}
	if cfg.HandlerQueueSize <= 0 {
		cfg.HandlerQueueSize = DefaultConfig().HandlerQueueSize
	}

	return &Engine{
		config:     cfg,
		validator:  deps.Validator,
		catalog:    deps.Catalog,
		velocity:   deps.Velocity,
		profiles:   deps.Profiles,
		trust:      deps.Trust,
		scorer:     deps.Scorer,
		intel:      deps.Intel,
		logger:     deps.Logger,
		decisionCh: make(chan *schema.Decision, cfg.HandlerQueueSize),
		stopCh:     make(chan struct{}),
	}, nil
}

// AddHandler registers a decision handler. Register before Start.
func (e *Engine) AddHandler(h DecisionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Start launches the decision dispatcher and the state sweeper.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.dispatcher(ctx)

	if e.config.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweeper(ctx)
	}

	e.logger.Info("engine started",
		"rules", e.catalog.Len(),
		"velocity_window", e.config.VelocityWindow,
		"handler_queue", cap(e.decisionCh))
}

// Stop drains the dispatcher and stops background work. Evaluate calls
// after Stop fail with ErrEngineStopped.
func (e *Engine) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("engine stopped", "evaluated", e.evaluated.Load())
}

// Evaluate runs one event through the full pipeline and returns its
// decision. State for the event's principal is updated exactly once; a
// validation failure leaves all state untouched.
func (e *Engine) Evaluate(ctx context.Context, event *schema.Event) (*schema.Decision, error) {
	if e.stopped.Load() {
		return nil, ErrEngineStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	if err := e.validator.Validate(event); err != nil {
		e.rejected.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrEventRejected, err)
	}

	decision := e.evaluateLocked(event)
	e.count(decision)

	// Handlers run off the evaluation path; a full queue sheds the
	// notification, never the decision.
	select {
	case e.decisionCh <- decision:
	default:
		e.dropped.Add(1)
		e.logger.Warn("decision queue full, handler notification dropped",
			"decision_id", decision.DecisionID)
	}

	return decision, nil
}

// evaluateLocked holds the principal's lock from the velocity update
// through the trust write. No I/O happens under the lock; the intel
// snapshot is an in-memory read.
func (e *Engine) evaluateLocked(event *schema.Event) *schema.Decision {
	lock := &e.locks[shardFor(event.PrincipalID)]
	lock.Lock()
	defer lock.Unlock()

	count := e.velocity.RecordAndCount(event.PrincipalID, event.Timestamp, e.config.VelocityWindow)
	history := e.profiles.Get(event.PrincipalID)

	outcomes := e.catalog.Evaluate(&rules.Input{
		Event:         event,
		History:       history,
		VelocityCount: count,
		Intel:         e.intel.Current(),
	})

	trustBefore := e.trust.Get(event.PrincipalID)
	result := e.scorer.Score(outcomes, trustBefore)

	var drift float64
	if result.Suspicious && event.Amount != nil {
		drift = history.DriftMagnitude(*event.Amount)
	}
	before, after := e.trust.Apply(event.PrincipalID, result.Suspicious, drift, event.Timestamp)

	e.profiles.Observe(event.PrincipalID, event.DeviceID, event.GeoLocation, event.Amount, event.Timestamp)

	return &schema.Decision{
		DecisionID:  uuid.New(),
		EventID:     event.EventID,
		PrincipalID: event.PrincipalID,
		Score:       result.Score,
		Action:      result.Action,
		Reasons:     result.Reasons,
		Flags:       result.Flags,
		TrustBefore: before,
		TrustAfter:  after,
		Suspicious:  result.Suspicious,
		EvaluatedAt: time.Now().UTC(),
	}
}

func (e *Engine) count(d *schema.Decision) {
	e.evaluated.Add(1)
	switch d.Action {
	case schema.ActionAllow:
		e.allowed.Add(1)
	case schema.ActionStepUp:
		e.stepUps.Add(1)
	case schema.ActionBlock:
		e.blocked.Add(1)
	}
}

func (e *Engine) dispatcher(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case d := <-e.decisionCh:
					e.dispatch(ctx, d)
				default:
					return
				}
			}
		case d := <-e.decisionCh:
			e.dispatch(ctx, d)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, d *schema.Decision) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, d); err != nil {
			e.logger.Error("decision handler failed",
				"error", err,
				"decision_id", d.DecisionID,
				"principal_id", d.PrincipalID)
		}
	}
}

func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.SweepNow(time.Now())
		}
	}
}

// SweepNow evicts principal state idle since before now minus the
// configured eviction age.
func (e *Engine) SweepNow(now time.Time) {
	cutoff := now.Add(-e.config.IdleEvictionAge)
	v := e.velocity.Sweep(cutoff)
	p := e.profiles.Sweep(cutoff)
	t := e.trust.Sweep(cutoff)
	if v+p+t > 0 {
		e.logger.Debug("state sweep",
			"velocity_evicted", v, "profiles_evicted", p, "trust_evicted", t)
	}
}

// Stats returns engine counters and state sizes.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	handlerCount := len(e.handlers)
	e.mu.RUnlock()

	return map[string]any{
		"evaluated":      e.evaluated.Load(),
		"rejected":       e.rejected.Load(),
		"allowed":        e.allowed.Load(),
		"step_ups":       e.stepUps.Load(),
		"blocked":        e.blocked.Load(),
		"dropped":        e.dropped.Load(),
		"principals":     e.profiles.Principals(),
		"trust_records":  e.trust.Principals(),
		"decision_queue": len(e.decisionCh),
		"handler_count":  handlerCount,
	}
}

func shardFor(principalID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(principalID))
	return h.Sum32() % lockShards
}
