// Package engine owns the filter state and sequences fetch cycles against
// the analytics service. Every filter edit opens a new generation; results
// belonging to superseded generations are cancelled and never committed, so
// displayed state always reflects the most recent surviving cycle.
package engine

import (
	"context"
	"sync"

	"metricsync/internal/client"
	"metricsync/internal/models"
	"metricsync/internal/overlaycache"
	"metricsync/internal/store"
)

// Engine is the filter state controller plus fetch orchestrator. All state
// transitions happen under one mutex; commits re-check their generation
// under that mutex before touching visible state.
type Engine struct {
	client *client.Client
	cache  *overlaycache.Cache
	audit  *store.Store // optional fetch-run log, may be nil

	mu          sync.Mutex
	generation  uint64
	filters     models.FilterTuple
	hasFilters  bool
	anomaliesOn bool
	forecastOn  bool
	state       models.ViewState
	cycleCancel context.CancelFunc
	cycleCtx    context.Context
	// overlayPhase marks that the current generation's cycle has passed the
	// point where it reads the overlay toggles. A toggle flipped on after
	// that dispatches its own overlay fetch; before it, the running cycle
	// picks the toggle up itself.
	overlayPhase bool

	onUpdate func(models.ViewState)
}

// New wires an Engine from its collaborators. audit may be nil to disable
// the local fetch-run log.
func New(c *client.Client, cache *overlaycache.Cache, audit *store.Store) *Engine {
	if cache == nil {
		cache = overlaycache.New()
	}
	return &Engine{client: c, cache: cache, audit: audit}
}

// OnUpdate registers a callback invoked with a state snapshot after every
// commit. Called outside the engine lock; the snapshot is safe to retain.
func (e *Engine) OnUpdate(fn func(models.ViewState)) {
	e.mu.Lock()
	e.onUpdate = fn
	e.mu.Unlock()
}

// Snapshot returns the current committed view state. Slices in the snapshot
// are never mutated after commit and may be read freely.
func (e *Engine) Snapshot() models.ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ApplyFilters installs a new filter tuple, supersedes any in-flight work,
// and schedules one fetch cycle. A scope change (source, metric, or date
// range) also clears the forecast overlay cache.
func (e *Engine) ApplyFilters(f models.FilterTuple) error {
	if err := f.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if !e.hasFilters || !e.filters.ScopeEquals(f) {
		e.cache.Clear()
	}
	e.filters = f
	e.hasFilters = true
	g, ctx := e.nextGenerationLocked()
	e.state.Filters = f
	e.state.IsLoading = true
	e.state.Generation = g
	e.mu.Unlock()

	go e.runCycle(ctx, g, f)
	return nil
}

// ApplyFiltersSync installs the tuple like ApplyFilters but runs the cycle
// on the calling goroutine and returns the settled snapshot. Generation
// discipline still applies: a concurrent ApplyFilters supersedes this cycle
// and its results are dropped.
func (e *Engine) ApplyFiltersSync(f models.FilterTuple) (models.ViewState, error) {
	if err := f.Validate(); err != nil {
		return models.ViewState{}, err
	}

	e.mu.Lock()
	if !e.hasFilters || !e.filters.ScopeEquals(f) {
		e.cache.Clear()
	}
	e.filters = f
	e.hasFilters = true
	g, ctx := e.nextGenerationLocked()
	e.state.Filters = f
	e.state.IsLoading = true
	e.state.Generation = g
	e.mu.Unlock()

	e.runCycle(ctx, g, f)
	return e.Snapshot(), nil
}

// ToggleAnomalies turns the anomaly overlay on or off. Off clears points
// and error immediately with no HTTP call. On fetches the overlay if a
// primary series is already committed; otherwise the next cycle carries it.
func (e *Engine) ToggleAnomalies(on bool) {
	e.mu.Lock()
	e.anomaliesOn = on
	if !on {
		e.state.AnomalyPoints = nil
		e.state.Errors.Anomalies = nil
		e.notifyLocked()
		e.mu.Unlock()
		return
	}
	dispatch := e.hasFilters && e.overlayPhase && len(e.state.SeriesPoints) > 0
	g, ctx, f := e.generation, e.cycleCtx, e.filters
	e.mu.Unlock()

	if dispatch {
		go e.fetchAnomalies(ctx, g, f)
	}
}

// ToggleForecast mirrors ToggleAnomalies for the forecast overlay.
func (e *Engine) ToggleForecast(on bool) {
	e.mu.Lock()
	e.forecastOn = on
	if !on {
		e.state.ForecastPoints = nil
		e.state.Errors.Forecast = nil
		e.notifyLocked()
		e.mu.Unlock()
		return
	}
	dispatch := e.hasFilters && e.overlayPhase && len(e.state.SeriesPoints) > 0
	g, ctx, f := e.generation, e.cycleCtx, e.filters
	e.mu.Unlock()

	if dispatch {
		go e.fetchForecast(ctx, g, f)
	}
}

// Refresh re-runs the current filter tuple under a fresh generation without
// changing scope, so cached forecasts stay usable.
func (e *Engine) Refresh() {
	e.mu.Lock()
	if !e.hasFilters {
		e.mu.Unlock()
		return
	}
	g, ctx := e.nextGenerationLocked()
	f := e.filters
	e.state.IsLoading = true
	e.state.Generation = g
	e.mu.Unlock()

	go e.runCycle(ctx, g, f)
}

// Reset cancels in-flight work and returns the engine to its initial state.
func (e *Engine) Reset() {
	e.mu.Lock()
	if e.cycleCancel != nil {
		e.cycleCancel()
		e.cycleCancel = nil
		e.cycleCtx = nil
	}
	e.generation++
	e.filters = models.FilterTuple{}
	e.hasFilters = false
	e.anomaliesOn = false
	e.forecastOn = false
	e.overlayPhase = false
	e.cache.Clear()
	e.state = models.ViewState{Generation: e.generation}
	e.notifyLocked()
	e.mu.Unlock()
}

// Close cancels any in-flight cycle. The engine remains usable afterwards;
// this exists so callers can tear down cleanly on shutdown.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.cycleCancel != nil {
		e.cycleCancel()
		e.cycleCancel = nil
		e.cycleCtx = nil
	}
	e.generation++
	e.mu.Unlock()
}

// nextGenerationLocked bumps the generation, cancelling the previous
// cycle's context and minting a fresh one. Caller holds e.mu.
func (e *Engine) nextGenerationLocked() (uint64, context.Context) {
	if e.cycleCancel != nil {
		e.cycleCancel()
	}
	e.generation++
	e.overlayPhase = false
	ctx, cancel := context.WithCancel(context.Background())
	e.cycleCtx = ctx
	e.cycleCancel = cancel
	return e.generation, ctx
}

// notifyLocked fires the update callback with a snapshot. Caller holds
// e.mu; the callback runs on its own goroutine so it cannot deadlock
// against the engine lock or stall a commit.
func (e *Engine) notifyLocked() {
	if e.onUpdate == nil {
		return
	}
	snapshot := e.state
	fn := e.onUpdate
	go fn(snapshot)
}
