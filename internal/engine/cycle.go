package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"

	"metricsync/internal/client"
	"metricsync/internal/metrics"
	"metricsync/internal/models"
	"metricsync/internal/normalize"
	"metricsync/internal/overlaycache"
)

// runCycle executes one full fetch cycle for generation g: primary series
// first, then the enabled overlays in parallel. Every commit re-checks g
// against the live generation; superseded results are dropped silently.
func (e *Engine) runCycle(ctx context.Context, g uint64, f models.FilterTuple) {
	params := map[string]string{
		"source_name":    f.SourceName,
		"metric":         f.Metric,
		"start_date":     f.StartDate,
		"end_date":       f.EndDate,
		"agg":            string(f.Agg),
		"distinct_field": f.DistinctField,
	}

	raw, run, err := e.fetchJSON(ctx, g, "series", "/api/metrics/daily", f, params)
	if err != nil {
		if client.IsCancelled(err) {
			metrics.FetchCyclesTotal.WithLabelValues("superseded").Inc()
			e.completeRun(run, 0, 0, nil, true)
			return
		}
		metrics.FetchCyclesTotal.WithLabelValues("error").Inc()
		e.completeRun(run, 0, 0, err, false)
		e.commitSeriesError(g, err)
		return
	}

	pts := normalize.Series(raw)
	e.completeRun(run, normalize.RecordCount(raw), len(pts), nil, false)

	if !e.commitSeries(g, pts) {
		metrics.FetchCyclesTotal.WithLabelValues("superseded").Inc()
		return
	}
	metrics.FetchCyclesTotal.WithLabelValues("committed").Inc()

	e.mu.Lock()
	e.overlayPhase = true
	anomalies := e.anomaliesOn
	forecast := e.forecastOn
	e.mu.Unlock()

	if len(pts) == 0 {
		return
	}

	var wg sync.WaitGroup
	if anomalies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.fetchAnomalies(ctx, g, f)
		}()
	}
	if forecast {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.fetchForecast(ctx, g, f)
		}()
	}
	wg.Wait()
}

// fetchAnomalies retrieves and commits the anomaly overlay for generation g.
func (e *Engine) fetchAnomalies(ctx context.Context, g uint64, f models.FilterTuple) {
	endpoint := "/api/anomaly/rolling"
	params := map[string]string{
		"source_name": f.SourceName,
		"metric":      f.Metric,
		"start_date":  f.StartDate,
		"end_date":    f.EndDate,
	}
	switch f.Algorithm {
	case models.AnomalyIsolationForest:
		endpoint = "/api/anomaly/iforest"
	default:
		if f.AnomalyWindow > 0 {
			params["window"] = strconv.Itoa(f.AnomalyWindow)
		}
		params["z_thresh"] = strconv.FormatFloat(f.ZThreshold, 'g', -1, 64)
	}

	raw, run, err := e.fetchJSON(ctx, g, "anomalies", endpoint, f, params)
	if err != nil {
		if client.IsCancelled(err) {
			metrics.OverlayFetchesTotal.WithLabelValues("anomalies", "superseded").Inc()
			e.completeRun(run, 0, 0, nil, true)
			return
		}
		metrics.OverlayFetchesTotal.WithLabelValues("anomalies", "error").Inc()
		e.completeRun(run, 0, 0, err, false)
		e.commitAnomalies(g, nil, err)
		return
	}

	// An empty or 204 body is a valid "no anomalies" answer.
	pts := normalize.Anomalies(raw, f.ZThreshold)
	e.completeRun(run, normalize.RecordCount(raw), len(pts), nil, false)

	if e.commitAnomalies(g, pts, nil) {
		metrics.OverlayFetchesTotal.WithLabelValues("anomalies", "committed").Inc()
	} else {
		metrics.OverlayFetchesTotal.WithLabelValues("anomalies", "superseded").Inc()
	}
}

// fetchForecast retrieves and commits the forecast overlay for generation
// g, consulting the overlay cache before going to the network.
func (e *Engine) fetchForecast(ctx context.Context, g uint64, f models.FilterTuple) {
	key := overlaycache.Key(f)
	if pts, ok := e.cache.Get(key); ok {
		if e.commitForecast(g, pts, nil) {
			metrics.OverlayFetchesTotal.WithLabelValues("forecast", "cached").Inc()
		}
		return
	}

	endpoint := "/api/forecast"
	params := map[string]string{
		"source_name": f.SourceName,
		"metric":      f.Metric,
	}
	if f.Horizon > 0 {
		endpoint = "/api/forecast/daily"
		params["horizon"] = strconv.Itoa(f.Horizon)
		params["nocache"] = f.Nonce
	} else {
		params["start_date"] = f.StartDate
		params["end_date"] = f.EndDate
	}

	raw, run, err := e.fetchJSON(ctx, g, "forecast", endpoint, f, params)
	if err != nil {
		if client.IsCancelled(err) {
			metrics.OverlayFetchesTotal.WithLabelValues("forecast", "superseded").Inc()
			e.completeRun(run, 0, 0, nil, true)
			return
		}
		metrics.OverlayFetchesTotal.WithLabelValues("forecast", "error").Inc()
		e.completeRun(run, 0, 0, err, false)
		e.commitForecast(g, nil, err)
		return
	}

	pts := normalize.Forecast(raw)
	e.completeRun(run, normalize.RecordCount(raw), len(pts), nil, false)
	e.cache.Set(key, pts)

	if e.commitForecast(g, pts, nil) {
		metrics.OverlayFetchesTotal.WithLabelValues("forecast", "committed").Inc()
	} else {
		metrics.OverlayFetchesTotal.WithLabelValues("forecast", "superseded").Inc()
	}
}

// commitSeries installs a primary series iff generation g is still current.
// An empty series also blanks both overlays, which are defined only on top
// of series dates.
func (e *Engine) commitSeries(g uint64, pts []models.SeriesPoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g != e.generation {
		return false
	}
	e.state.SeriesPoints = pts
	e.state.Errors.Series = nil
	e.state.IsLoading = false
	if len(pts) == 0 {
		e.state.AnomalyPoints = nil
		e.state.ForecastPoints = nil
	}
	e.notifyLocked()
	return true
}

func (e *Engine) commitSeriesError(g uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g != e.generation {
		return
	}
	e.state.SeriesPoints = nil
	e.state.Errors.Series = err
	e.state.IsLoading = false
	e.notifyLocked()
}

func (e *Engine) commitAnomalies(g uint64, pts []models.AnomalyPoint, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g != e.generation || !e.anomaliesOn {
		return false
	}
	if err != nil {
		e.state.AnomalyPoints = nil
		e.state.Errors.Anomalies = err
	} else {
		e.state.AnomalyPoints = pts
		e.state.Errors.Anomalies = nil
	}
	e.notifyLocked()
	return err == nil
}

func (e *Engine) commitForecast(g uint64, pts []models.ForecastPoint, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g != e.generation || !e.forecastOn {
		return false
	}
	if err != nil {
		e.state.ForecastPoints = nil
		e.state.Errors.Forecast = err
	} else {
		e.state.ForecastPoints = pts
		e.state.Errors.Forecast = nil
	}
	e.notifyLocked()
	return err == nil
}

// fetchJSON performs one audited GET. The returned run is nil when auditing
// is disabled or the insert failed; completeRun tolerates that.
func (e *Engine) fetchJSON(ctx context.Context, g uint64, concern, endpoint string, f models.FilterTuple, params map[string]string) (json.RawMessage, *models.FetchRun, error) {
	var run *models.FetchRun
	if e.audit != nil {
		var err error
		run, err = e.audit.StartFetchRun(concern, endpoint, f.SourceName, f.Metric, g)
		if err != nil {
			log.Printf("engine: start fetch run: %v", err)
		}
	}
	raw, err := e.client.GetJSON(ctx, endpoint, params)
	return raw, run, err
}

func (e *Engine) completeRun(run *models.FetchRun, parsed, kept int, err error, superseded bool) {
	if run == nil || e.audit == nil {
		return
	}
	run.RecordsParsed = parsed
	run.RecordsKept = kept
	run.Superseded = superseded
	run.Success = err == nil && !superseded
	if err != nil {
		run.ErrorMessage = err.Error()
		var httpErr *client.HTTPError
		if errors.As(err, &httpErr) {
			run.HTTPStatus = httpErr.Status
		}
	}
	if err := e.audit.CompleteFetchRun(run); err != nil {
		log.Printf("engine: complete fetch run: %v", err)
	}
}
