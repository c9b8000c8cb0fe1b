package models

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format used across the wire contract.
const DateLayout = "2006-01-02"

// AnomalyAlgorithm selects which anomaly endpoint a fetch cycle calls.
type AnomalyAlgorithm string

const (
	AnomalyRolling         AnomalyAlgorithm = "rolling"
	AnomalyIsolationForest AnomalyAlgorithm = "isolation-forest"
)

// Aggregation selects the unified value field on the daily metrics endpoint.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggCount Aggregation = "count"
)

// FilterTuple is an immutable snapshot of the active filter context. A new
// tuple is created on every edit; the engine never mutates one in place.
type FilterTuple struct {
	SourceName    string
	Metric        string
	StartDate     string // "2006-01-02", may be empty
	EndDate       string // "2006-01-02", may be empty
	DistinctField string
	Agg           Aggregation
	AnomalyWindow int
	ZThreshold    float64
	Algorithm     AnomalyAlgorithm

	// Horizon-mode forecasting: when Horizon > 0 the forecast overlay is
	// keyed by (horizon, nonce) instead of the date range.
	Horizon int
	Nonce   string
}

// Validate reports the first contract violation, if any.
func (f FilterTuple) Validate() error {
	if f.SourceName == "" {
		return fmt.Errorf("source name required")
	}
	if f.Metric == "" {
		return fmt.Errorf("metric required")
	}
	for _, d := range []string{f.StartDate, f.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			return fmt.Errorf("bad date %q: %w", d, err)
		}
	}
	if f.StartDate != "" && f.EndDate != "" && f.StartDate > f.EndDate {
		return fmt.Errorf("start date %s after end date %s", f.StartDate, f.EndDate)
	}
	if f.AnomalyWindow != 0 && f.AnomalyWindow < 3 {
		return fmt.Errorf("anomaly window must be at least 3, got %d", f.AnomalyWindow)
	}
	if f.ZThreshold < 0 || f.ZThreshold > 6 {
		return fmt.Errorf("z threshold must be within [0,6], got %g", f.ZThreshold)
	}
	return nil
}

// ScopeEquals reports whether two tuples address the same data scope.
// A scope change invalidates cached forecast overlays wholesale.
func (f FilterTuple) ScopeEquals(o FilterTuple) bool {
	return f.SourceName == o.SourceName &&
		f.Metric == o.Metric &&
		f.StartDate == o.StartDate &&
		f.EndDate == o.EndDate
}

// SeriesPoint is one normalized primary-series observation.
type SeriesPoint struct {
	Date  string
	Value float64
}

// AnomalyPoint is a primary-series date flagged as anomalous, either
// explicitly by the server or by exceeding the caller's z threshold.
type AnomalyPoint struct {
	Date    string
	Value   float64
	ZScore  float64
	HasZ    bool
	Flagged bool
}

// ForecastPoint is one projected value with optional confidence bounds.
type ForecastPoint struct {
	Date      string
	Predicted float64
	Lower     float64
	Upper     float64
	HasBounds bool
}

// TokenPair holds the opaque access/refresh token strings. At most one valid
// pair exists at a time; replacement is atomic.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// ViewErrors carries the last committed error per concern. One overlay
// failing never blanks the others.
type ViewErrors struct {
	Series    error
	Anomalies error
	Forecast  error
}

// ViewState is the snapshot handed to the rendering layer.
type ViewState struct {
	Filters        FilterTuple
	SeriesPoints   []SeriesPoint
	AnomalyPoints  []AnomalyPoint
	ForecastPoints []ForecastPoint
	IsLoading      bool
	Errors         ViewErrors
	Generation     uint64
}

// FetchRun records one outbound fetch for the local audit log.
type FetchRun struct {
	ID            int64
	StartedAt     time.Time
	CompletedAt   time.Time
	Concern       string // "series", "anomalies", "forecast"
	Endpoint      string
	SourceName    string
	Metric        string
	Generation    uint64
	HTTPStatus    int
	RecordsParsed int
	RecordsKept   int
	Success       bool
	Superseded    bool
	ErrorMessage  string
}
