package normalize

import (
	"math"
	"sort"

	"metricsync/internal/models"
)

// Series normalizes a primary metric payload into an ascending,
// duplicate-free point sequence. Records without a usable date or finite
// value are dropped.
func Series(raw []byte) []models.SeriesPoint {
	var out []models.SeriesPoint
	seen := make(map[string]bool)

	for _, r := range records(raw) {
		date, ok := r.date()
		if !ok {
			continue
		}
		value, ok := r.value()
		if !ok {
			continue
		}
		if seen[date] {
			continue
		}
		seen[date] = true
		out = append(out, models.SeriesPoint{Date: date, Value: value})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Anomalies normalizes an anomaly payload. A record is kept when the server
// explicitly flagged it, or when |z| meets the caller's threshold. Records
// satisfying neither are not anomalies at this threshold and are dropped
// silently.
func Anomalies(raw []byte, zThreshold float64) []models.AnomalyPoint {
	var out []models.AnomalyPoint
	seen := make(map[string]bool)

	for _, r := range records(raw) {
		date, ok := r.date()
		if !ok {
			continue
		}
		value, ok := r.value()
		if !ok {
			continue
		}

		flagged := r.flagged()
		z, hasZ := r.zScore()
		if !flagged && !(hasZ && math.Abs(z) >= zThreshold) {
			continue
		}
		if seen[date] {
			continue
		}
		seen[date] = true
		out = append(out, models.AnomalyPoint{
			Date:    date,
			Value:   value,
			ZScore:  z,
			HasZ:    hasZ,
			Flagged: flagged,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Forecast normalizes a forecast payload. Bounds are optional; a point is
// kept whenever its date and predicted value parse.
func Forecast(raw []byte) []models.ForecastPoint {
	var out []models.ForecastPoint
	seen := make(map[string]bool)

	for _, r := range records(raw) {
		date, ok := r.date()
		if !ok {
			continue
		}
		predicted, ok := r.value()
		if !ok {
			continue
		}
		if seen[date] {
			continue
		}
		seen[date] = true

		p := models.ForecastPoint{Date: date, Predicted: predicted}
		lo, okLo := r.bound(lowerFields)
		hi, okHi := r.bound(upperFields)
		if okLo && okHi {
			p.Lower, p.Upper, p.HasBounds = lo, hi, true
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
