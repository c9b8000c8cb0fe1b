package overlaycache

import (
	"reflect"
	"testing"

	"metricsync/internal/models"
)

func TestKey(t *testing.T) {
	base := models.FilterTuple{
		SourceName: "events",
		Metric:     "events_total",
		StartDate:  "2025-09-01",
		EndDate:    "2025-09-30",
	}

	tests := []struct {
		name   string
		mutate func(*models.FilterTuple)
		same   bool
	}{
		{"identical tuple", func(f *models.FilterTuple) {}, true},
		{"different metric", func(f *models.FilterTuple) { f.Metric = "latency_p95" }, false},
		{"different source", func(f *models.FilterTuple) { f.SourceName = "other" }, false},
		{"different end date", func(f *models.FilterTuple) { f.EndDate = "2025-10-01" }, false},
		{"overlay settings do not key", func(f *models.FilterTuple) { f.AnomalyWindow = 14; f.ZThreshold = 4 }, true},
		{"horizon mode keys differently", func(f *models.FilterTuple) { f.Horizon = 14 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			tt.mutate(&f)
			if got := Key(f) == Key(base); got != tt.same {
				t.Errorf("Key equality = %v, want %v (%q vs %q)", got, tt.same, Key(f), Key(base))
			}
		})
	}
}

func TestKeyHorizonMode(t *testing.T) {
	f := models.FilterTuple{SourceName: "events", Metric: "events_total", Horizon: 14}

	g := f
	g.Nonce = "abc123"
	if Key(f) == Key(g) {
		t.Error("nonce must change a horizon-mode key")
	}

	h := f
	h.Horizon = 30
	if Key(f) == Key(h) {
		t.Error("horizon must be part of the key")
	}

	// Range fields are ignored in horizon mode.
	r := f
	r.StartDate, r.EndDate = "2025-09-01", "2025-09-30"
	if Key(f) != Key(r) {
		t.Error("range dates must not key a horizon-mode lookup")
	}
}

func TestGetSetClear(t *testing.T) {
	c := New()
	f := models.FilterTuple{SourceName: "events", Metric: "m", StartDate: "2025-09-01", EndDate: "2025-09-30"}
	pts := []models.ForecastPoint{{Date: "2025-10-01", Predicted: 42, Lower: 40, Upper: 44, HasBounds: true}}

	if _, ok := c.Get(Key(f)); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(Key(f), pts)
	got, ok := c.Get(Key(f))
	if !ok || !reflect.DeepEqual(got, pts) {
		t.Errorf("Get = %+v ok=%v, want cached points", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	c.Clear()
	if _, ok := c.Get(Key(f)); ok {
		t.Error("expected miss after Clear")
	}
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", c.Len())
	}
}

func TestEmptyResultIsCacheable(t *testing.T) {
	c := New()
	c.Set("k", nil)
	got, ok := c.Get("k")
	if !ok {
		t.Fatal("an empty forecast is still a valid cached result")
	}
	if len(got) != 0 {
		t.Errorf("got %+v, want empty", got)
	}
}
