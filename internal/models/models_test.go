package models

import "testing"

func validTuple() FilterTuple {
	return FilterTuple{
		SourceName:    "events",
		Metric:        "events_total",
		StartDate:     "2025-09-01",
		EndDate:       "2025-09-30",
		AnomalyWindow: 7,
		ZThreshold:    3,
	}
}

func TestFilterTupleValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FilterTuple)
		wantErr bool
	}{
		{"valid", func(f *FilterTuple) {}, false},
		{"empty dates allowed", func(f *FilterTuple) { f.StartDate, f.EndDate = "", "" }, false},
		{"open-ended range", func(f *FilterTuple) { f.EndDate = "" }, false},
		{"window zero means server default", func(f *FilterTuple) { f.AnomalyWindow = 0 }, false},
		{"missing source", func(f *FilterTuple) { f.SourceName = "" }, true},
		{"missing metric", func(f *FilterTuple) { f.Metric = "" }, true},
		{"malformed date", func(f *FilterTuple) { f.StartDate = "September 1" }, true},
		{"inverted range", func(f *FilterTuple) { f.StartDate, f.EndDate = "2025-09-30", "2025-09-01" }, true},
		{"window too small", func(f *FilterTuple) { f.AnomalyWindow = 2 }, true},
		{"z threshold negative", func(f *FilterTuple) { f.ZThreshold = -1 }, true},
		{"z threshold too large", func(f *FilterTuple) { f.ZThreshold = 6.5 }, true},
		{"z threshold at bounds", func(f *FilterTuple) { f.ZThreshold = 6 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validTuple()
			tt.mutate(&f)
			err := f.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScopeEquals(t *testing.T) {
	base := validTuple()

	same := base
	same.AnomalyWindow = 14
	same.ZThreshold = 4
	same.Algorithm = AnomalyIsolationForest
	if !base.ScopeEquals(same) {
		t.Error("overlay settings must not affect scope")
	}

	for name, mutate := range map[string]func(*FilterTuple){
		"source": func(f *FilterTuple) { f.SourceName = "other" },
		"metric": func(f *FilterTuple) { f.Metric = "other" },
		"start":  func(f *FilterTuple) { f.StartDate = "2025-08-01" },
		"end":    func(f *FilterTuple) { f.EndDate = "2025-10-01" },
	} {
		f := base
		mutate(&f)
		if base.ScopeEquals(f) {
			t.Errorf("changing %s must change scope", name)
		}
	}
}
