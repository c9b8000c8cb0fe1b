// Package normalize converts the analytics service's loosely-specified
// payload shapes into canonical ordered point sequences. The service answers
// the same logical query in several shapes depending on endpoint and
// version; callers rely only on the output here, never on the wire shape.
//
// Normalization is pure and total: malformed input degrades to an empty
// sequence, it never panics and never errors.
package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Field fallback lists, tried in order. Drawn from the vocabulary the
// service actually emits: metric rows use metric_date/value_sum, forecast
// rows use forecast_date/yhat/yhat_lo/yhat_hi or date/forecast/lower/upper,
// anomaly rows use date/value/z/is_outlier.
var (
	dateFields  = []string{"metric_date", "date", "day", "ts", "forecast_date", "target_date"}
	valueFields = []string{"value", "value_sum", "value_avg", "value_count", "yhat", "forecast", "predicted"}
	zFields     = []string{"z", "z_score", "zscore", "score"}
	flagFields  = []string{"is_anomaly", "is_outlier", "anomaly", "outlier", "flagged"}
	lowerFields = []string{"yhat_lo", "lower", "lower_bound", "lo"}
	upperFields = []string{"yhat_hi", "upper", "upper_bound", "hi"}
)

type record map[string]interface{}

// extractor pulls a candidate record list out of a decoded payload, or nil
// when the payload is not in its shape.
type extractor func(interface{}) []record

// shapeChain is the fixed priority order of payload shapes. The first
// candidate producing at least one type-valid record wins.
var shapeChain = []extractor{
	extractBareArray,
	extractKeyed("data"),
	extractKeyed("points"),
	extractKeyed("results"),
	extractNested("data", "points"),
	extractParallelArrays,
	extractDateDict,
}

func decode(raw []byte) (interface{}, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func toRecords(v interface{}) []record {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []record
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, record(m))
		}
	}
	return out
}

func extractBareArray(v interface{}) []record {
	return toRecords(v)
}

func extractKeyed(key string) extractor {
	return func(v interface{}) []record {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		return toRecords(obj[key])
	}
}

func extractNested(outer, inner string) extractor {
	return func(v interface{}) []record {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		nested, ok := obj[outer].(map[string]interface{})
		if !ok {
			return nil
		}
		return toRecords(nested[inner])
	}
}

// extractParallelArrays handles {dates: [...], values: [...], z: [...]}
// by zipping the columns into records. Column lengths may disagree; the
// shortest of dates/values bounds the output.
func extractParallelArrays(v interface{}) []record {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	dates, ok := obj["dates"].([]interface{})
	if !ok {
		return nil
	}
	values, ok := obj["values"].([]interface{})
	if !ok {
		return nil
	}
	zs, _ := obj["z"].([]interface{})

	n := len(dates)
	if len(values) < n {
		n = len(values)
	}
	var out []record
	for i := 0; i < n; i++ {
		r := record{"date": dates[i], "value": values[i]}
		if i < len(zs) {
			r["z"] = zs[i]
		}
		out = append(out, r)
	}
	return out
}

// extractDateDict handles {"2025-09-20": {value: ..., z: ...}, ...} by
// folding each key in as the record's date. Keys that do not look like
// calendar dates disqualify the shape, so envelope objects are not
// misread as date dictionaries.
func extractDateDict(v interface{}) []record {
	obj, ok := v.(map[string]interface{})
	if !ok || len(obj) == 0 {
		return nil
	}
	var out []record
	for key, item := range obj {
		if !looksLikeDate(key) {
			return nil
		}
		r := record{"date": key}
		if m, ok := item.(map[string]interface{}); ok {
			for k, val := range m {
				if _, exists := r[k]; !exists {
					r[k] = val
				}
			}
		} else {
			r["value"] = item
		}
		out = append(out, r)
	}
	return out
}

func looksLikeDate(s string) bool {
	if len(s) < 8 {
		return false
	}
	if _, err := strconv.Atoi(s[:4]); err != nil {
		return false
	}
	return strings.Count(s, "-") >= 2
}

// number coerces a JSON value to a finite float64. The service emits
// numbers as JSON numbers or strings depending on endpoint.
func number(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	case json.Number, float64:
		f, ok := number(v)
		return ok && f != 0
	default:
		return false
	}
}

func (r record) date() (string, bool) {
	for _, f := range dateFields {
		v, ok := r[f]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				// Timestamps arrive as "2025-09-20T00:00:00"; keep the day.
				if len(s) > 10 && s[10] == 'T' {
					s = s[:10]
				}
				return s, true
			}
		}
	}
	return "", false
}

func (r record) value() (float64, bool) {
	for _, f := range valueFields {
		if v, ok := r[f]; ok && v != nil {
			if n, ok := number(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func (r record) zScore() (float64, bool) {
	for _, f := range zFields {
		if v, ok := r[f]; ok && v != nil {
			if n, ok := number(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func (r record) flagged() bool {
	for _, f := range flagFields {
		if v, ok := r[f]; ok && truthy(v) {
			return true
		}
	}
	return false
}

func (r record) bound(fields []string) (float64, bool) {
	for _, f := range fields {
		if v, ok := r[f]; ok && v != nil {
			if n, ok := number(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// RecordCount reports how many candidate records the winning shape held,
// before any per-record filtering. Used for fetch-run bookkeeping only.
func RecordCount(raw []byte) int {
	return len(records(raw))
}

// records runs the shape chain and returns the first candidate list that
// yields at least one record with a valid date and value.
func records(raw []byte) []record {
	v, ok := decode(raw)
	if !ok {
		return nil
	}
	for _, extract := range shapeChain {
		recs := extract(v)
		if len(recs) == 0 {
			continue
		}
		for _, r := range recs {
			if _, ok := r.date(); !ok {
				continue
			}
			if _, ok := r.value(); ok {
				return recs
			}
		}
	}
	return nil
}
