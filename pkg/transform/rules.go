package transform

import (
	"fmt"
	"regexp"
	"strconv"
)

// Threshold labels a row when the numeric source field is strictly greater than Min.
type Threshold struct {
	Label string
	Min   float64
}

// ThresholdEvents turns an explicit score field into implicit event labels.
// Every threshold becomes a candidate label in field, and the returned filter
// keeps a candidate only when source exceeds that label's minimum. A single
// high score therefore yields several events.
func ThresholdEvents(field, source string, thresholds []Threshold) (*Expansion, Predicate) {
	labels := make([]string, len(thresholds))
	mins := make(map[string]float64, len(thresholds))
	for i, t := range thresholds {
		labels[i] = t.Label
		mins[t.Label] = t.Min
	}
	filter := func(r Record) (bool, error) {
		v, err := strconv.ParseFloat(r[source], 64)
		if err != nil {
			return false, &MalformedRecordError{Field: source, Reason: fmt.Sprintf("not numeric: %q", r[source])}
		}
		floor, ok := mins[r[field]]
		if !ok {
			return false, nil
		}
		return v > floor, nil
	}
	return &Expansion{Field: field, Labels: labels}, filter
}

var yearSuffix = regexp.MustCompile(`\((\d{4})\)\s*$`)

// YearFromTitle derives a release year from a trailing "(1995)" in the source field.
// Titles without one derive an empty value.
func YearFromTitle(source string) func(Record) string {
	return func(r Record) string {
		m := yearSuffix.FindStringSubmatch(r[source])
		if m == nil {
			return ""
		}
		return m[1]
	}
}

// Constant derives the same value for every row.
func Constant(v string) func(Record) string {
	return func(Record) string { return v }
}
