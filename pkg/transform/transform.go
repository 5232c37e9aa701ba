// Package transform reshapes raw CSV tables into the record layout the
// recommendation service imports.
package transform

import (
	"cmp"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrConfig          = errors.New("invalid transform configuration")
	ErrMalformedRecord = errors.New("malformed record")
)

// MalformedRecordError reports a source row that cannot be normalized.
type MalformedRecordError struct {
	Line   int
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record at line %d: field %s: %s", e.Line, e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// Table is a raw source table with a header row.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Record is one normalized row keyed by target field name.
type Record map[string]string

type Derivation struct {
	Field  string
	Derive func(Record) string
}

// Expansion emits one candidate row per label, with Field set to the label.
type Expansion struct {
	Field  string
	Labels []string
}

// Predicate decides whether a candidate row is kept. An error marks the row
// malformed; a *MalformedRecordError names the offending field itself.
type Predicate func(Record) (bool, error)

type Pipeline struct {
	// Mapping maps source column name to target field name.
	Mapping map[string]string
	// Optional lists target fields allowed to be empty.
	Optional []string
	Derived  []Derivation
	Expand   *Expansion
	Filter   Predicate
	// SortKey names an integer target field rows are stably sorted on, ascending.
	SortKey string
}

// ReadCSV reads a header row followed by data rows.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read csv: missing header row")
	}
	header := make([]string, len(rows[0]))
	for i, c := range rows[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
	}
	return &Table{Columns: header, Rows: rows[1:]}, nil
}

// Validate checks the pipeline against a source header without touching rows.
func (p *Pipeline) Validate(columns []string) error {
	if len(p.Mapping) == 0 {
		return fmt.Errorf("%w: empty column mapping", ErrConfig)
	}
	seen := make(map[string]string, len(p.Mapping))
	for src, dst := range p.Mapping {
		if !slices.Contains(columns, src) {
			return fmt.Errorf("%w: source column %q not in header %v", ErrConfig, src, columns)
		}
		if dst == "" {
			return fmt.Errorf("%w: source column %q has no target field", ErrConfig, src)
		}
		if prev, ok := seen[dst]; ok {
			return fmt.Errorf("%w: target field %q mapped from both %q and %q", ErrConfig, dst, prev, src)
		}
		seen[dst] = src
	}
	for _, d := range p.Derived {
		if d.Field == "" || d.Derive == nil {
			return fmt.Errorf("%w: derived field needs a name and a function", ErrConfig)
		}
	}
	if p.Expand != nil && (p.Expand.Field == "" || len(p.Expand.Labels) == 0) {
		return fmt.Errorf("%w: expansion needs a field and at least one label", ErrConfig)
	}
	return nil
}

// Normalize maps, derives, expands, filters and sorts the table's rows. The
// result depends only on its inputs, so re-running it yields the same records
// in the same order.
func (p *Pipeline) Normalize(t *Table) ([]Record, error) {
	if err := p.Validate(t.Columns); err != nil {
		return nil, err
	}
	index := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		index[c] = i
	}
	sources := slices.Sorted(maps.Keys(p.Mapping))

	type keyed struct {
		rec Record
		key int64
	}
	var out []keyed

	for n, row := range t.Rows {
		line := n + 2
		base := make(Record, len(p.Mapping)+len(p.Derived)+1)
		for _, src := range sources {
			dst := p.Mapping[src]
			i := index[src]
			var v string
			if i < len(row) {
				v = strings.TrimSpace(row[i])
			}
			if v == "" && !slices.Contains(p.Optional, dst) {
				return nil, &MalformedRecordError{Line: line, Field: dst, Reason: "missing value"}
			}
			base[dst] = v
		}
		for _, d := range p.Derived {
			base[d.Field] = d.Derive(base)
		}

		candidates := []Record{base}
		if p.Expand != nil {
			candidates = candidates[:0]
			for _, label := range p.Expand.Labels {
				c := make(Record, len(base)+1)
				for k, v := range base {
					c[k] = v
				}
				c[p.Expand.Field] = label
				candidates = append(candidates, c)
			}
		}

		for _, c := range candidates {
			if p.Filter != nil {
				keep, err := p.Filter(c)
				if err != nil {
					var mre *MalformedRecordError
					if errors.As(err, &mre) {
						e := *mre
						e.Line = line
						return nil, &e
					}
					return nil, &MalformedRecordError{Line: line, Field: p.filterField(), Reason: err.Error()}
				}
				if !keep {
					continue
				}
			}
			k := keyed{rec: c}
			if p.SortKey != "" {
				v, err := strconv.ParseInt(c[p.SortKey], 10, 64)
				if err != nil {
					return nil, &MalformedRecordError{Line: line, Field: p.SortKey, Reason: "not an integer"}
				}
				k.key = v
			}
			out = append(out, k)
		}
	}

	if p.SortKey != "" {
		slices.SortStableFunc(out, func(a, b keyed) int { return cmp.Compare(a.key, b.key) })
	}
	records := make([]Record, len(out))
	for i, k := range out {
		records[i] = k.rec
	}
	return records, nil
}

func (p *Pipeline) filterField() string {
	if p.Expand != nil {
		return p.Expand.Field
	}
	return "filter"
}

// WriteCSV writes records with the given columns as header, in order.
func WriteCSV(w io.Writer, columns []string, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	row := make([]string, len(columns))
	for _, r := range records {
		for i, c := range columns {
			row[i] = r[c]
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
