// Package filter builds recommendation filter expressions from item metadata.
package filter

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"slices"
	"strings"
)

type Kind string

const (
	Include Kind = "INCLUDE"
	Exclude Kind = "EXCLUDE"
)

// Datasets a filter expression can reference.
const (
	DatasetItems        = "Items"
	DatasetInteractions = "Interactions"
)

// ParenPolicy decides what happens to tokens containing a parenthesis, such as
// "(no genres listed)" or year-qualified values.
type ParenPolicy int

const (
	DropParenthesized ParenPolicy = iota
	KeepParenthesized
)

var ErrEmptyValues = errors.New("filter needs at least one value")

var interactionFields = []string{"EVENT_TYPE", "EVENT_VALUE", "USER_ID", "TIMESTAMP"}

// Set is an unordered set of categorical values.
type Set map[string]struct{}

// Sorted returns the set's values in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// ExtractCategoricalValues splits each delimiter-joined value into tokens and
// returns the distinct non-empty tokens across all values.
func ExtractCategoricalValues(values []string, delimiter string, policy ParenPolicy) Set {
	set := make(Set)
	for _, v := range values {
		for _, tok := range strings.Split(v, delimiter) {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if policy == DropParenthesized && strings.ContainsAny(tok, "()") {
				continue
			}
			set[tok] = struct{}{}
		}
	}
	return set
}

// DatasetFor returns the dataset a field lives in: interaction fields resolve
// to Interactions, anything else to Items.
func DatasetFor(field string) string {
	for _, f := range interactionFields {
		if strings.EqualFold(f, field) {
			return DatasetInteractions
		}
	}
	return DatasetItems
}

// Build renders `<KIND> ItemID WHERE <Dataset>.<field> IN ("v1","v2")` with
// values in lexical order.
func Build(kind Kind, field string, values Set) (string, error) {
	return BuildOn(kind, DatasetFor(field), field, values)
}

// BuildOn is Build with an explicit dataset.
func BuildOn(kind Kind, dataset, field string, values Set) (string, error) {
	if kind != Include && kind != Exclude {
		return "", fmt.Errorf("unknown filter kind %q", kind)
	}
	if field == "" {
		return "", fmt.Errorf("missing filter field")
	}
	if len(values) == 0 {
		return "", ErrEmptyValues
	}
	quoted := make([]string, 0, len(values))
	for _, v := range values.Sorted() {
		quoted = append(quoted, `"`+strings.ReplaceAll(v, `"`, `\"`)+`"`)
	}
	return fmt.Sprintf("%s ItemID WHERE %s.%s IN (%s)", kind, dataset, field, strings.Join(quoted, ",")), nil
}

// Sample picks up to n values at random, returned in lexical order. Callers use
// it to stay under the service's per-dataset-group filter quota.
func Sample(values Set, n int, rng *rand.Rand) []string {
	all := values.Sorted()
	if n >= len(all) {
		return all
	}
	if n <= 0 {
		return nil
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	picked := all[:n]
	slices.Sort(picked)
	return picked
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Name builds a service-safe filter name from a prefix and a value.
func Name(prefix, value string) string {
	v := strings.Trim(unsafeName.ReplaceAllString(value, "-"), "-")
	name := strings.ToLower(prefix + "-" + v)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
