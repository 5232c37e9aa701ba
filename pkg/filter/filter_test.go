package filter

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func set(values ...string) Set {
	s := make(Set)
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func TestExtractCategoricalValues(t *testing.T) {
	input := []string{"Action|Comedy", "Comedy", "Drama (1995)"}

	kept := ExtractCategoricalValues(input, "|", KeepParenthesized)
	if want := set("Action", "Comedy", "Drama (1995)"); !reflect.DeepEqual(kept, want) {
		t.Fatalf("keep policy: got %v, want %v", kept.Sorted(), want.Sorted())
	}

	dropped := ExtractCategoricalValues(input, "|", DropParenthesized)
	if want := set("Action", "Comedy"); !reflect.DeepEqual(dropped, want) {
		t.Fatalf("drop policy: got %v, want %v", dropped.Sorted(), want.Sorted())
	}
}

func TestExtractSkipsEmptyTokens(t *testing.T) {
	got := ExtractCategoricalValues([]string{"", "Horror||Thriller ", "(no genres listed)"}, "|", DropParenthesized)
	if want := set("Horror", "Thriller"); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got.Sorted(), want.Sorted())
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		kind   Kind
		field  string
		values Set
		want   string
	}{
		{Include, "GENRE", set("Action"), `INCLUDE ItemID WHERE Items.GENRE IN ("Action")`},
		{Exclude, "event_type", set("watch"), `EXCLUDE ItemID WHERE Interactions.event_type IN ("watch")`},
		{Include, "GENRES", set("Comedy", "Action"), `INCLUDE ItemID WHERE Items.GENRES IN ("Action","Comedy")`},
	}
	for _, tt := range tests {
		got, err := Build(tt.kind, tt.field, tt.values)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if got != tt.want {
			t.Errorf("got %s, want %s", got, tt.want)
		}
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	if _, err := Build(Include, "GENRE", Set{}); !errors.Is(err, ErrEmptyValues) {
		t.Fatalf("expected ErrEmptyValues, got %v", err)
	}
	if _, err := Build("KEEP", "GENRE", set("Action")); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := Build(Include, "", set("Action")); err == nil {
		t.Fatalf("expected missing field error")
	}
}

func TestSample(t *testing.T) {
	values := set("a", "b", "c", "d", "e")
	if got := Sample(values, 10, rand.New(rand.NewSource(1))); len(got) != 5 {
		t.Fatalf("expected all values when n exceeds size, got %v", got)
	}
	got := Sample(values, 3, rand.New(rand.NewSource(1)))
	if len(got) != 3 {
		t.Fatalf("expected 3 values, got %v", got)
	}
	again := Sample(values, 3, rand.New(rand.NewSource(1)))
	if !reflect.DeepEqual(got, again) {
		t.Fatalf("same seed must pick the same subset: %v vs %v", got, again)
	}
	for _, v := range got {
		if _, ok := values[v]; !ok {
			t.Fatalf("sampled unknown value %q", v)
		}
	}
}

func TestName(t *testing.T) {
	if got := Name("genre", "Sci-Fi"); got != "genre-sci-fi" {
		t.Fatalf("got %q", got)
	}
	if got := Name("genre", "Film-Noir & Crime"); got != "genre-film-noir-crime" {
		t.Fatalf("got %q", got)
	}
}
