package results

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBundleRejectsOverwriteAcrossStages(t *testing.T) {
	b := NewBundle()
	if err := b.Put("dataset_group", "dataset_group_arn", "arn:dg"); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := b.Put("solutions", "dataset_group_arn", "arn:other")
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if err := b.Put("dataset_group", "dataset_group_arn", "arn:again"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey within a stage, got %v", err)
	}
	v, _ := b.String("dataset_group_arn")
	if v != "arn:dg" {
		t.Fatalf("value was overwritten: %s", v)
	}
}

func TestBundleAccessors(t *testing.T) {
	b := NewBundle()
	_ = b.Put("data_prep", "items_path", "/tmp/items.csv")
	_ = b.Put("data_prep", "uploaded", true)

	if err := b.Require("items_path", "uploaded"); err != nil {
		t.Fatalf("require: %v", err)
	}
	if err := b.Require("items_path", "campaign_arn"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	if ok, err := b.Bool("uploaded"); err != nil || !ok {
		t.Fatalf("bool: %v %v", ok, err)
	}
	if _, err := b.String("uploaded"); err == nil {
		t.Fatalf("expected type error")
	}
	if err := b.Put("data_prep", "nested", map[string]string{}); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestBundleMergeIsAllOrNothing(t *testing.T) {
	b := NewBundle()
	_ = b.Put("a", "shared", "x")
	err := b.Merge("b", map[string]any{"fresh": "y", "shared": "z"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if _, ok := b.Get("fresh"); ok {
		t.Fatalf("partial merge leaked a key")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "results")
	store := NewFileStore(dir)

	if err := store.Save(ctx, "data_prep", map[string]any{"items_path": "/data/items.csv", "uploaded": true, "rows": 3}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "dataset_group", map[string]any{"dataset_group_arn": "arn:dg"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "data_prep.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "\n    \"items_path\"") {
		t.Fatalf("expected 4-space indented document, got %s", raw)
	}

	b, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := b.Stages(); len(got) != 2 || got[0] != "data_prep" || got[1] != "dataset_group" {
		t.Fatalf("unexpected stages %v", got)
	}
	if arn, _ := b.String("dataset_group_arn"); arn != "arn:dg" {
		t.Fatalf("unexpected arn %q", arn)
	}
	if v, _ := b.Get("rows"); v != int64(3) {
		t.Fatalf("expected integer rows, got %#v", v)
	}
}

func TestFileStoreRejectsConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	if err := store.Save(ctx, "campaigns", map[string]any{"campaign_arn": "arn:c"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "campaigns", map[string]any{"other": "x"}); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected stage resave to fail, got %v", err)
	}
	if err := store.Save(ctx, "filters", map[string]any{"campaign_arn": "arn:d"}); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected key conflict, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir, "filters.json")); !os.IsNotExist(err) {
		t.Fatalf("conflicting document must not be written")
	}
}

func TestFileStoreMissingDirIsEmpty(t *testing.T) {
	b, err := NewFileStore(filepath.Join(t.TempDir(), "nope")).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(b.Stages()) != 0 {
		t.Fatalf("expected empty bundle")
	}
}
