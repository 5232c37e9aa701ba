package results

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// FileStore keeps one JSON document per stage in Dir, named <stage>.json.
type FileStore struct {
	Dir    string
	Logger *slog.Logger
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, Logger: slog.Default()}
}

func (s *FileStore) path(stage string) string {
	return filepath.Join(s.Dir, stage+".json")
}

// Save writes the stage document. An existing document for the stage, or a key
// already written by another stage, is rejected.
func (s *FileStore) Save(ctx context.Context, stage string, values map[string]any) error {
	current, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if len(current.Stage(stage)) > 0 {
		return fmt.Errorf("%w: stage %q already saved", ErrDuplicateKey, stage)
	}
	if err := current.Merge(stage, values); err != nil {
		return err
	}

	data, err := json.MarshalIndent(values, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s results: %w", stage, err)
	}
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return fmt.Errorf("results dir: %w", err)
	}
	path := s.path(stage)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.Logger.Info("json file saved", "path", path, "stage", stage)
	return nil
}

// Load reads every stage document in Dir into one bundle. A missing directory
// is an empty bundle.
func (s *FileStore) Load(ctx context.Context) (*Bundle, error) {
	b := NewBundle()
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read results dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		stage := strings.TrimSuffix(e.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		values := map[string]any{}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		for k, v := range values {
			if n, ok := v.(json.Number); ok {
				values[k] = numberValue(n)
			}
		}
		if err := b.Merge(stage, values); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}
