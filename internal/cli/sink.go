package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/worldloom/genflow/build"
	"github.com/worldloom/genflow/types"
)

// fileSeedSink writes each persisted seed as one JSON file under
// <out>/<pool>/. It stands in for whatever downstream system consumes the
// generated content.
type fileSeedSink struct {
	dir string
}

func newFileSeedSink(dir string) (*fileSeedSink, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./.genflow/seeds"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create seed output dir: %w", err)
	}
	return &fileSeedSink{dir: dir}, nil
}

func (s *fileSeedSink) PersistSeed(ctx context.Context, pool string, item types.BatchItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	poolDir := filepath.Join(s.dir, sanitize(pool))
	if err := os.MkdirAll(poolDir, 0o755); err != nil {
		return fmt.Errorf("failed to create pool dir: %w", err)
	}
	name := sanitize(item.Name)
	if name == "" {
		name = "seed"
	}
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode seed: %w", err)
	}
	path := filepath.Join(poolDir, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "_")
	return replacer.Replace(name)
}

var _ build.SeedSink = (*fileSeedSink)(nil)
