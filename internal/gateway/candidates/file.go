package candidates

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileDoc struct {
	AsOf    time.Time `yaml:"as_of"`
	Symbols []string  `yaml:"symbols"`
}

// FileProvider reads a YAML list written by the screener:
//
//	as_of: 2026-03-02T21:00:00Z
//	symbols: [AAPL, MSFT]
//
// When as_of is absent the file's modification time is used.
type FileProvider struct {
	path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Load(ctx context.Context) (List, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return List{}, fmt.Errorf("stat candidate file failed: %w", err)
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return List{}, fmt.Errorf("read candidate file failed: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return List{}, fmt.Errorf("parse candidate file failed: %w", err)
	}
	asOf := doc.AsOf
	if asOf.IsZero() {
		asOf = info.ModTime()
	}
	return List{AsOf: asOf, Symbols: doc.Symbols, Source: p.path}, nil
}
