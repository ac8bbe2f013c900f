package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lorddemonos/killfeed/internal/model"
)

// SeedFile is the YAML layout accepted by Import:
//
//	targets:
//	  - name: Thall Va Xakra
//	    note: F1 North
//	    location: Vex Thal
//	    enabled: true
//	    respawn_hours: 72
type SeedFile struct {
	Targets []model.TrackedTarget `yaml:"targets"`
}

// ImportResult counts what Import did.
type ImportResult struct {
	Added   int
	Skipped int
}

// Import reads a YAML seed and adds every record not stored yet. Existing
// records are left untouched.
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return ImportResult{}, fmt.Errorf("decode seed: %w", err)
	}

	var res ImportResult
	for _, t := range seed.Targets {
		_, err := s.Add(ctx, t)
		switch {
		case err == nil:
			res.Added++
		case errors.Is(err, ErrExists):
			res.Skipped++
		default:
			return res, fmt.Errorf("import %q: %w", t.Display(), err)
		}
	}
	slog.Info("registry seed imported", "added", res.Added, "skipped", res.Skipped)
	return res, nil
}

// ImportFile imports the seed file at path.
func (s *Store) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return s.Import(ctx, f)
}
