// Package artifact persists run outputs (the final report) on the local
// filesystem. Writes are atomic: content lands in a temp file that is renamed
// into place, so readers never observe a partial report.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
)

// ErrNotFound is returned when the requested artifact does not exist.
var ErrNotFound = errors.New("artifact: not found")

// Store writes and reads per-run artifacts under a base directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates the base directory if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifact: dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Write stores content under <dir>/<runID>/<name> atomically.
func (s *Store) Write(runID, name string, content []byte) (string, error) {
	if err := validateComponent(runID); err != nil {
		return "", err
	}
	if err := validateComponent(name); err != nil {
		return "", err
	}

	runDir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		metrics.ArtifactWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("artifact: create run dir: %w", err)
	}

	tmp, err := os.CreateTemp(runDir, name+".tmp-*")
	if err != nil {
		metrics.ArtifactWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("artifact: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.ArtifactWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("artifact: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.ArtifactWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("artifact: close temp: %w", err)
	}

	final := filepath.Join(runDir, name)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		metrics.ArtifactWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("artifact: rename: %w", err)
	}

	metrics.ArtifactWrites.WithLabelValues("ok").Inc()
	s.logger.Debug("artifact written",
		zap.String("run_id", runID),
		zap.String("name", name),
		zap.Int("bytes", len(content)))
	return final, nil
}

// Read returns the artifact content.
func (s *Store) Read(runID, name string) ([]byte, error) {
	if err := validateComponent(runID); err != nil {
		return nil, err
	}
	if err := validateComponent(name); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.dir, runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: read: %w", err)
	}
	return b, nil
}

// List returns the artifact names of a run in sorted order.
func (s *Store) List(runID string) ([]string, error) {
	if err := validateComponent(runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: list: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// validateComponent rejects names that could escape the store directory.
func validateComponent(name string) error {
	if name == "" {
		return errors.New("artifact: empty path component")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("artifact: invalid path component %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("artifact: invalid path component %q", name)
	}
	return nil
}
