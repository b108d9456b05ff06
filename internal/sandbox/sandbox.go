// Package sandbox scopes one job attempt's filesystem footprint and runs
// untrusted model programs inside it.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeName keeps backend job ids usable as path components.
func sanitizeName(base string) string {
	base = nameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "job"
	}
	if len(base) > 64 {
		base = base[:64]
	}
	return base
}

// Sandbox is the working directory owned by exactly one job attempt.
type Sandbox struct {
	Dir string

	once      sync.Once
	removeErr error
}

// New creates root/{jobID}_{claimedAt unix seconds}. A directory left behind
// under the same name is wiped first.
func New(root, jobID string, claimedAt time.Time) (*Sandbox, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root %s: %w", root, err)
	}
	dir := filepath.Join(root, fmt.Sprintf("%s_%d", sanitizeName(jobID), claimedAt.Unix()))
	if err := os.Mkdir(dir, 0o755); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create sandbox %s: %w", dir, err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clear stale sandbox %s: %w", dir, err)
		}
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox %s: %w", dir, err)
		}
	}
	return &Sandbox{Dir: dir}, nil
}

// Path returns the host path of a file inside the sandbox.
func (s *Sandbox) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// WriteFile stores data under name and returns its host path.
func (s *Sandbox) WriteFile(name string, data []byte) (string, error) {
	path := s.Path(name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes the sandbox directory. Only the first call touches the
// filesystem; later calls return the first result. A missing directory is
// not an error.
func (s *Sandbox) Remove() error {
	s.once.Do(func() {
		s.removeErr = os.RemoveAll(s.Dir)
	})
	return s.removeErr
}

// RemoveStale deletes dir if it lies inside root. Used to clean up after
// attempts that were interrupted by a process restart.
func RemoveStale(root, dir string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s: not inside sandbox root %s", dir, root)
	}
	return os.RemoveAll(absDir)
}
