// Package workspace prepares private scratch directories for grading. The
// submission directory is only ever read.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrOutsideRoot marks a path that leaves its root, lexically or through a
// symlink.
var ErrOutsideRoot = errors.New("path leaves its root")

// Workspace owns the scratch directories of one grading run.
type Workspace struct {
	root string
}

// New returns a workspace rooted at root, creating it when needed. An empty
// root selects a directory under the system temp dir.
func New(root string) (*Workspace, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "grader-work")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Scratch creates a fresh directory. The returned cleanup removes it.
func (w *Workspace) Scratch(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp(w.root, sanitize(prefix)+"-")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// Missing returns the patterns that neither match a file under root nor have
// a placement recorded for them. A symlink that resolves outside root does
// not count as a match.
func Missing(root string, patterns []string, placements map[string]string) []string {
	var missing []string
	for _, pattern := range patterns {
		if actual, ok := placements[pattern]; ok {
			if _, err := Resolve(root, actual); err != nil {
				missing = append(missing, pattern)
			}
			continue
		}
		matches, err := Match(root, pattern)
		if err != nil || !anyResolves(root, matches) {
			missing = append(missing, pattern)
		}
	}
	return missing
}

func anyResolves(root string, matches []string) bool {
	for _, rel := range matches {
		if _, err := Resolve(root, rel); err == nil {
			return true
		}
	}
	return false
}

// Match returns the paths under root matching pattern, relative to root and
// sorted.
func Match(root, pattern string) ([]string, error) {
	if err := ValidPattern(pattern); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(root, m)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

// ValidPattern rejects patterns that could reach outside their root.
func ValidPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if filepath.IsAbs(pattern) || strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("pattern %q must be relative", pattern)
	}
	for _, elem := range strings.Split(filepath.ToSlash(pattern), "/") {
		if elem == ".." {
			return fmt.Errorf("pattern %q leaves its directory", pattern)
		}
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return nil
}

// CopyInputs copies every file matching patterns from src into dst, keeping
// relative paths. A placement copies the placed file to the expected name
// instead. It returns the patterns that matched nothing. A match that resolves
// outside src fails the copy with ErrOutsideRoot.
func CopyInputs(src, dst string, patterns []string, placements map[string]string) ([]string, error) {
	var missing []string
	for _, pattern := range patterns {
		if actual, ok := placements[pattern]; ok {
			to, err := SafeJoin(dst, pattern)
			if err != nil {
				return nil, err
			}
			from, err := Resolve(src, actual)
			if errors.Is(err, fs.ErrNotExist) {
				missing = append(missing, pattern)
				continue
			}
			if err != nil {
				return nil, err
			}
			if err := copyPath(from, to); err != nil {
				return nil, err
			}
			continue
		}
		matches, err := Match(src, pattern)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			missing = append(missing, pattern)
			continue
		}
		for _, rel := range matches {
			from, err := Resolve(src, rel)
			if err != nil {
				return nil, err
			}
			if err := copyPath(from, filepath.Join(dst, rel)); err != nil {
				return nil, err
			}
		}
	}
	return missing, nil
}

// SafeJoin joins rel onto root and fails if the result escapes root.
func SafeJoin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative", rel)
	}
	joined := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, joined) {
		return "", fmt.Errorf("path %q leaves %s: %w", rel, root, ErrOutsideRoot)
	}
	return joined, nil
}

// Resolve joins rel onto root and follows symlinks. The target must exist and
// stay under root.
func Resolve(root, rel string) (string, error) {
	joined, err := SafeJoin(root, rel)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	target, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	if !within(realRoot, target) {
		return "", fmt.Errorf("path %q resolves outside %s: %w", rel, root, ErrOutsideRoot)
	}
	return target, nil
}

func within(root, path string) bool {
	back, err := filepath.Rel(root, path)
	return err == nil && back != ".." && !strings.HasPrefix(back, ".."+string(filepath.Separator))
}

// Tree lists regular files under root, relative and sorted. Used to show an
// operator what a broken submission actually contains.
func Tree(root string, maxEntries int) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if maxEntries > 0 && len(out) >= maxEntries {
			return fs.SkipAll
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func copyPath(from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(from, to, info.Mode().Perm())
	}
	return filepath.WalkDir(from, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		target := filepath.Join(to, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, fi.Mode().Perm())
	})
}

func copyFile(from, to string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", from, err)
	}
	return out.Close()
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "scratch"
	}
	return s
}
