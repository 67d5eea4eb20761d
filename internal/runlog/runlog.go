// Package runlog stores the command output of each project of an install or
// build run in its own file, so a failed project can be inspected after the
// run.
package runlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultDir is the log directory, relative to the repository root.
const DefaultDir = ".kapla/logs"

const timestampLayout = "20060102-150405"

// ErrNoLog is returned when no log matches a lookup.
var ErrNoLog = errors.New("no log found")

// Writer manages the log files of a repository.
type Writer struct {
	root string
	dir  string
}

// New returns a writer storing logs in dir, resolved against root when
// relative. The directory is created if needed.
func New(root, dir string) (*Writer, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &Writer{root: root, dir: dir}, nil
}

// Dir returns the absolute log directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Create opens a new log file for one command of a project.
// Returns: file handle, path relative to the root, error
func (w *Writer) Create(verb, project string) (*os.File, string, error) {
	name := fmt.Sprintf("%s-%s-%s.log", verb, project, time.Now().Format(timestampLayout))
	full := filepath.Join(w.dir, name)

	file, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("create log file: %w", err)
	}

	rel, err := filepath.Rel(w.root, full)
	if err != nil {
		rel = full
	}
	return file, rel, nil
}

// Path returns the absolute path of a log given relative to the root.
func (w *Writer) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(w.root, rel)
}

// Latest returns the absolute path of the most recent log of a project. An
// empty verb matches any command.
func (w *Writer) Latest(verb, project string) (string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return "", fmt.Errorf("read log directory: %w", err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		v, p, ok := parseName(entry.Name())
		if !ok || p != project || (verb != "" && v != verb) {
			continue
		}
		matches = append(matches, entry.Name())
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w for %s", ErrNoLog, project)
	}

	// Timestamps sort lexically; the verb prefix must not interfere.
	sort.Slice(matches, func(i, j int) bool {
		return stamp(matches[i]) < stamp(matches[j])
	})
	return filepath.Join(w.dir, matches[len(matches)-1]), nil
}

// Clean removes logs older than maxAge and returns how many were removed.
func (w *Writer) Clean(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read log directory: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(w.dir, entry.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Tail copies the last n lines of the log at path to out. n <= 0 copies the
// whole file.
func Tail(out io.Writer, path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if n <= 0 {
		_, err := io.Copy(out, f)
		return err
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	ring := make([]string, 0, n)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, line := range ring {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

// parseName splits "<verb>-<project>-<date>-<time>.log".
func parseName(name string) (verb, project string, ok bool) {
	base, found := strings.CutSuffix(name, ".log")
	if !found {
		return "", "", false
	}
	parts := strings.Split(base, "-")
	if len(parts) < 4 {
		return "", "", false
	}
	verb = parts[0]
	project = strings.Join(parts[1:len(parts)-2], "-")
	return verb, project, project != ""
}

func stamp(name string) string {
	base := strings.TrimSuffix(name, ".log")
	parts := strings.Split(base, "-")
	if len(parts) < 2 {
		return base
	}
	return strings.Join(parts[len(parts)-2:], "-")
}
