package runlog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	root := t.TempDir()
	w, err := New(root, "")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return w, root
}

func touch(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes() error: %v", err)
	}
}

func TestNew_DefaultDir(t *testing.T) {
	w, root := newWriter(t)

	want := filepath.Join(root, DefaultDir)
	if w.Dir() != want {
		t.Errorf("Dir() = %s, want %s", w.Dir(), want)
	}
	if info, err := os.Stat(want); err != nil || !info.IsDir() {
		t.Errorf("log directory not created: %v", err)
	}
}

func TestCreate(t *testing.T) {
	w, root := newWriter(t)

	f, rel, err := w.Create("install", "my-lib")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := f.WriteString("Successfully installed my-lib\n"); err != nil {
		t.Fatalf("WriteString() error: %v", err)
	}
	f.Close()

	if filepath.IsAbs(rel) {
		t.Errorf("relative path expected, got %s", rel)
	}
	if !strings.HasPrefix(filepath.Base(rel), "install-my-lib-") {
		t.Errorf("unexpected log name %s", rel)
	}
	if got := w.Path(rel); !strings.HasPrefix(got, root) {
		t.Errorf("Path(%s) = %s, want under %s", rel, got, root)
	}
}

func TestLatest(t *testing.T) {
	w, _ := newWriter(t)
	now := time.Now()

	touch(t, filepath.Join(w.Dir(), "install-my-lib-20240101-120000.log"), "old install", now)
	touch(t, filepath.Join(w.Dir(), "build-my-lib-20240102-080000.log"), "build", now)
	touch(t, filepath.Join(w.Dir(), "install-my-lib-20240103-090000.log"), "new install", now)
	touch(t, filepath.Join(w.Dir(), "install-my-20240104-090000.log"), "other project", now)

	tests := []struct {
		verb string
		want string
	}{
		{"", "install-my-lib-20240103-090000.log"},
		{"install", "install-my-lib-20240103-090000.log"},
		{"build", "build-my-lib-20240102-080000.log"},
	}
	for _, tt := range tests {
		got, err := w.Latest(tt.verb, "my-lib")
		if err != nil {
			t.Fatalf("Latest(%q) error: %v", tt.verb, err)
		}
		if filepath.Base(got) != tt.want {
			t.Errorf("Latest(%q) = %s, want %s", tt.verb, filepath.Base(got), tt.want)
		}
	}

	if _, err := w.Latest("", "missing"); !errors.Is(err, ErrNoLog) {
		t.Errorf("Latest(missing) error = %v, want ErrNoLog", err)
	}
}

func TestClean(t *testing.T) {
	w, _ := newWriter(t)
	now := time.Now()

	old := filepath.Join(w.Dir(), "build-a-20240101-120000.log")
	recent := filepath.Join(w.Dir(), "build-a-20240105-120000.log")
	touch(t, old, "", now.Add(-48*time.Hour))
	touch(t, recent, "", now)

	n, err := w.Clean(24 * time.Hour)
	if err != nil {
		t.Fatalf("Clean() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Clean() removed %d logs, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old log should be removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent log should be kept")
	}
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	touch(t, path, "one\ntwo\nthree\n", time.Now())

	tests := []struct {
		n    int
		want string
	}{
		{0, "one\ntwo\nthree\n"},
		{2, "two\nthree\n"},
		{10, "one\ntwo\nthree\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := Tail(&buf, path, tt.n); err != nil {
			t.Fatalf("Tail(%d) error: %v", tt.n, err)
		}
		if buf.String() != tt.want {
			t.Errorf("Tail(%d) = %q, want %q", tt.n, buf.String(), tt.want)
		}
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		verb    string
		project string
		ok      bool
	}{
		{"install-api-20240101-120000.log", "install", "api", true},
		{"build-my-lib-20240101-120000.log", "build", "my-lib", true},
		{"notes.txt", "", "", false},
		{"build-20240101-120000.log", "", "", false},
	}
	for _, tt := range tests {
		verb, project, ok := parseName(tt.name)
		if verb != tt.verb || project != tt.project || ok != tt.ok {
			t.Errorf("parseName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.name, verb, project, ok, tt.verb, tt.project, tt.ok)
		}
	}
}
