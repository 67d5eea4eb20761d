package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// LockFileName is the poetry lock file at the repository root.
const LockFileName = "poetry.lock"

// LockedPackage is one [[package]] entry of poetry.lock.
type LockedPackage struct {
	Name           string `toml:"name"`
	Version        string `toml:"version"`
	Description    string `toml:"description"`
	Optional       bool   `toml:"optional"`
	PythonVersions string `toml:"python-versions"`
}

// LockFile holds the locked package versions of a repository.
type LockFile struct {
	Packages []LockedPackage `toml:"package"`
	Metadata map[string]any  `toml:"metadata"`

	versions map[string]string
}

// ReadLockFile parses a poetry.lock file. A missing file yields an empty lock.
func ReadLockFile(path string) (*LockFile, error) {
	lock := &LockFile{}
	defer lock.index()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return lock, nil
	}
	if _, err := toml.DecodeFile(path, lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return lock, nil
}

func (l *LockFile) index() {
	l.versions = make(map[string]string, len(l.Packages))
	for _, p := range l.Packages {
		l.versions[normalizeName(p.Name)] = p.Version
	}
}

// Version returns the locked version of a package, "" when not locked.
func (l *LockFile) Version(name string) string {
	if l == nil || l.versions == nil {
		return ""
	}
	return l.versions[normalizeName(name)]
}

// Len returns the number of locked packages.
func (l *LockFile) Len() int {
	return len(l.Packages)
}
