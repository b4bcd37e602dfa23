package lvv

import (
	"fmt"
	"path/filepath"
	"runtime/debug"
)

// Version of the lvv tile server.
const Version = "0.1.0"

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// DefaultMemoryBudget is used to size caches when no explicit budget is configured.
const DefaultMemoryBudget = 4 * Giga

// MemoryBudget returns the number of bytes available for tile caches.  A positive
// configured value in megabytes is honored; otherwise the Go soft memory limit is used
// if one was set, falling back to DefaultMemoryBudget.
func MemoryBudget(configuredMB int) int64 {
	if configuredMB > 0 {
		return int64(configuredMB) * Mega
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < 1<<62 {
		return limit
	}
	return DefaultMemoryBudget
}

// ConvertToAbsolute returns an absolute path given a path relative to dir.  Absolute
// paths are returned unchanged.
func ConvertToAbsolute(path, dir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	abs, err := filepath.Abs(filepath.Join(dir, path))
	if err != nil {
		return "", fmt.Errorf("unable to make %q absolute relative to %q: %v", path, dir, err)
	}
	return abs, nil
}

// BuildRevision returns the VCS revision the binary was built from, if known.
func BuildRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	revision, modified := "unknown", false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if modified {
		revision += "-dirty"
	}
	return revision
}
