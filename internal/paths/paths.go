// SPDX-License-Identifier: AGPL-3.0-or-later

// Package paths centralises edgefleet data-directory resolution.
package paths

import (
	"os"
	"path/filepath"
	"sync/atomic"
)

const (
	appDirName     = "edgefleet"
	envDataDir     = "EDGEFLEET_DATA_DIR"
	envXDGDataHome = "XDG_DATA_HOME"
	fleetFileName  = "fleet.yaml"
	envFleetFile   = "EDGEFLEET_FLEET_FILE"
	envXDGConfig   = "XDG_CONFIG_HOME"
)

var override atomic.Pointer[string]

// SetDataDirOverride pins the data directory to an explicit location.
// Passing an empty string clears the override.
func SetDataDirOverride(dir string) {
	if dir == "" {
		override.Store(nil)
		return
	}
	clean := filepath.Clean(dir)
	override.Store(&clean)
}

// DataDir returns the directory edgefleet uses for the state database.
// Order of precedence:
//  1. Explicit override provided via SetDataDirOverride.
//  2. EDGEFLEET_DATA_DIR environment variable.
//  3. $XDG_DATA_HOME/edgefleet, or ~/.local/share/edgefleet
//  4. Fallback: current working directory ./edgefleet
func DataDir() string {
	if ptr := override.Load(); ptr != nil && *ptr != "" {
		return *ptr
	}

	if dir := os.Getenv(envDataDir); dir != "" {
		return filepath.Clean(dir)
	}

	if xdg := os.Getenv(envXDGDataHome); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", appDirName)
	}

	if cwd, err := os.Getwd(); err == nil && cwd != "" {
		return filepath.Join(cwd, appDirName)
	}

	return filepath.Join(os.TempDir(), appDirName)
}

// DataPath joins the data directory with the supplied path elements.
func DataPath(elem ...string) string {
	parts := append([]string{DataDir()}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataPath ensures that the directory composed of data dir + elem exists.
func EnsureDataPath(elem ...string) (string, error) {
	path := DataPath(elem...)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", err
	}
	return path, nil
}

// FleetFile returns the default fleet definition path. A fleet.yaml in the
// working directory wins over the per-user config location.
func FleetFile() string {
	if env := os.Getenv(envFleetFile); env != "" {
		return filepath.Clean(env)
	}
	if _, err := os.Stat(fleetFileName); err == nil {
		return fleetFileName
	}
	if xdg := os.Getenv(envXDGConfig); xdg != "" {
		return filepath.Join(xdg, appDirName, fleetFileName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config", appDirName, fleetFileName)
	}
	return fleetFileName
}
