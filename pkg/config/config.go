// Package config resolves the process-lifetime singletons the rest of
// the daemon treats as immutable: the app-data root, the debug flags,
// and the service-label prefix used to register/deregister sandbox
// helpers with the host service manager.
package config

import (
	"os"
	"path/filepath"
)

const (
	// DefaultLabelPrefix namespaces helper service labels, e.g.
	// "com.hyperbox.sandboxd.<runtimeHandler>.<id>".
	DefaultLabelPrefix = "com.hyperbox.sandboxd"

	envDebug             = "CONTAINER_DEBUG"
	envDebugLaunchdLabel = "CONTAINER_DEBUG_LAUNCHD_LABEL"
	envAppRoot           = "CONTAINER_APP_ROOT"
)

// Config is resolved once at process start from the environment and
// passed down explicitly; nothing in this package is read again after
// Load returns.
type Config struct {
	// Debug enables verbose logging across all components.
	Debug bool

	// DebugLaunchdLabel, when non-empty, names a helper service label
	// that should block at spawn until a debugger attaches.
	DebugLaunchdLabel string

	// AppRoot is the application-data root, conventionally
	// ~/Library/Application Support/com.apple.container equivalents.
	AppRoot string

	// LabelPrefix namespaces every helper service label.
	LabelPrefix string
}

// Load resolves Config from the environment, applying the layout
// defaults described in the persisted-layout section of the design.
func Load() (Config, error) {
	cfg := Config{
		Debug:             os.Getenv(envDebug) != "",
		DebugLaunchdLabel: os.Getenv(envDebugLaunchdLabel),
		LabelPrefix:       DefaultLabelPrefix,
	}

	if root := os.Getenv(envAppRoot); root != "" {
		cfg.AppRoot = root
		return cfg, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	cfg.AppRoot = filepath.Join(home, "Library", "Application Support", "com.hyperbox.sandboxd")
	return cfg, nil
}

// ContainersDir is "<root>/containers".
func (c Config) ContainersDir() string { return filepath.Join(c.AppRoot, "containers") }

// VolumesDir is "<root>/volumes".
func (c Config) VolumesDir() string { return filepath.Join(c.AppRoot, "volumes") }

// ImagesDir is "<root>/images" (owned by the out-of-scope image store).
func (c Config) ImagesDir() string { return filepath.Join(c.AppRoot, "images") }

// NetworksDir is "<root>/networks" (owned by the out-of-scope network driver state).
func (c Config) NetworksDir() string { return filepath.Join(c.AppRoot, "networks") }

// BundleDir is "<root>/containers/<id>".
func (c Config) BundleDir(id string) string { return filepath.Join(c.ContainersDir(), id) }

// VolumeDir is "<root>/volumes/<name>".
func (c Config) VolumeDir(name string) string { return filepath.Join(c.VolumesDir(), name) }
