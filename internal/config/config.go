package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Config holds arcad runtime configuration.
type Config struct {
	// DataDir is the base directory for arca runtime data.
	DataDir string

	// BinDir is the directory containing arca binaries.
	BinDir string

	// SocketPath is the unix socket path for the arcad API.
	SocketPath string

	// DBPath is the path to the StateStore's SQLite database.
	DBPath string

	// ExitWALPath is the path to the append-only exit-code WAL.
	ExitWALPath string

	// VolumesDir is the directory holding named-volume contents
	// ($HOME/.arca/volumes/<name>/).
	VolumesDir string

	// LogsDir is the directory for per-container log files.
	LogsDir string

	// DefaultMemoryMB is the default VM memory in megabytes.
	DefaultMemoryMB int

	// DefaultVCPUs is the default number of virtual CPUs.
	DefaultVCPUs int

	// NetworkBackend selects the network data plane:
	// "overlay" (default): helper-VM relay with full Docker network semantics.
	// "native": host-native attach-at-create-time only, no port mapping.
	NetworkBackend string

	// KernelPath is the path to the vmlinux kernel image booted for every
	// container VM.
	KernelPath string

	// CloudHypervisorBin is the path to the cloud-hypervisor binary.
	// Empty means search PATH.
	CloudHypervisorBin string

	// VirtiofsdBin is the path to the virtiofsd binary.
	// Empty means search PATH.
	VirtiofsdBin string

	// LogLevel is one of debug/info/warn/error.
	LogLevel string

	// ControlPlaneImage is the image reference booted for the helper VM
	// (arca-control-plane) when the overlay backend needs one and none
	// exists yet.
	ControlPlaneImage string
}

// fileConfig is the JSON shape of $HOME/.arca/config.json. Only fields a
// user would reasonably want to override are exposed here; paths derived
// from DataDir are not.
type fileConfig struct {
	SocketPath        string `json:"socketPath"`
	NetworkBackend    string `json:"networkBackend"`
	KernelPath        string `json:"kernelPath"`
	LogLevel          string `json:"logLevel"`
	ControlPlaneImage string `json:"controlPlaneImage"`
	DefaultMemoryMB   int    `json:"defaultMemoryMB"`
	DefaultVCPUs      int    `json:"defaultVCPUs"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	arcaDir := filepath.Join(homeDir, ".arca")

	return &Config{
		DataDir:           arcaDir,
		BinDir:            executableDir(),
		SocketPath:        filepath.Join(arcaDir, "arcad.sock"),
		DBPath:            filepath.Join(arcaDir, "state.db"),
		ExitWALPath:       filepath.Join(arcaDir, "exit-wal.log"),
		VolumesDir:        filepath.Join(arcaDir, "volumes"),
		LogsDir:           filepath.Join(arcaDir, "logs"),
		DefaultMemoryMB:   512,
		DefaultVCPUs:      1,
		NetworkBackend:    "overlay",
		KernelPath:        filepath.Join(arcaDir, "kernel", "vmlinux"),
		LogLevel:          "info",
		ControlPlaneImage: "arca/control-plane:latest",
	}
}

// Load returns DefaultConfig(), overlaid with $HOME/.arca/config.json if
// that file exists. A missing file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(cfg.DataDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.SocketPath != "" {
		cfg.SocketPath = fc.SocketPath
	}
	if fc.NetworkBackend != "" {
		cfg.NetworkBackend = fc.NetworkBackend
	}
	if fc.KernelPath != "" {
		cfg.KernelPath = fc.KernelPath
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.ControlPlaneImage != "" {
		cfg.ControlPlaneImage = fc.ControlPlaneImage
	}
	if fc.DefaultMemoryMB != 0 {
		cfg.DefaultMemoryMB = fc.DefaultMemoryMB
	}
	if fc.DefaultVCPUs != 0 {
		cfg.DefaultVCPUs = fc.DefaultVCPUs
	}

	return cfg, nil
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Join(c.DataDir, "sockets"),
		filepath.Dir(c.SocketPath),
		c.VolumesDir,
		c.LogsDir,
		filepath.Dir(c.KernelPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveNetworkBackend validates NetworkBackend, defaulting an unset
// value to "overlay". It never guesses based on host platform: unlike the
// hypervisor backend, which is Linux-only by construction, the network
// backend is a semantics choice the operator makes explicitly.
func (c *Config) ResolveNetworkBackend() error {
	switch c.NetworkBackend {
	case "":
		c.NetworkBackend = "overlay"
	case "overlay", "native":
		// explicit choice — keep as-is
	default:
		return fmt.Errorf("unknown networkBackend %q: must be \"overlay\" or \"native\"", c.NetworkBackend)
	}
	return nil
}

// ResolveBinaries eagerly resolves CloudHypervisorBin and VirtiofsdBin if
// they are empty. Called once at startup so the runtime backend and any
// diagnostics share the same discovery result.
func (c *Config) ResolveBinaries() {
	if c.CloudHypervisorBin == "" {
		c.CloudHypervisorBin = FindBinary("cloud-hypervisor", c.BinDir)
	}
	if c.VirtiofsdBin == "" {
		c.VirtiofsdBin = FindBinary("virtiofsd", c.BinDir)
	}
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (BinDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	// 1. PATH
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	// 2. Sibling of the running executable
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	// 3. Known system paths
	for _, dir := range []string{"/usr/lib/arca", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
