package config

import (
	"fmt"
	"runtime"
)

// Platform describes the detected host platform.
type Platform struct {
	OS   string // "linux" (only supported host OS for the VM-backed runtime)
	Arch string // "arm64" or "amd64"

	// Backend names the concrete Runtime implementation. "cloud-hypervisor"
	// is the only one implemented today; other values are reserved for
	// future hypervisor backends the Runtime interface could wrap.
	Backend string
}

// DetectPlatform detects the host platform and selects the Runtime backend.
func DetectPlatform() (*Platform, error) {
	p := &Platform{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	switch p.OS {
	case "linux":
		p.Backend = "cloud-hypervisor"
	default:
		return nil, fmt.Errorf("unsupported platform: %s/%s: arca requires a Linux host with KVM", p.OS, p.Arch)
	}

	return p, nil
}
