// Package mounts parses and resolves the bind-mount specs a container is
// created with (spec §4.1 "Volume-mount composition") into the shared-
// directory descriptors the runtime's virtio-fs layer consumes.
package mounts

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/xfeldman/arca/internal/dockererr"
	"github.com/xfeldman/arca/internal/runtime"
)

// Spec is one parsed bind mount, in the same form it is persisted in so a
// restart-recreate reproduces it exactly.
type Spec struct {
	Raw      string // original "src:dst[:ro]" string, persisted verbatim
	Source   string
	Target   string
	ReadOnly bool
}

// Parse parses a single "src:dst[:ro]" bind spec, tilde-expanding src.
func Parse(raw string) (Spec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Spec{}, fmt.Errorf("%w: invalid bind mount %q", dockererr.InvalidArgument, raw)
	}
	src, dst := parts[0], parts[1]
	readOnly := false
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			readOnly = true
		case "rw":
			readOnly = false
		default:
			return Spec{}, fmt.Errorf("%w: invalid bind mount mode %q in %q", dockererr.InvalidArgument, parts[2], raw)
		}
	}
	if src == "" || dst == "" {
		return Spec{}, fmt.Errorf("%w: invalid bind mount %q", dockererr.InvalidArgument, raw)
	}

	expanded, err := expandTilde(src)
	if err != nil {
		return Spec{}, fmt.Errorf("expand bind source %q: %w", src, err)
	}

	return Spec{Raw: raw, Source: expanded, Target: dst, ReadOnly: readOnly}, nil
}

// ParseAll parses every bind spec in binds, in order.
func ParseAll(binds []string) ([]Spec, error) {
	out := make([]Spec, 0, len(binds))
	for _, b := range binds {
		s, err := Parse(b)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Resolve ensures each bind's host-side source exists, creating it for rw
// mounts and failing InvalidArgument for ro mounts whose source is missing,
// then composes the runtime's virtio-fs MountSpecs. tag is deterministic
// per-index so a restart-recreate assigns the same virtio-fs tags.
func Resolve(specs []Spec) ([]runtime.MountSpec, error) {
	out := make([]runtime.MountSpec, 0, len(specs))
	for i, s := range specs {
		info, err := os.Stat(s.Source)
		switch {
		case err == nil:
			if !info.IsDir() {
				return nil, fmt.Errorf("%w: bind source %q is not a directory", dockererr.InvalidArgument, s.Source)
			}
		case os.IsNotExist(err):
			if s.ReadOnly {
				return nil, fmt.Errorf("%w: read-only bind source %q does not exist", dockererr.InvalidArgument, s.Source)
			}
			if err := os.MkdirAll(s.Source, 0755); err != nil {
				return nil, fmt.Errorf("create bind source %q: %w", s.Source, err)
			}
		default:
			return nil, fmt.Errorf("stat bind source %q: %w", s.Source, err)
		}

		out = append(out, runtime.MountSpec{
			Tag:      fmt.Sprintf("bind%d", i),
			HostPath: s.Source,
			ReadOnly: s.ReadOnly,
		})
	}
	return out, nil
}

func expandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return u.HomeDir, nil
	}
	return filepath.Join(u.HomeDir, path[2:]), nil
}
