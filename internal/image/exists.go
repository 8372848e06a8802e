// Package image resolves whether a referenced OCI image is available,
// using the same registry client the teacher used for full pulls. Actually
// pulling and unpacking an image into a VM rootfs is out of scope (spec
// §1 "image pull/storage ... referenced by interface only"); ContainerManager
// only needs to know an image exists before it composes a VM config from it.
package image

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/xfeldman/arca/internal/dockererr"
)

// vmArch is the guest architecture images must provide a linux variant
// for — Cloud Hypervisor runs native, so this always matches the host.
func vmArch() string {
	return goruntime.GOARCH
}

// Resolver checks image existence against a registry (or a local image
// store, once one exists) without pulling image layers.
type Resolver struct{}

func NewResolver() *Resolver { return &Resolver{} }

// Exists resolves imageRef and confirms a linux/<hostarch> variant is
// present, without downloading any layer. Returns false with a nil error
// if the reference cannot be fetched or has no matching platform variant
// (RequireExists turns that into dockererr.NotFound); an unparsable
// reference returns an error.
func (r *Resolver) Exists(ctx context.Context, imageRef string) (bool, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return false, fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	arch := vmArch()
	platform := &v1.Platform{OS: "linux", Architecture: arch}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return false, nil
	}

	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return false, fmt.Errorf("get image index: %w", err)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return false, fmt.Errorf("get index manifest: %w", err)
		}
		for _, m := range manifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == arch {
				return true, nil
			}
		}
		return false, nil
	default:
		img, err := desc.Image()
		if err != nil {
			return false, fmt.Errorf("get image: %w", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return false, fmt.Errorf("get image config: %w", err)
		}
		return cfg.OS == "linux" && cfg.Architecture == arch, nil
	}
}

// RequireExists is a convenience wrapper returning dockererr.NotFound when
// the image is missing, for callers that just want an error to propagate.
func (r *Resolver) RequireExists(ctx context.Context, imageRef string) error {
	ok, err := r.Exists(ctx, imageRef)
	if err != nil {
		return fmt.Errorf("check image %s: %w", imageRef, err)
	}
	if !ok {
		return fmt.Errorf("%w: image %s", dockererr.NotFound, imageRef)
	}
	return nil
}
