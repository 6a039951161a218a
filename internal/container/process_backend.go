package container

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ProcessBackend creates a plain host-filesystem directory per Container
// id, used as the working directory for the matching runtime.Backend
// process. It is the default backend and always supports quick-launch
// pooling, mirroring the teacher's default local Box/Boxer path with no
// remote dependency.
type ProcessBackend struct {
	BaseDir string

	// BaseImageRef, if set, names an OCI image whose filesystem is
	// extracted into every new container's directory before mounts are
	// applied (e.g. "docker.io/library/alpine:3.19"). Puller defaults to
	// an ImagePuller rooted at BaseDir/.image-cache when left nil.
	BaseImageRef string
	Puller       *ImagePuller
}

func (b *ProcessBackend) SupportsQuickLaunch() bool { return true }

func (b *ProcessBackend) Create(ctx context.Context, id string, mounts []Mount) (*Container, error) {
	if id == "" {
		id = uuid.NewString()
	}
	dir := filepath.Join(b.BaseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if b.BaseImageRef != "" {
		puller := b.Puller
		if puller == nil {
			puller = &ImagePuller{CacheDir: filepath.Join(b.BaseDir, ".image-cache")}
		}
		if err := puller.ExtractRootfs(ctx, b.BaseImageRef, dir); err != nil {
			return nil, err
		}
	}
	for _, m := range mounts {
		target := filepath.Join(dir, m.ContainerPath)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := bindMount(m.HostPath, target, m.ReadOnly); err != nil {
			return nil, err
		}
	}
	return &Container{ID: id, Mounts: mounts}, nil
}

func (b *ProcessBackend) Destroy(ctx context.Context, c *Container) error {
	return os.RemoveAll(filepath.Join(b.BaseDir, c.ID))
}
