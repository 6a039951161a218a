package container

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
)

// ImagePuller makes sure a container backend's base filesystem image is
// present in a local OCI layout cache before a container is created from
// it, pulling from a registry on a cache miss.
//
// Generalized from the teacher's Boxer.EnsureImage/pullImage (boxer.go):
// same check-then-pull shape, but "list installed images" becomes "stat
// the local OCI layout path" and the "apple container" CLI subprocess is
// replaced with github.com/google/go-containerregistry's crane client,
// since this module targets Linux containers directly rather than
// shelling out to a macOS-only CLI.
type ImagePuller struct {
	CacheDir string
}

// EnsurePresent returns the local OCI layout path for ref, pulling it into
// CacheDir first if it is not already cached there.
func (p *ImagePuller) EnsurePresent(ctx context.Context, ref string) (string, error) {
	dest := filepath.Join(p.CacheDir, layoutDirName(ref))

	if _, err := layout.FromPath(dest); err == nil {
		return dest, nil
	}

	img, err := crane.Pull(ref, crane.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("container: pulling image %q: %w", ref, err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("container: creating image cache dir: %w", err)
	}
	idx, err := layout.Write(dest, empty.Index)
	if err != nil {
		return "", fmt.Errorf("container: initializing image layout: %w", err)
	}
	if err := idx.AppendImage(img); err != nil {
		return "", fmt.Errorf("container: writing image to layout: %w", err)
	}
	return dest, nil
}

// ExtractRootfs pulls ref (via EnsurePresent) and unpacks every layer of
// its default platform image, in order, into destDir - giving a
// ProcessBackend container a real base filesystem to chroot or bind-mount
// against instead of an empty directory.
func (p *ImagePuller) ExtractRootfs(ctx context.Context, ref, destDir string) error {
	layoutPath, err := p.EnsurePresent(ctx, ref)
	if err != nil {
		return err
	}
	idx, err := layout.FromPath(layoutPath)
	if err != nil {
		return fmt.Errorf("container: reopening image layout: %w", err)
	}
	imageIndex, err := idx.ImageIndex()
	if err != nil {
		return fmt.Errorf("container: reading image index: %w", err)
	}
	manifest, err := imageIndex.IndexManifest()
	if err != nil {
		return fmt.Errorf("container: reading index manifest: %w", err)
	}
	if len(manifest.Manifests) == 0 {
		return fmt.Errorf("container: image %q has no manifests", ref)
	}
	img, err := imageIndex.Image(manifest.Manifests[0].Digest)
	if err != nil {
		return fmt.Errorf("container: reading image: %w", err)
	}
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("container: reading layers: %w", err)
	}

	for _, l := range layers {
		rc, err := l.Uncompressed()
		if err != nil {
			return fmt.Errorf("container: reading layer: %w", err)
		}
		err = extractLayer(destDir, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractLayer(destDir string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("container: reading layer entry: %w", err)
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			// Symlink and hard-link entries from image layers are skipped:
			// this extractor builds a flattened read-only base, not a full
			// union-mount overlay. Whiteout markers (".wh." files) are
			// regular entries and are written out as ordinary files.
		}
	}
}

// safeJoin rejects archive entries that would escape destDir, mirroring
// the Archive Codec's own path-traversal guard.
func safeJoin(destDir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("container: layer entry %q escapes extraction root", name)
	}
	return filepath.Join(destDir, clean), nil
}

func layoutDirName(ref string) string {
	out := make([]byte, 0, len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
