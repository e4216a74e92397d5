// Package localsync moves files between the sandbox and the user's machine:
// downloads into a local sync folder, deletions from it, and an optional
// watcher that mirrors local edits into the sandbox.
package localsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kehao95/sandcastle/internal/sandbox"
)

// ErrOutsideRoot is returned for a path that resolves to the folder root
// where a child path is required.
var ErrOutsideRoot = errors.New("path must name an entry inside the sync folder")

// RemoteFS is the part of a sandbox environment a download needs.
type RemoteFS interface {
	Stat(ctx context.Context, path string) (sandbox.FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListFiles(ctx context.Context, dir string) ([]sandbox.FileInfo, error)
}

// Folder is a local directory that every path is anchored in.
type Folder struct {
	root string
}

// NewFolder creates dir if needed.
func NewFolder(dir string) (*Folder, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving sync folder: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating sync folder: %w", err)
	}
	return &Folder{root: abs}, nil
}

func (f *Folder) Root() string { return f.root }

// SafeJoin resolves rel inside the folder. Leading slashes and ".."
// segments cannot climb above the root.
func (f *Folder) SafeJoin(rel string) string {
	clean := filepath.Clean(string(filepath.Separator) + filepath.FromSlash(rel))
	return filepath.Join(f.root, clean)
}

// Download copies remotePath (a file or a directory tree) into the folder
// at localRel, which defaults to the remote base name. It returns the
// number of files written.
func (f *Folder) Download(ctx context.Context, src RemoteFS, remotePath, localRel string) (int, error) {
	if localRel == "" {
		localRel = path.Base(path.Clean(remotePath))
	}
	dst := f.SafeJoin(localRel)
	if dst == f.root {
		return 0, ErrOutsideRoot
	}
	return f.download(ctx, src, path.Clean(remotePath), dst)
}

func (f *Folder) download(ctx context.Context, src RemoteFS, remote, dst string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := src.Stat(ctx, remote)
	if err != nil {
		if sandbox.IsNotFound(err) {
			return 0, err
		}
		return 0, fmt.Errorf("downloading %s: %w", remote, err)
	}
	if info.IsDir {
		return f.downloadDir(ctx, src, remote, dst)
	}

	data, err := src.ReadFile(ctx, remote)
	if err != nil {
		return 0, fmt.Errorf("downloading %s: %w", remote, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *Folder) downloadDir(ctx context.Context, src RemoteFS, remote, dst string) (int, error) {
	entries, err := src.ListFiles(ctx, remote)
	if err != nil {
		if sandbox.IsNotFound(err) {
			return 0, err
		}
		return 0, fmt.Errorf("downloading %s: %w", remote, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		n, err := f.download(ctx, src, path.Join(remote, e.Name), filepath.Join(dst, e.Name))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Delete removes localRel, file or directory, from the folder.
func (f *Folder) Delete(localRel string) error {
	p := f.SafeJoin(localRel)
	if p == f.root {
		return ErrOutsideRoot
	}
	if _, err := os.Lstat(p); err != nil {
		return fmt.Errorf("deleting %s: %w", localRel, err)
	}
	return os.RemoveAll(p)
}

// Rel returns p relative to the folder root, with forward slashes.
func (f *Folder) Rel(p string) string {
	rel, err := filepath.Rel(f.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return filepath.ToSlash(rel)
}
