package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/coaching-backup/interfaces"
)

// fileFolderMeta is the file marking a directory as a folder and holding its creation time.
const fileFolderMeta = ".folder"

// FileDriver stores blobs on the local file system. Folders are sub-directories of the
// base directory; file and folder ids are paths relative to it.
type FileDriver struct {
	baseDir     string
	quota       int64
	log         *slog.Logger
	locationURI string
}

// NewFileDriver creates a file driver rooted at baseDir, creating the directory if needed.
// A zero quota means unlimited.
func NewFileDriver(baseDir string, quota int64, log *slog.Logger) (*FileDriver, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	uri := fmt.Sprintf("file://%s", baseDir)
	if quota > 0 {
		uri += fmt.Sprintf("?quota=%d", quota)
	}

	return &FileDriver{
		baseDir:     baseDir,
		quota:       quota,
		log:         log,
		locationURI: uri,
	}, nil
}

func (b *FileDriver) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileDriver) LocationURI() string {
	return b.locationURI
}

// ValidateCredentials accepts anything; the local file system has no identity.
func (b *FileDriver) ValidateCredentials(interfaces.Credentials) error {
	return nil
}

func (b *FileDriver) Authenticate(ctx context.Context, _ interfaces.Credentials) error {
	return b.Probe(ctx)
}

// Probe checks that the base directory is still accessible.
func (b *FileDriver) Probe(ctx context.Context) error {
	if _, err := os.Stat(b.baseDir); err != nil {
		return fmt.Errorf("%w: base directory: %v", interfaces.ErrTransientNetwork, err)
	}
	return ctx.Err()
}

func (b *FileDriver) FindFolders(ctx context.Context, name string) ([]interfaces.FolderHandle, error) {
	rel, err := b.relative(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(b.baseDir, rel, fileFolderMeta))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read folder metadata: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("corrupt folder metadata for %s: %w", name, err)
	}
	return []interfaces.FolderHandle{{ID: rel, Name: name, CreatedAt: createdAt}}, nil
}

func (b *FileDriver) CreateFolder(ctx context.Context, name string) (interfaces.FolderHandle, error) {
	rel, err := b.relative(name)
	if err != nil {
		return interfaces.FolderHandle{}, err
	}
	dir := filepath.Join(b.baseDir, rel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return interfaces.FolderHandle{}, fmt.Errorf("failed to create folder: %w", err)
	}

	now := time.Now().UTC()
	if err := os.WriteFile(filepath.Join(dir, fileFolderMeta), []byte(now.Format(time.RFC3339Nano)), 0644); err != nil {
		return interfaces.FolderHandle{}, fmt.Errorf("failed to write folder metadata: %w", err)
	}

	b.log.Debug("Created folder", slog.String("path", dir))
	return interfaces.FolderHandle{ID: rel, Name: name, CreatedAt: now}, nil
}

func (b *FileDriver) List(ctx context.Context, folderID string) ([]interfaces.FileInfo, error) {
	rel, err := b.relative(folderID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(b.baseDir, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: folder %s", interfaces.ErrNotFound, folderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read folder: %w", err)
	}

	var files []interfaces.FileInfo
	for _, e := range entries {
		if e.IsDir() || e.Name() == fileFolderMeta {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, interfaces.FileInfo{
			ID:          filepath.ToSlash(filepath.Join(rel, e.Name())),
			Name:        e.Name(),
			Size:        fi.Size(),
			CreatedTime: fi.ModTime().UTC(),
		})
	}
	return files, nil
}

// Put creates a new file exclusively; an existing file yields ErrAlreadyExists.
func (b *FileDriver) Put(ctx context.Context, folderID, name string, payload []byte) (interfaces.FileInfo, error) {
	rel, err := b.relative(filepath.Join(folderID, name))
	if err != nil {
		return interfaces.FileInfo{}, err
	}
	if _, err := os.Stat(filepath.Join(b.baseDir, filepath.Dir(rel))); err != nil {
		return interfaces.FileInfo{}, fmt.Errorf("%w: folder %s", interfaces.ErrNotFound, folderID)
	}

	if b.quota > 0 {
		usage, err := b.usage()
		if err != nil {
			return interfaces.FileInfo{}, err
		}
		if usage+int64(len(payload)) > b.quota {
			return interfaces.FileInfo{}, fmt.Errorf("%w: %d of %d bytes used", interfaces.ErrQuotaExceeded, usage, b.quota)
		}
	}

	filePath := filepath.Join(b.baseDir, rel)
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return interfaces.FileInfo{}, fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, name)
	}
	if err != nil {
		return interfaces.FileInfo{}, fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(filePath)
		return interfaces.FileInfo{}, fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return interfaces.FileInfo{}, fmt.Errorf("failed to close file: %w", err)
	}

	b.log.Debug("Stored content in file", slog.String("path", filePath), slog.Int("size", len(payload)))

	return interfaces.FileInfo{
		ID:          filepath.ToSlash(rel),
		Name:        name,
		Size:        int64(len(payload)),
		CreatedTime: time.Now().UTC(),
		Checksum:    fmt.Sprintf("%x", sha256.Sum256(payload)),
	}, nil
}

func (b *FileDriver) Delete(ctx context.Context, fileID string) error {
	rel, err := b.relative(fileID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(b.baseDir, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, fileID)
	}
	return err
}

func (b *FileDriver) Quota(ctx context.Context) (*interfaces.Quota, error) {
	if b.quota == 0 {
		return nil, nil
	}
	usage, err := b.usage()
	if err != nil {
		return nil, err
	}
	return &interfaces.Quota{Limit: b.quota, Usage: usage}, nil
}

func (b *FileDriver) usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(b.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == fileFolderMeta {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compute usage: %w", err)
	}
	return total, nil
}

// relative cleans an id and rejects anything escaping the base directory.
func (b *FileDriver) relative(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: invalid path %q", interfaces.ErrNotFound, id)
	}
	return clean, nil
}
