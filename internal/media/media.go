// Package media computes content hashes for downloaded voice notes and stores
// them in a content-addressed directory tree.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Directory and file permissions for stored media.
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// ErrHashMismatch is returned when an existing blob at a content address does
// not hash to that address.
var ErrHashMismatch = errors.New("stored blob does not match its content hash")

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExtensionFor returns a file extension (with dot) for a mime type, defaulting to ".bin".
func ExtensionFor(mimeType string) string {
	base := strings.TrimSpace(strings.ToLower(mimeType))
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch base {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/amr":
		return ".amr"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "":
		return ".bin"
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// BlobStore writes voice notes under Root as <trial>/<sha[:2]>/<sha><ext>.
type BlobStore struct {
	Root string
}

// NewBlobStore creates the root directory if needed.
func NewBlobStore(root string) (*BlobStore, error) {
	if root == "" {
		return nil, fmt.Errorf("media root not set")
	}
	if err := os.MkdirAll(root, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create media root %s: %w", root, err)
	}
	return &BlobStore{Root: root}, nil
}

// PathFor returns the content address of a blob.
func (b *BlobStore) PathFor(trialID, sha string, mimeType string) string {
	return filepath.Join(b.Root, trialID, sha[:2], sha+ExtensionFor(mimeType))
}

// Put stores data at its content address and returns the path. Writing the
// same bytes twice is a no-op. The write goes to a temporary file that is
// renamed into place so readers never observe a partial blob.
func (b *BlobStore) Put(trialID, sha string, mimeType string, data []byte) (string, error) {
	if len(sha) < 2 {
		return "", fmt.Errorf("invalid content hash %q", sha)
	}
	path := b.PathFor(trialID, sha, mimeType)

	if existing, err := os.ReadFile(path); err == nil {
		if Hash(existing) == sha {
			slog.Debug("BlobStore.Put: blob already present", "path", path)
			return path, nil
		}
		slog.Warn("BlobStore.Put: existing blob hash mismatch, rewriting", "path", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to check existing blob %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return "", fmt.Errorf("failed to create blob directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+sha[:8]+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		return "", fmt.Errorf("failed to chmod blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to move blob into place: %w", err)
	}
	slog.Debug("BlobStore.Put: stored blob", "path", path, "size", humanize.IBytes(uint64(len(data))))
	return path, nil
}

// Verify re-hashes the blob at path and compares it with sha.
func (b *BlobStore) Verify(path, sha string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if Hash(data) != sha {
		return ErrHashMismatch
	}
	return nil
}
