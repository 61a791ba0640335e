// SPDX-License-Identifier: MIT

// Package fsutil lays out the on-disk artifact tree: bucketed recording
// directories, deterministic artifact names and confinement checks.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// Artifact kinds appearing in recording filenames.
const (
	KindUpload    = "upload"
	KindArchive   = "archive"
	KindNarration = "tts"
)

// BucketDir returns the bucket directory an id lands in: ids 1..bucket share
// bucket, ids bucket+1..2*bucket share 2*bucket, and so on.
func BucketDir(base string, id, bucket int64) string {
	if bucket <= 0 {
		bucket = 1
	}
	top := (id + bucket - 1) / bucket * bucket
	return filepath.Join(base, fmt.Sprintf("%d", top))
}

// ArtifactName builds the canonical recording filename:
// {rec}_{snap}_{host}_{Y}_{M}_{D}_{kind}.{ext}. The host is flattened so the
// name stays a single path element on every filesystem.
func ArtifactName(recordingID, snapshotID int64, host string, t time.Time, kind, ext string) string {
	return fmt.Sprintf("%d_%d_%s_%04d_%02d_%02d_%s.%s",
		recordingID, snapshotID, safeHost(host),
		t.Year(), int(t.Month()), t.Day(), kind, ext)
}

func safeHost(host string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, host)
}

// Confine resolves path relative to base and rejects escapes. Artifact names
// come from the database, so a poisoned row must not write outside the tree.
func Confine(base, path string) (string, error) {
	full := filepath.Join(base, path)
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absBase && !strings.HasPrefix(absFull, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("fsutil: path %q escapes %q", path, base)
	}
	return absFull, nil
}

// WriteFileAtomic writes a file through a temp name and rename, creating
// parent directories as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, perm)
}
