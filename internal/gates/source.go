// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gates

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSource supplies file contents to gates. Gates never read files on
// their own.
type FileSource interface {
	ReadFile(ctx context.Context, path string) (string, error)
}

// MapSource serves file contents from memory.
type MapSource map[string]string

// ReadFile returns the stored contents of path.
func (m MapSource) ReadFile(_ context.Context, path string) (string, error) {
	content, ok := m[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return content, nil
}

// DirSource reads files below Root. Paths escaping Root are rejected.
type DirSource struct {
	Root string
	// MaxBytes bounds a single read. Zero means 1 MiB.
	MaxBytes int64
}

// ReadFile reads path relative to Root.
func (d DirSource) ReadFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", err
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, path)
	}
	full = filepath.Clean(full)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", path, root)
	}

	limit := d.MaxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", err
	}
	if info.Size() > limit {
		return "", fmt.Errorf("%s exceeds %d bytes", path, limit)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
