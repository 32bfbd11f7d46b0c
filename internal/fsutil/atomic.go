// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package fsutil provides the filesystem primitives the rest of leaseq
// builds on: atomic record writes, sorted directory listings, and a
// narrow retry helper for transient filesystem errors.
package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lqerrors "github.com/JiwanChung/leaseq/pkg/errors"
	"github.com/google/uuid"
)

// AtomicWriteJSON serializes v and writes it to path such that readers
// never observe a partially written file: it encodes to a sibling temp
// file in the same directory, fsyncs it, then renames it over path.
func AtomicWriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "create parent directory", err).WithDetails(dir)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "encode record", err)
	}

	tmpPath := filepath.Join(dir, ".tmp."+filepath.Base(path)+"."+uuid.NewString())

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "create temp file", err).WithDetails(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "write temp file", err).WithDetails(tmpPath)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "fsync temp file", err).WithDetails(tmpPath)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "close temp file", err).WithDetails(tmpPath)
	}

	renameErr := Retry(func() error {
		return os.Rename(tmpPath, path)
	})
	if renameErr != nil {
		os.Remove(tmpPath)
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "rename into place", renameErr).WithDetails(path)
	}

	return nil
}

// ReadJSON reads and decodes the JSON record at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "read record", err).WithDetails(path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return lqerrors.Wrap(lqerrors.ErrorCodeDecode, "decode record", err).WithDetails(path)
	}
	return nil
}

// ListSorted returns the lex-sorted basenames of dir's immediate regular
// file children, excluding dotfiles. A missing directory yields an empty
// list, not an error — callers cannot distinguish "doesn't exist yet"
// from "empty".
func ListSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lqerrors.Wrap(lqerrors.ErrorCodeIO, "list directory", err).WithDetails(dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TouchIfAbsent creates an empty file at path unless one already exists.
// It never errors because the target already matches.
func TouchIfAbsent(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "stat path", err).WithDetails(path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "create parent directory", err).WithDetails(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "create file", err).WithDetails(path)
	}
	return f.Close()
}

// RemoveIfExists removes path, treating "already gone" as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "remove path", err).WithDetails(path)
	}
	return nil
}

// Rename atomically moves src to dst, used for claim/archive/cancel
// transitions. A missing src (lost race, concurrent remove) is reported
// as a LeaseQError with ErrorCodeClaimRace rather than a generic IO
// failure.
func Rename(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "create parent directory", err).WithDetails(dst)
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return lqerrors.Wrap(lqerrors.ErrorCodeClaimRace, "source vanished before rename", err).WithDetails(src)
		}
		return lqerrors.Wrap(lqerrors.ErrorCodeIO, "rename", err).WithDetails(src + " -> " + dst)
	}
	return nil
}
