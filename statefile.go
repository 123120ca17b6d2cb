package flotilla

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Atomic write discipline for all persisted state: serialize, write a temp
// file in the same directory, rename over the target. Readers racing a
// writer see either the old or the new content, never a partial file.

const (
	writeRetries    = 3
	writeRetryDelay = 25 * time.Millisecond
)

// writeFileAtomic writes data to path via temp-file-and-rename. The rename
// is retried a bounded number of times; on exhaustion a prior backup (if one
// was taken this call) is restored and ErrStateWrite surfaces.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrStateWrite, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStateWrite, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", ErrStateWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", ErrStateWrite, err)
	}

	// Back up the current content so a failed rename can be rolled back.
	backup := path + ".bak"
	hadBackup := false
	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(backup, prev, 0o644); err == nil {
			hadBackup = true
		}
	}

	var renameErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if renameErr = os.Rename(tmpName, path); renameErr == nil {
			if hadBackup {
				os.Remove(backup)
			}
			return nil
		}
		time.Sleep(writeRetryDelay << attempt)
	}

	os.Remove(tmpName)
	if hadBackup {
		if prev, err := os.ReadFile(backup); err == nil {
			_ = os.WriteFile(path, prev, 0o644)
		}
		os.Remove(backup)
	}
	return fmt.Errorf("%w: rename %s: %v", ErrStateWrite, path, renameErr)
}

// writeJSONAtomic marshals v with indentation and writes it atomically.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrStateWrite, path, err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// readJSON loads path into v. A missing file returns os.ErrNotExist.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// removeIfExists deletes path, treating absence as success.
func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
