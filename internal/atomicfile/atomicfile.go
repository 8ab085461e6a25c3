// Package atomicfile provides crash-safe JSON and file persistence used
// throughout the orchestrator's on-disk state (task records, the repo
// registry, slot affinity, config).
package atomicfile

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteJSON marshals v and writes it atomically to path (write-to-temp,
// then rename), so external readers never observe a torn write.
func WriteJSON(path string, v interface{}) error {
	return WriteJSONWithPerm(path, v, 0644)
}

// WriteJSONWithPerm is WriteJSON with an explicit file mode.
func WriteJSONWithPerm(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(path, data, perm)
}

// EnsureDirAndWriteJSON creates path's parent directory if needed, then
// atomically writes JSON.
func EnsureDirAndWriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return WriteJSON(path, v)
}

// EnsureDirAndWriteJSONWithPerm is EnsureDirAndWriteJSON with an explicit
// file mode.
func EnsureDirAndWriteJSONWithPerm(path string, v interface{}, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return WriteJSONWithPerm(path, v, perm)
}

// WriteFile writes data to path atomically via a same-directory temp file
// and rename, so a crash mid-write never leaves a torn file at path.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
