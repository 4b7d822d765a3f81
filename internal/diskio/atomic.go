// Package diskio provides small local-filesystem helpers the engine
// lease uses for its pid/refs files: atomic writes and JSON
// read/write-with-defaults, shaped as small focused package-level
// functions, applied here to local files rather than network
// downloads.
package diskio

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path by writing to a temp file in the
// same directory and renaming over the destination, so concurrent
// readers never observe a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// ReadJSON reads and unmarshals path into v. A missing file is not an
// error; v is left at its zero value.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// WriteJSON marshals v and writes it atomically to path.
func WriteJSON(path string, v interface{}, perm os.FileMode) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, perm)
}
