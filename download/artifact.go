package download

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ResolveArtifact finds the file a finished download produced. The path the
// tool announced wins when it exists; otherwise the newest file in dir with
// extension ext is used. It returns "" when nothing matches.
func ResolveArtifact(dir, announced, ext string) (string, error) {
	if announced != "" {
		path := announced
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return NewestWithExt(dir, ext)
}

// NewestWithExt returns the most recently modified regular file in dir whose
// extension matches ext case-insensitively.
func NewestWithExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	want := "." + strings.TrimPrefix(ext, ".")
	var (
		newest   string
		newestAt time.Time
	)
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), want) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest = filepath.Join(dir, e.Name())
			newestAt = info.ModTime()
		}
	}
	return newest, nil
}
