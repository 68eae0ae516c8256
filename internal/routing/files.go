package routing

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const confExt = ".conf"

// FileManager writes config files into the available directory and
// activates them with a symlink in the enabled directory.
type FileManager struct {
	availableDir string
	enabledDir   string
}

// NewFileManager creates a file manager, creating both directories if needed.
func NewFileManager(availableDir, enabledDir string) (*FileManager, error) {
	for _, dir := range []string{availableDir, enabledDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &FileManager{availableDir: availableDir, enabledDir: enabledDir}, nil
}

func (f *FileManager) availablePath(name string) string {
	return filepath.Join(f.availableDir, name+confExt)
}

func (f *FileManager) enabledPath(name string) string {
	return filepath.Join(f.enabledDir, name+confExt)
}

// Apply writes content for name and makes sure it is enabled. It reports
// whether anything on disk changed.
func (f *FileManager) Apply(name, content string) (bool, error) {
	path := f.availablePath(name)

	wrote, err := writeIfChanged(path, []byte(content))
	if err != nil {
		return false, err
	}

	linked, err := f.link(path, f.enabledPath(name))
	if err != nil {
		return wrote, err
	}

	return wrote || linked, nil
}

// Remove deletes the symlink and the file for name. Missing files are not an
// error. It reports whether anything was removed.
func (f *FileManager) Remove(name string) (bool, error) {
	changed := false
	for _, path := range []string{f.enabledPath(name), f.availablePath(name)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			changed = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return changed, fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return changed, nil
}

// Read returns the content written for name.
func (f *FileManager) Read(name string) (string, error) {
	data, err := os.ReadFile(f.availablePath(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ModTime returns when the file for name was last written.
func (f *FileManager) ModTime(name string) (time.Time, error) {
	info, err := os.Stat(f.availablePath(name))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Enabled reports whether name is linked into the enabled directory.
func (f *FileManager) Enabled(name string) bool {
	target, err := os.Readlink(f.enabledPath(name))
	return err == nil && target == f.availablePath(name)
}

// List returns the names of the available files starting with prefix.
func (f *FileManager) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.availableDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", f.availableDir, err)
	}

	var names []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), confExt)
		if !ok || e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// link points linkPath at target. An existing link with the same target is
// left alone; anything else at linkPath is replaced.
func (f *FileManager) link(target, linkPath string) (bool, error) {
	current, err := os.Readlink(linkPath)
	switch {
	case err == nil && current == target:
		return false, nil
	case err == nil:
		log.Warn().Str("link", linkPath).Str("target", current).Msg("Replacing symlink with unexpected target")
	case errors.Is(err, fs.ErrNotExist):
	default:
		// something that is not a symlink is in the way
		log.Warn().Err(err).Str("link", linkPath).Msg("Replacing non-symlink in enabled directory")
	}

	tmp := stagingLinkPath(linkPath)
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return false, fmt.Errorf("failed to create symlink %s: %w", linkPath, err)
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to activate symlink %s: %w", linkPath, err)
	}
	return true, nil
}

// stagingLinkPath is where a symlink is built before it is renamed into
// place. The name is hidden and lacks the config extension so neither an
// include of dir/* nor of dir/*.conf picks it up.
func stagingLinkPath(linkPath string) string {
	return filepath.Join(filepath.Dir(linkPath), "."+filepath.Base(linkPath)+".link")
}

// writeIfChanged replaces path atomically unless it already holds data.
func writeIfChanged(path string, data []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return true, nil
}
