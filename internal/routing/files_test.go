package routing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFileManager(t *testing.T) (*FileManager, string, string) {
	t.Helper()
	root := t.TempDir()
	available := filepath.Join(root, "sites-available")
	enabled := filepath.Join(root, "sites-enabled")
	f, err := NewFileManager(available, enabled)
	require.NoError(t, err)
	return f, available, enabled
}

func TestFileManagerApply(t *testing.T) {
	f, available, enabled := newFileManager(t)

	changed, err := f.Apply("store_a", "server {}\n")
	require.NoError(t, err)
	require.True(t, changed)

	target, err := os.Readlink(filepath.Join(enabled, "store_a.conf"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(available, "store_a.conf"), target)
	require.True(t, f.Enabled("store_a"))

	t.Run("same content is unchanged", func(t *testing.T) {
		changed, err := f.Apply("store_a", "server {}\n")
		require.NoError(t, err)
		require.False(t, changed)
	})

	t.Run("new content is written", func(t *testing.T) {
		changed, err := f.Apply("store_a", "server { listen 80; }\n")
		require.NoError(t, err)
		require.True(t, changed)

		content, err := f.Read("store_a")
		require.NoError(t, err)
		require.Equal(t, "server { listen 80; }\n", content)
	})

	t.Run("wrong link target is replaced", func(t *testing.T) {
		link := filepath.Join(enabled, "store_a.conf")
		require.NoError(t, os.Remove(link))
		require.NoError(t, os.Symlink("/tmp/elsewhere.conf", link))

		changed, err := f.Apply("store_a", "server { listen 80; }\n")
		require.NoError(t, err)
		require.True(t, changed)
		require.True(t, f.Enabled("store_a"))
	})

	t.Run("regular file in enabled dir is replaced", func(t *testing.T) {
		link := filepath.Join(enabled, "store_a.conf")
		require.NoError(t, os.Remove(link))
		require.NoError(t, os.WriteFile(link, []byte("stale"), 0o644))

		changed, err := f.Apply("store_a", "server { listen 80; }\n")
		require.NoError(t, err)
		require.True(t, changed)
		require.True(t, f.Enabled("store_a"))
	})

	t.Run("stale staging link is replaced", func(t *testing.T) {
		link := filepath.Join(enabled, "store_a.conf")
		require.NoError(t, os.Remove(link))
		require.NoError(t, os.Symlink("/tmp/elsewhere.conf", stagingLinkPath(link)))

		changed, err := f.Apply("store_a", "server { listen 80; }\n")
		require.NoError(t, err)
		require.True(t, changed)
		require.True(t, f.Enabled("store_a"))
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(available)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		entries, err = os.ReadDir(enabled)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "store_a.conf", entries[0].Name())
	})
}

func TestStagingLinkPath(t *testing.T) {
	link := filepath.Join("/etc/nginx/sites-enabled", "store_a.conf")
	staging := stagingLinkPath(link)

	require.Equal(t, "/etc/nginx/sites-enabled", filepath.Dir(staging))

	// hidden from include dir/* and not matched by include dir/*.conf
	require.True(t, strings.HasPrefix(filepath.Base(staging), "."))
	require.False(t, strings.HasSuffix(staging, confExt))
}

func TestFileManagerModTime(t *testing.T) {
	f, available, _ := newFileManager(t)

	_, err := f.ModTime("store_a")
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = f.Apply("store_a", "server {}\n")
	require.NoError(t, err)

	written := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(available, "store_a.conf"), written, written))

	modTime, err := f.ModTime("store_a")
	require.NoError(t, err)
	require.True(t, written.Equal(modTime))
}

func TestFileManagerRemove(t *testing.T) {
	f, available, enabled := newFileManager(t)

	_, err := f.Apply("store_a", "server {}\n")
	require.NoError(t, err)

	changed, err := f.Remove("store_a")
	require.NoError(t, err)
	require.True(t, changed)

	require.NoFileExists(t, filepath.Join(available, "store_a.conf"))
	_, err = os.Lstat(filepath.Join(enabled, "store_a.conf"))
	require.ErrorIs(t, err, os.ErrNotExist)

	changed, err = f.Remove("store_a")
	require.NoError(t, err)
	require.False(t, changed)
}

func TestFileManagerList(t *testing.T) {
	f, _, _ := newFileManager(t)

	for _, name := range []string{"store_b", "platform", "store_a"} {
		_, err := f.Apply(name, name)
		require.NoError(t, err)
	}

	names, err := f.List("store_")
	require.NoError(t, err)
	require.Equal(t, []string{"store_a", "store_b"}, names)
}
