package lease

import (
	"os"
	"path/filepath"
)

const appDirName = "com.theproxycompany"

// ResolveCacheRoot resolves the cache root by precedence: the
// ORCHARD_IPC_ROOT env var overrides everything; then $XDG_CACHE_HOME
// joined with the app directory name; otherwise os.UserCacheDir()
// (~/.cache on Linux, ~/Library/Caches on macOS) joined with it.
func ResolveCacheRoot() (string, error) {
	if root := os.Getenv("ORCHARD_IPC_ROOT"); root != "" {
		return root, nil
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

// socketDir returns <cacheRoot>/ipc, where the three socket files live.
func socketDir(cacheRoot string) string {
	return filepath.Join(cacheRoot, "ipc")
}
