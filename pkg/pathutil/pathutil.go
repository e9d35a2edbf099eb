// Package pathutil resolves the prioritized list of shared-cache
// directories the discovery scanner searches for segment files: an
// app-group container first (Apple sandboxed builds), the real per-user
// cache directory second, then a platform-specific tail of fallbacks.
package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
)

const appGroupEnv = "M1_APP_GROUP_CONTAINER"

// SharedDirectories returns the prioritized directory list, most
// preferred first. Entries are not guaranteed to exist; callers should
// tolerate a missing directory when listing it.
func SharedDirectories() []string {
	var dirs []string

	if group := appGroupContainer(); group != "" {
		dirs = append(dirs, filepath.Join(group, "Library", "Caches", "M1-Panner"))
	}

	if home, ok := os.LookupEnv("HOME"); ok && home != "" {
		dirs = append(dirs, filepath.Join(home, "Library", "Caches", "M1-Panner"))
	}

	dirs = append(dirs, fallbackDirectories()...)
	return dirs
}

// appGroupContainer reports the sandboxed app-group container path, when
// one is configured. App Groups are an Apple-only sandboxing concept with
// no portable OS query, so it is surfaced through an environment variable
// an installer can set.
func appGroupContainer() string {
	if runtime.GOOS != "darwin" {
		return ""
	}
	return os.Getenv(appGroupEnv)
}

// fallbackDirectories returns the platform-specific tail of the search
// path, after the app-group and primary cache entries.
func fallbackDirectories() []string {
	var dirs []string

	switch runtime.GOOS {
	case "darwin":
		if home, ok := os.LookupEnv("HOME"); ok && home != "" {
			dirs = append(dirs,
				filepath.Join(home, "Library", "Caches", "M1-Panner"),
				filepath.Join(home, "Library", "Containers", "com.mach1.spatial.helper", "Data", "Library", "Caches", "M1-Panner"),
				filepath.Join(home, "Library", "Caches", "m1-system-helper", "M1-Panner"),
			)
		}
		dirs = append(dirs, filepath.Join(string(filepath.Separator), "tmp", "M1-Panner"))

	case "windows":
		if appData, ok := os.LookupEnv("LOCALAPPDATA"); ok && appData != "" {
			dirs = append(dirs, filepath.Join(appData, "M1-Panner"))
		}
		if temp, ok := os.LookupEnv("TEMP"); ok && temp != "" {
			dirs = append(dirs, filepath.Join(temp, "M1-Panner"))
		}

	default: // linux and other unix
		if home, ok := os.LookupEnv("HOME"); ok && home != "" {
			dirs = append(dirs,
				filepath.Join(home, ".cache", "M1-Panner"),
				filepath.Join(home, ".local", "share", "M1-Panner"),
			)
		}
		dirs = append(dirs, filepath.Join(string(filepath.Separator), "tmp", "M1-Panner"))
	}

	return dirs
}
