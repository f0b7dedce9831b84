package paths

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func xdgDir(envVar, fallbackSuffix string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, "cws")
	}
	return filepath.Join(homeDir(), fallbackSuffix, "cws")
}

// StateDir returns the cws state directory ($XDG_STATE_HOME/cws).
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// RuntimeDir returns the cws runtime directory for sockets and locks.
// Falls back to $XDG_STATE_HOME/cws if XDG_RUNTIME_DIR is unset.
func RuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, "cws")
	}
	return StateDir()
}

// WorkspaceKey derives a short stable name for a canonical workspace root.
func WorkspaceKey(root string) string {
	sum := blake3.Sum256([]byte(filepath.Clean(root)))
	return hex.EncodeToString(sum[:])[:16]
}

// SocketPath returns the default daemon socket for a workspace.
func SocketPath(root string) string {
	return filepath.Join(RuntimeDir(), WorkspaceKey(root)+".sock")
}

// LockPath returns the per-workspace daemon lock file.
func LockPath(root string) string {
	return filepath.Join(RuntimeDir(), WorkspaceKey(root)+".lock")
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
