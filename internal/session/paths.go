package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wahist.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wahist")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// LockPath returns the lock file path for an account.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// SessionDBPath returns the whatsmeow session.db path.
func SessionDBPath(name string) string {
	return filepath.Join(Dir(name), "session.db")
}

// DurableDBPath returns the durable message store path.
func DurableDBPath(name string) string {
	return filepath.Join(Dir(name), "wahist.db")
}

// StagingDBPath returns the staging store path. Initial bulk history
// deliveries land here until the merger promotes them into the durable store.
func StagingDBPath(name string) string {
	return filepath.Join(Dir(name), "staging.db")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "wahistd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
