package config

import (
	"os"
	"path/filepath"
)

// Subdirectories spec.md §6 names as created on first init: startup
// datastore content, notification data, and the YANG module search
// path.
const (
	StartupDir       = "data"
	NotificationsDir = "notifications"
	YangDir          = "yang"
)

// EnsureDirs creates cfg's three well-known subdirectories under
// RepoPath if they are missing, using FilePermissions widened with the
// execute bit directories need. Called once by the process that
// creates the main region.
func EnsureDirs(cfg Config) error {
	perm := os.FileMode(cfg.FilePermissions) | 0o100 | 0o010 | 0o001
	for _, name := range []string{StartupDir, NotificationsDir, YangDir} {
		if err := os.MkdirAll(filepath.Join(cfg.RepoPath, name), perm); err != nil {
			return err
		}
	}
	return nil
}
