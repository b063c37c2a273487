// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import (
	"os"
	"path/filepath"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile    = "presenced.pid"
	ConfigFile = "config.toml"
	LogFile    = "presenced.log"
	RecordsDir = "records"
	SQLiteFile = "presence.db"
)

// Binary and directory names shared by both commands.
const (
	BinaryName    = "presenced"
	CtlBinaryName = "presencectl"
	DataDirRel    = ".presenced" // relative to $HOME
)

// DataDirEnv overrides the default data directory when set.
const DataDirEnv = "PRESENCED_HOME"

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// DefaultRoot returns $PRESENCED_HOME if set, otherwise ~/.presenced. Falls
// back to ./.presenced if the home directory cannot be determined.
func DefaultRoot() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DataDirRel)
	}
	return filepath.Join(home, DataDirRel)
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Records returns the directory used by the file store backend.
func (d DataDir) Records() string { return filepath.Join(d.Root, RecordsDir) }

// SQLite returns the database path used by the sqlite store backend.
func (d DataDir) SQLite() string { return filepath.Join(d.Root, SQLiteFile) }

// Resolve joins p onto the root unless it is already absolute. Empty stays empty.
func (d DataDir) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.Root, p)
}
