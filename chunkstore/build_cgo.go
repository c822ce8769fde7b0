//go:build cgo

package chunkstore

import (
	// C SQLite driver, noticeably faster when cgo is available.
	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver used by this build.
const DriverName = "sqlite3"
