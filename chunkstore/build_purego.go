//go:build !cgo

package chunkstore

import (
	// Pure-Go SQLite driver, used when cgo is unavailable.
	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver used by this build.
const DriverName = "sqlite"
