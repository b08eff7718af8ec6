// Package dbmigrations exposes embedded SQL migrations for perch binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into perch binaries.
//
//go:embed *.sql
var Files embed.FS
