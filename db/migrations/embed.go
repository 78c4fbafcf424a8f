// Package dbmigrations exposes embedded SQL migrations for sentinel binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into sentinel binaries.
//
//go:embed *.sql
var Files embed.FS
