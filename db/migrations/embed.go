// Package dbmigrations exposes embedded SQL migrations for bastion binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into bastion binaries.
//
//go:embed *.sql
var Files embed.FS
