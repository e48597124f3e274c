// Package migrations holds the versioned SQL schema of the billing engine.
package migrations

import "embed"

// FS contains the up and down migration files
//
//go:embed *.sql
var FS embed.FS
