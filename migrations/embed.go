// Package migrations embeds the SQL schema for both storage backends.
package migrations

import "embed"

// FS holds postgres/*.sql and sqlite/*.sql, both in golang-migrate layout.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
