// Package migrations embeds the goose schema history applied at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
