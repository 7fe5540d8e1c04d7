// Package migrations embeds the schema history shipped with the binary.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
