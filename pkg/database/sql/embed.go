// Package sql embeds the gateway's Postgres schema so a single binary can
// bootstrap its own tables.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
