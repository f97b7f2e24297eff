// Package migrations embeds the goose SQL migrations of the server and the client cache.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed server/*.sql client/*.sql
var files embed.FS

// Server returns the postgres migrations.
func Server() fs.FS { return sub("server") }

// Client returns the sqlite migrations of the local cache.
func Client() fs.FS { return sub("client") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err) // dir is a compile-time constant
	}
	return f
}
