package migrations

import (
	"embed"
	"io/fs"
)

// Files exposes embedded SQL migration files, one directory per driver.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS

// Postgres returns the Postgres migrations ordered lexicographically by name.
func Postgres() fs.FS {
	sub, err := fs.Sub(Files, "postgres")
	if err != nil {
		panic(err)
	}
	return sub
}

// SQLite returns the SQLite migrations ordered lexicographically by name.
func SQLite() fs.FS {
	sub, err := fs.Sub(Files, "sqlite")
	if err != nil {
		panic(err)
	}
	return sub
}
