//go:build cgo

package remote

import (
	_ "github.com/tursodatabase/go-libsql"
)

func init() {
	libsqlAvailable = true
}
