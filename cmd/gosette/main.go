// Package main is the gosette command. It serves SQLite, PostgreSQL and
// MySQL databases over HTTP and manages plugins.
//
// Usage:
//
//	gosette serve fixtures.db --root
//	gosette plugins -o json
//	gosette create-plugin gosette-hello
package main

import (
	"os"

	"github.com/gosette/gosette/pkg/hooks"

	// Bundled plugins register themselves in init.
	_ "github.com/gosette/gosette/plugins/actorauth"
	_ "github.com/gosette/gosette/plugins/defaultperms"
	_ "github.com/gosette/gosette/plugins/eventlog"
)

func main() {
	if err := newRootCmd(hooks.Default).Execute(); err != nil {
		os.Exit(1)
	}
}
