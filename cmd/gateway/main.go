// Package main is the gateway server entrypoint binary.
//
// It intentionally delegates startup to the internal app package to keep main small,
// testable (via app), and lint-friendly.
package main

import (
	"log/slog"
	"os"

	"github.com/rjcorwin/mew-protocol-sub006/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		slog.Error("gateway.exit", "err", err)
		os.Exit(1)
	}
}
