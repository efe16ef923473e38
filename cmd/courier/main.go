// Command courier runs the message store service with its ops endpoints.
package main

import (
	"log/slog"
	"os"

	"courier/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		slog.Error("courier.exit", "err", err)
		os.Exit(1)
	}
}
