// Command server runs the Dispatch Core process: HTTP admission/queue
// surface, the dispatcher loop, worker registry heartbeat sweep, and the
// WebSocket worker channel.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fluxgate/dispatchcore/internal/app"
	"github.com/fluxgate/dispatchcore/internal/logging"
)

func main() {
	log, err := logging.New(os.Getenv("LOG_MODE"))
	if err != nil {
		panic(err)
	}
	defer log.SugaredLogger.Sync()

	cfg := app.Load(log)

	a, err := app.New(log, cfg)
	if err != nil {
		log.Fatal("failed to initialize dispatch core", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Fatal("dispatch core exited with error", "error", err)
	}
}
