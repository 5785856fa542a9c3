// Command syncagent runs the edge synchronization agent: it polls BACnet
// meters, persists readings to a local PostgreSQL outbox, uploads them to
// the remote Client System, and mirrors tenant/meter/register configuration
// back down into the local database.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/syncmcp/edge-agent/internal/config"
)

func main() {
	if err := run(); err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "syncagent: "+format+"\n", args...)
	os.Exit(1)
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	app, err := newAgentApp(envCfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer app.closeStores()

	log.Println("[supervisor] startup complete, entering run loop")
	serverErrCh := app.start()
	runtimeErr := waitForShutdown(serverErrCh)

	app.shutdown()

	if runtimeErr != nil {
		return fmt.Errorf("runtime error: %w", runtimeErr)
	}
	return nil
}
