// Command brain runs the decision and safety core: signal admission, the safety
// breaker, reconciliation and the HTTP and IPC surfaces.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rajchodisetti/trading-brain/internal/app"
	"github.com/Rajchodisetti/trading-brain/internal/config"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

var version = "dev"

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "config/brain.yaml", "config path")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(cfgPath, envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := observ.InitLogging(cfg.Logging); err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer observ.CloseLogging()
	observ.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		observ.Error("startup_failed", err, nil)
		os.Exit(1)
	}
	observ.Log("brain_starting", map[string]any{"version": version, "mode": cfg.Service.Mode, "addr": cfg.API.Addr})

	runErr := a.Run(ctx)
	if err := a.Close(); err != nil {
		observ.Error("shutdown_close_failed", err, nil)
	}
	if runErr != nil {
		observ.Error("brain_exited", runErr, nil)
		observ.CloseLogging()
		os.Exit(1)
	}
}
