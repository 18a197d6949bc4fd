// Modsrv is the model service: product/instance composition over raw points
// and the virtual point calculation engine.
//
// Exit codes: 0 clean shutdown, 1 config database missing (run
// `monarch sync modsrv` first), 2 unrecoverable initialization error.
package main

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voltgrid/voltgrid/bootstrap"
	"github.com/voltgrid/voltgrid/modsrv"
	"github.com/voltgrid/voltgrid/modsrv/calc"
)

const defaultPort = 6002

func main() {
	ctx, stop := bootstrap.SignalContext()
	defer stop()

	sys, code, err := bootstrap.Init(ctx, "modsrv")
	if err != nil {
		os.Exit(code)
	}

	calcCfg := calc.DefaultConfig()
	calcCfg.Debounce = time.Duration(sys.Config.Int("calc.debounce_ms", 100)) * time.Millisecond
	calcCfg.Version = sys.Config.String("publish.version", calcCfg.Version)

	svc := modsrv.New(ctx, sys.DB, sys.Client, calcCfg, sys.Log)

	if res, err := svc.ReloadFromDatabase(ctx, sys.DB); err != nil {
		sys.Log.Error("initial_reload_failed", "error", err.Error())
		sys.Close(context.Background())
		os.Exit(bootstrap.ExitInitFailure)
	} else {
		sys.Log.Info("initial_reload_done",
			"added", len(res.Added), "errors", len(res.Errors), "duration_ms", res.DurationMs)
	}

	if err := svc.Start(); err != nil {
		sys.Log.Error("engine_start_failed", "error", err.Error())
		sys.Close(context.Background())
		os.Exit(bootstrap.ExitInitFailure)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sys.Serve(gctx, sys.Config.Port(defaultPort), svc.Router())
	})

	if err := g.Wait(); err != nil {
		sys.Log.Error("service_failed", "error", err.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.Shutdown()
	sys.Close(shutdownCtx)
	os.Exit(bootstrap.ExitOK)
}
