// Comsrv is the communication service: per-channel protocol state machines
// feeding the real-time data bus.
//
// Usage:
//
//	DATABASE_DIR=/var/lib/voltgrid REDIS_URL=redis://127.0.0.1:6379/0 comsrv
//
// Exit codes: 0 clean shutdown, 1 config database missing (run
// `monarch sync comsrv` first), 2 unrecoverable initialization error.
package main

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voltgrid/voltgrid/bootstrap"
	"github.com/voltgrid/voltgrid/comsrv"
	"github.com/voltgrid/voltgrid/rtdb"
)

const defaultPort = 6001

func main() {
	ctx, stop := bootstrap.SignalContext()
	defer stop()

	sys, code, err := bootstrap.Init(ctx, "comsrv")
	if err != nil {
		os.Exit(code)
	}

	pubCfg := rtdb.DefaultPublisherConfig("comsrv")
	pubCfg.Enabled = sys.Config.Bool("publish.enabled", true)
	pubCfg.BatchSize = sys.Config.Int("publish.batch_size", pubCfg.BatchSize)
	pubCfg.BatchTimeout = time.Duration(sys.Config.Int("publish.batch_timeout_ms", 50)) * time.Millisecond
	pubCfg.Version = sys.Config.String("publish.version", pubCfg.Version)
	pub := rtdb.NewChangePublisher(sys.Client, pubCfg, sys.Log)

	svc := comsrv.New(ctx, sys.DB, sys.Client, pub, sys.Log)

	// Converge the runtime with the store before serving; startup after a
	// crash mid-reload lands here too.
	if res, err := svc.ReloadFromDatabase(ctx, sys.DB); err != nil {
		sys.Log.Error("initial_reload_failed", "error", err.Error())
		sys.Close(context.Background())
		os.Exit(bootstrap.ExitInitFailure)
	} else {
		sys.Log.Info("initial_reload_done",
			"added", len(res.Added), "errors", len(res.Errors), "duration_ms", res.DurationMs)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sys.Serve(gctx, sys.Config.Port(defaultPort), svc.Router())
	})

	if err := g.Wait(); err != nil {
		sys.Log.Error("service_failed", "error", err.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	svc.Shutdown(shutdownCtx)
	pub.Close()
	sys.Close(shutdownCtx)
	os.Exit(bootstrap.ExitOK)
}
