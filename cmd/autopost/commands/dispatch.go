package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/teranos/autopost/am"
	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/poster"
	"github.com/teranos/autopost/pulse/budget"
	"github.com/teranos/autopost/pulse/dispatch"
	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/server"
	"github.com/teranos/autopost/sym"
)

// ProcessCmd runs a single poll cycle
var ProcessCmd = &cobra.Command{
	Use:   "process",
	Short: sym.Pulse + " Post everything that is due, once",
	Long: sym.Pulse + ` process — run one dispatch cycle

Claims due jobs, posts them and records the outcome. Suitable for cron or a
systemd timer; several processes may run at once against the same database.`,
	RunE: runProcess,
}

// RunCmd runs the daemon
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Pulse + " Run the dispatch daemon",
	Long: sym.Pulse + ` run — dispatch on the configured cron cadence until interrupted

Also serves the read-only HTTP surface when server.addr is set, writes a
snapshot after each cycle when paths.snapshot is set, and reflows scheduled
posts when the posting windows in the config file change.

Examples:
  autopost run
  autopost run --dry-run --json-logs`,
	RunE: runDaemon,
}

var dryRun bool

func init() {
	ProcessCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log posts instead of publishing them")
	RunCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log posts instead of publishing them")
}

// newWorker builds the poster and worker from configuration
func newWorker(a *app, metrics *dispatch.Metrics) (*dispatch.Worker, error) {
	posterCfg := a.cfg.Poster
	if dryRun {
		posterCfg.Mode = am.PosterModeDryRun
	}
	p, err := poster.New(posterCfg, a.cfg.Dispatch.PosterTimeout, logger.ComponentLogger("poster"))
	if err != nil {
		return nil, err
	}

	cfg := dispatch.Config{
		BatchSize:     a.cfg.Dispatch.BatchSize,
		Workers:       a.cfg.Dispatch.Workers,
		PosterTimeout: a.cfg.Dispatch.PosterTimeout,
	}
	return dispatch.NewWorker(a.store, p, cfg, logger.ComponentLogger("dispatch"),
		dispatch.WithLimiter(budget.NewLimiter(a.cfg.Dispatch.RatePerMinute)),
		dispatch.WithMetrics(metrics),
	), nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	worker, err := newWorker(a, nil)
	if err != nil {
		return err
	}
	result, err := worker.PollOnce(logger.WithComponent(cmd.Context(), "process"))
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s claimed %d: posted %d, retrying %d, review %d, errors %d\n",
		sym.Pulse, result.Claimed, result.Posted, result.Retrying, result.Review, result.Errors)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispatch.NewMetrics(reg)

	worker, err := newWorker(a, metrics)
	if err != nil {
		return err
	}
	daemon, err := dispatch.NewDaemon(ctx, worker, a.cfg.Dispatch.Cron, metrics, logger.ComponentLogger("daemon"))
	if err != nil {
		return err
	}

	if path := a.cfg.Paths.Snapshot; path != "" {
		daemon.OnCycle(func(ctx context.Context, result dispatch.CycleResult) {
			if err := writeSnapshot(ctx, a.store, path, formatForPath(path)); err != nil {
				a.log.Warnw("Failed to write snapshot", logger.FieldPath, path, logger.FieldError, err)
			}
		})
	}

	var srv *server.Server
	if addr := a.cfg.Server.Addr; addr != "" {
		srv = server.New(a.store, a.db, logger.ComponentLogger("server"),
			server.WithGatherer(reg),
			server.WithMetrics(metrics),
			server.WithCycles(daemon),
			server.WithLocation(a.alloc.Config().Location))
		bound, err := srv.Start(ctx, addr)
		if err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "%s Serving on http://%s\n", sym.Pulse, bound)
	}

	watcher := watchSchedule(ctx, a)

	daemon.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.log.Infow("Received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	daemon.Stop()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			a.log.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "failed to shut down HTTP server")
		}
	}
	return nil
}

// watchSchedule reloads posting windows from the config file and reflows
// scheduled posts when they change. Returns nil when there is no file to watch.
func watchSchedule(ctx context.Context, a *app) *am.ConfigWatcher {
	path := am.ConfigPath()
	if path == "" {
		return nil
	}
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		a.log.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}

	watcher.OnReload(func(prev, next *am.Config) error {
		if reflect.DeepEqual(prev.Schedule, next.Schedule) {
			return nil
		}
		slotCfg, err := slotConfig(next)
		if err != nil {
			return err
		}

		old := a.alloc.Config()
		a.alloc.SetConfig(slotCfg)
		moves, err := a.alloc.Reflow(ctx, a.store, a.alloc.Earliest(a.store.Now()))
		if err != nil {
			// keep allocating under windows the queue actually fits
			a.alloc.SetConfig(old)
			return errors.Wrap(err, "new schedule does not fit the queue")
		}
		a.log.Infow("Schedule reloaded", "windows", slotCfg.Windows(), "moved", len(moves))
		return nil
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start(a.cfg)
	return watcher
}

func formatForPath(path string) string {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return queue.FormatYAML
	default:
		return queue.FormatJSON
	}
}
