package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	pagerunner "github.com/Swind/go-page-runner"
	"github.com/Swind/go-page-runner/core"
	"github.com/Swind/go-page-runner/frontend"
	"github.com/Swind/go-page-runner/source"
)

const shutdownTimeout = 5 * time.Second

func newFetchCmd(a *app) *cobra.Command {
	var (
		tree   bool
		sync   bool
		silent bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Load a page in the background and dump it",
		Long: `fetch requests a page from the engine and polls for it from the UI runner,
printing status lines to stderr and the page to stdout.

With --sync the page is loaded through a blocking GetPage call on the
loader runner instead, and no status lines are produced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			opener := source.NewOpener(a.cfg.SourceOptions(),
				source.WithStdin(cmd.InOrStdin()),
				source.WithLogger(a.cfg.Logger()))
			inst, err := pagerunner.NewInstance(a.cfg, pagerunner.WithOpener(opener))
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := inst.Close(closeCtx); err != nil {
					inst.Logger.Warn("shutdown incomplete", core.F("error", err))
				}
			}()
			inst.Engine.SetMeasurer(frontend.TextMeasurer{})

			if h := inst.MetricsHandler(); h != nil {
				srv := serveMetrics(inst.Logger, a.cfg.Metrics.Listen, h)
				defer srv.Close()
			}

			status := cmd.ErrOrStderr()
			if silent {
				status = io.Discard
			}
			mode := frontend.ModeText
			if tree {
				mode = frontend.ModeTree
			}
			dump := frontend.NewDump(inst.Engine, inst.UI,
				frontend.WithOutput(cmd.OutOrStdout()),
				frontend.WithStatusOutput(status),
				frontend.WithMode(mode),
				frontend.WithPollInterval(a.cfg.Frontend.PollInterval),
				frontend.WithStatusMaxLength(a.cfg.Engine.StatusMaxLength),
				frontend.WithLogger(inst.Logger))

			if sync {
				return dump.RunSync(ctx, inst.Engine, inst.Loader, args[0])
			}

			session, err := dump.RunInteractive(ctx, inst.Registry, args[0])
			if err != nil {
				return err
			}
			return session.Wait(ctx)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&tree, "tree", false, "print the element tree instead of text")
	flags.BoolVar(&sync, "sync", false, "load with a blocking call on the loader runner")
	flags.BoolVarP(&silent, "silent", "s", false, "do not print status lines")
	flags.Bool("metrics", false, "serve Prometheus metrics while the page loads")
	flags.String("metrics-addr", ":9090", "listen address of the metrics endpoint")
	return cmd
}

func serveMetrics(logger core.Logger, addr string, h http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", core.F("addr", addr), core.F("error", err))
		}
	}()
	logger.Info("serving metrics", core.F("addr", addr))
	return srv
}
