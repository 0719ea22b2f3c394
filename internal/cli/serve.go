package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/baitchat/internal/config"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the translation pipeline over HTTP",
		Long: `Serve translation, questions, the catalog and run history as JSON over HTTP.

Routes:
  POST /v1/translate          translate and submit (dry_run to only translate)
  POST /v1/ask                answer a question
  GET  /v1/plans              whitelisted plans
  GET  /v1/devices            devices (?category=motor)
  GET  /v1/history            runs (?plan= ?since= ?limit=) or outcomes (?outcomes=true)
  POST /v1/registry/reload    reload the whitelist
  GET  /healthz               registry generation

With registry.watch the whitelist reloads when its .cue files change;
registry.refresh_interval reloads it on a timer.

Runs until interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	// A server logs its requests; keep Info visible unless --verbose asks for more.
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(opts.configPath())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	app := NewApp(cfg, logger)
	defer app.Close()

	ctx := cmd.Context()
	reg, err := app.Registry(ctx)
	if err != nil {
		return f.FailErr("cannot load whitelist", err)
	}
	p, err := app.Pipeline(ctx)
	if err != nil {
		return f.FailErr("cannot start pipeline", err)
	}
	asst, err := app.Assistant(ctx)
	if err != nil {
		return f.FailErr("cannot start assistant", err)
	}
	st, err := app.Store()
	if err != nil {
		return f.FailErr("cannot open store", err)
	}
	gt, err := app.Gate(ctx)
	if err != nil {
		return f.FailErr("cannot start gate", err)
	}

	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	srv := server.New(server.Deps{
		Translator: p,
		Asker:      asst,
		Registry:   reg,
		History:    st,
		Quota:      gt,
	}, server.WithLogger(logger))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Registry.Watch {
		w := registry.NewWatcher(reg, cfg.Registry.WhitelistDir, 0, logger)
		g.Go(func() error { return w.Run(ctx) })
	}
	if every := cfg.Registry.RefreshInterval; every > 0 {
		g.Go(func() error {
			registry.Poll(ctx, reg, every, logger, nil)
			return nil
		})
	}
	g.Go(func() error { return srv.ListenAndServe(ctx, addr) })

	if err := g.Wait(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeInternal, "server stopped", err)
	}
	return nil
}
