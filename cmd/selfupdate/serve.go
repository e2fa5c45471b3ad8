package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/selfupdate/internal/config"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/notify"
	"github.com/breeze-rmm/selfupdate/internal/secmem"
	"github.com/breeze-rmm/selfupdate/internal/statusipc"
	"github.com/breeze-rmm/selfupdate/internal/updater"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update daemon",
	Long: `serve checks for updates on a schedule and whenever the release server
announces one, and answers status requests on the local socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

// runDaemon runs until ctx is cancelled.
func runDaemon(ctx context.Context) error {
	reloads := make(chan *config.Config, 1)
	cfg, err := config.Watch(cfgFile, func(c *config.Config, err error) {
		if err != nil {
			log.Warn("config reload failed", logging.KeyError, err)
			return
		}
		select {
		case reloads <- c:
		default:
		}
	})
	if err != nil {
		return err
	}
	applyFlags(cfg)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.updater.OnStatus(func(s updater.Snapshot) {
		if !s.Status.Terminal() {
			return
		}
		log.Info("update session finished",
			"status", s.Status.String(),
			"message", updater.FormatStatus(s, false),
			"lastError", s.LastError)
	})

	srv := statusipc.NewServer(cfg.IPCSocket, a.updater, a.stream)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Serve(ctx) }()

	if cfg.NotifyURL != "" {
		token := secmem.New(cfg.NotifyToken)
		defer token.Wipe()
		client := notify.New(notify.Config{
			ServerURL: cfg.NotifyURL,
			Stream:    a.stream,
			AuthToken: token,
		}, func(stream string) {
			log.Info("release announced", "stream", stream)
			a.updater.Check(ctx, stream)
		}, a.health)
		go client.Run(ctx)
	}

	reopen := make(chan os.Signal, 1)
	if sigs := reopenSignals(); len(sigs) > 0 {
		signal.Notify(reopen, sigs...)
		defer signal.Stop(reopen)
	}

	log.Info("selfupdate daemon started",
		"version", version,
		"installDir", cfg.InstallDir,
		"stream", a.stream(),
		"socket", cfg.IPCSocket)

	a.updater.Check(ctx, a.stream())

	ticker := time.NewTicker(cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			srv.Close()
			return nil
		case err := <-srvErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ticker.C:
			a.updater.Check(ctx, a.stream())
		case c := <-reloads:
			applyFlags(c)
			a.reload(c, ticker)
		case <-reopen:
			if a.logFile != nil {
				if err := a.logFile.Reopen(); err != nil {
					log.Warn("failed to reopen log file", logging.KeyError, err)
				}
			}
		}
	}
}

// reload applies the settings that can change without a restart.
func (a *app) reload(c *config.Config, ticker *time.Ticker) {
	result := c.ValidateTiered()
	if result.HasFatals() {
		log.Warn("ignoring invalid config reload", logging.KeyError, errors.Join(result.Fatals...))
		return
	}
	var out io.Writer
	if a.logFile != nil {
		out = io.MultiWriter(os.Stderr, a.logFile)
	}
	logging.Init(c.LogFormat, c.LogLevel, out)

	a.setConfiguredStream(c.ReleaseStream)
	ticker.Reset(c.CheckInterval())
	log.Info("config reloaded", "logLevel", c.LogLevel, "stream", c.ReleaseStream, "interval", c.CheckInterval().String())
}
