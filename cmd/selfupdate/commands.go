package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/selfupdate/internal/procwatch"
	"github.com/breeze-rmm/selfupdate/internal/staging"
	"github.com/breeze-rmm/selfupdate/internal/statusipc"
	"github.com/breeze-rmm/selfupdate/internal/svcquery"
	"github.com/breeze-rmm/selfupdate/internal/updater"
)

var (
	checkStream  string
	checkWait    bool
	commitWait   time.Duration
	commitLaunch bool
	statusSocket string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for updates and apply them",
	Long: `check runs an update session in this process and waits for it to finish.
With --wait=false the request is handed to a running 'selfupdate serve' instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !checkWait {
			return checkViaDaemon(cmd.Context())
		}
		return checkInProcess(cmd.Context())
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Move a staged update into place",
	RunE: func(cmd *cobra.Command, args []string) error {
		return commitPending(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show update status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard staged and pending updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		a.updater.Reset()
		printer.Success("Update state reset")
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkStream, "stream", "", "release stream (default: recorded or configured stream)")
	checkCmd.Flags().BoolVar(&checkWait, "wait", true, "run the session here and wait for it")

	commitCmd.Flags().DurationVar(&commitWait, "wait-exit", 0, "wait up to this long for the application to exit first")
	commitCmd.Flags().BoolVar(&commitLaunch, "relaunch", false, "start the application again after committing")

	statusCmd.Flags().StringVar(&statusSocket, "socket", "", "status socket of a running daemon (default: ipc_socket)")
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func checkInProcess(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(parent)
	defer stop()

	stream := checkStream
	if stream == "" {
		stream = a.stream()
	}

	done := make(chan struct{})
	if hasConsole() {
		go reportProgress(a.updater, done)
	}
	final := a.updater.Run(ctx, stream)
	close(done)

	snap := a.updater.Snapshot()
	printer.Status(final, updater.FormatStatus(snap, false), snap.LastError, snap.LastErrorDetail)
	if final == updater.Error {
		return fmt.Errorf("update failed")
	}
	return nil
}

func reportProgress(u *updater.Updater, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := ""
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := u.Snapshot()
			if snap.Status.Terminal() {
				continue
			}
			line := updater.FormatStatus(snap, true)
			if line != last {
				printer.Info("%s", line)
				last = line
			}
		}
	}
}

func socketPath() (string, error) {
	if statusSocket != "" {
		return statusSocket, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.IPCSocket, nil
}

func checkViaDaemon(parent context.Context) error {
	path, err := socketPath()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	c, err := statusipc.Dial(ctx, path)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer c.Close()

	resp, err := c.Check(ctx, checkStream)
	if err != nil {
		return err
	}
	if resp.Started {
		printer.Success("Update check started")
	} else {
		printer.Warn("An update session is already running: %s", resp.Message)
	}
	return nil
}

func showStatus(parent context.Context) error {
	path, err := socketPath()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	c, err := statusipc.Dial(ctx, path)
	if err != nil {
		return showLocalStatus()
	}
	defer c.Close()

	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}
	st, _ := updater.ParseStatus(resp.Status)
	printer.Status(st, resp.Message, resp.LastError, resp.Detail)
	printer.Health(resp.Health)
	printService()
	return nil
}

// printService shows the state of the service a relaunch would restart.
func printService() {
	cfg, err := loadConfig()
	if err != nil || cfg.ServiceName == "" {
		return
	}
	info, err := svcquery.GetStatus(cfg.ServiceName)
	if err != nil {
		printer.Warn("service %s: %v", cfg.ServiceName, err)
		return
	}
	line := fmt.Sprintf("service %s: %s", info.Name, info.Status)
	if info.StartType != "" {
		line += " (" + info.StartType + ")"
	}
	if info.IsActive() {
		printer.Success("%s", line)
	} else {
		printer.Warn("%s", line)
	}
}

// showLocalStatus reports what is on disk when no daemon is running.
func showLocalStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	printer.Warn("No running daemon")
	if cfg.InstallDir == "" {
		return nil
	}
	pending := filepath.Join(cfg.InstallDir, staging.PendingDirName)
	if info, err := os.Stat(pending); err == nil && info.IsDir() {
		printer.Info("A staged update is waiting; run 'selfupdate commit'")
	} else {
		printer.Success("No staged update")
	}
	printService()
	return nil
}

func commitPending(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(parent)
	defer stop()

	relaunch := a.relaunchOptions()
	if commitWait > 0 && relaunch.Executable != "" {
		waitCtx, cancel := context.WithTimeout(ctx, commitWait)
		err := procwatch.WaitForExit(waitCtx, relaunch.Executable, 500*time.Millisecond)
		cancel()
		if err != nil {
			printer.Warn("Application still running, committing anyway: %v", err)
		}
	}

	st, err := a.updater.CommitPending(ctx)
	switch st {
	case updater.NoUpdate:
		printer.Success("Nothing to commit")
		return nil
	case updater.Completed:
		printer.Success("Update committed")
	default:
		printer.Status(st, updater.FormatStatus(updater.Snapshot{Status: st}, false), errString(err), "")
		return fmt.Errorf("commit incomplete")
	}

	if commitLaunch {
		if err := updater.Relaunch(relaunch); err != nil {
			return fmt.Errorf("relaunch: %w", err)
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
