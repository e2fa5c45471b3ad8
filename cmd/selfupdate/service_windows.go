//go:build windows

package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
)

// isWindowsService reports whether the process was started by the Service
// Control Manager. Call it before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

func hasConsole() bool {
	var mode uint32
	return windows.GetConsoleMode(windows.Handle(os.Stdout.Fd()), &mode) == nil
}

func reopenSignals() []os.Signal { return nil }

type updateService struct {
	run func(context.Context) error
}

func runAsService(run func(context.Context) error) error {
	return svc.Run("SelfUpdate", &updateService{run: run})
}

// Execute reports Running, starts the daemon and blocks until the SCM
// asks it to stop or the daemon exits on its own.
func (s *updateService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("running as Windows service")

	for {
		select {
		case err := <-done:
			changes <- svc.Status{State: svc.StopPending}
			if err != nil {
				log.Error("daemon exited", "error", err)
				return true, 1
			}
			return false, 0
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Info("SCM requested stop")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				<-done
				return false, 0
			default:
				log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
			}
		}
	}
}
