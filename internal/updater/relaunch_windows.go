//go:build windows

package updater

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// Relaunch restarts the application after an update has been committed.
func Relaunch(opts RelaunchOptions) error {
	if opts.Service != "" {
		err := restartService(opts.Service)
		if err == nil {
			return nil
		}
		log.Warn("service restart failed, starting executable directly", "service", opts.Service, "error", err)
	}
	return startDetached(opts.Executable, opts.Args)
}

func restartService(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return fmt.Errorf("failed to query service: %w", err)
	}
	if status.State != svc.Stopped {
		if status, err = s.Control(svc.Stop); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
	}
	if err := waitState(s, status, svc.Stopped); err != nil {
		return err
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	status, err = s.Query()
	if err != nil {
		return fmt.Errorf("failed to query service: %w", err)
	}
	return waitState(s, status, svc.Running)
}

func waitState(s *mgr.Service, status svc.Status, want svc.State) error {
	var err error
	deadline := time.Now().Add(30 * time.Second)
	for status.State != want {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for service state %d", want)
		}
		time.Sleep(300 * time.Millisecond)
		if status, err = s.Query(); err != nil {
			return fmt.Errorf("failed to query service: %w", err)
		}
	}
	return nil
}

func startDetached(binary string, args []string) error {
	if binary == "" {
		return fmt.Errorf("relaunch: no executable configured")
	}
	cmd := exec.Command(binary, args...)
	cmd.Dir = filepath.Dir(binary)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", binary, err)
	}
	log.Info("relaunched application", "pid", cmd.Process.Pid, "executable", binary)
	return cmd.Process.Release()
}
