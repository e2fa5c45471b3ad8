//go:build !windows

package updater

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
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
	if runtime.GOOS == "darwin" {
		return exec.Command("launchctl", "kickstart", "-k", "system/"+name).Run()
	}
	return exec.Command("systemctl", "restart", name).Run()
}

func startDetached(binary string, args []string) error {
	if binary == "" {
		return fmt.Errorf("relaunch: no executable configured")
	}
	binary, err := filepath.EvalSymlinks(binary)
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = filepath.Dir(binary)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", binary, err)
	}
	log.Info("relaunched application", "pid", cmd.Process.Pid, "executable", binary)
	return cmd.Process.Release()
}
