// Package procwatch finds processes running a given executable so a commit
// can wait until the application has exited.
package procwatch

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/selfupdate/internal/logging"
)

var log = logging.L("procwatch")

// Process is a running process that holds the watched executable.
type Process struct {
	PID  int32
	Name string
	Exe  string
}

// lister enumerates processes as (pid, name, exe). Replaced in tests.
var lister = func(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		exe, err := p.ExeWithContext(ctx)
		if err != nil || exe == "" {
			skipped++
			continue
		}
		name, _ := p.NameWithContext(ctx)
		out = append(out, Process{PID: p.Pid, Name: name, Exe: exe})
	}
	if skipped > 0 {
		log.Debug("process scan skipped processes", "skipped", skipped, "total", len(procs))
	}
	return out, nil
}

// Holders returns the processes whose image is exePath.
func Holders(ctx context.Context, exePath string) ([]Process, error) {
	want := normalize(exePath)
	procs, err := lister(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var held []Process
	for _, p := range procs {
		if normalize(p.Exe) == want {
			held = append(held, p)
		}
	}
	return held, nil
}

// WaitForExit polls until no process runs exePath or ctx ends.
func WaitForExit(ctx context.Context, exePath string, poll time.Duration) error {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	logged := false
	for {
		held, err := Holders(ctx, exePath)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			return nil
		}
		if !logged {
			log.Info("waiting for application to exit", "executable", exePath, "processes", len(held), "pid", held[0].PID)
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func normalize(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	p = filepath.Clean(p)
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}
