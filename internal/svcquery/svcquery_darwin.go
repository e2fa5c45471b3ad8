//go:build darwin

package svcquery

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// GetStatus queries a launchd job by label.
func GetStatus(name string) (ServiceInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "launchctl", "list").Output()
	if err != nil {
		return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: launchctl list: %w", err)
	}
	if info, ok := parseLaunchctlList(name, string(out)); ok {
		return info, nil
	}

	// installed but not loaded
	for _, p := range []string{
		"/Library/LaunchDaemons/" + name + ".plist",
		"/Library/LaunchAgents/" + name + ".plist",
	} {
		if _, err := os.Stat(p); err == nil {
			return ServiceInfo{Name: name, Status: StatusStopped}, nil
		}
	}
	return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: service %s not found", name)
}
