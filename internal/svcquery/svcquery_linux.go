//go:build linux

package svcquery

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// GetStatus queries a systemd unit.
func GetStatus(name string) (ServiceInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "systemctl", "show", name,
		"-p", "LoadState,ActiveState,UnitFileState,ExecStart").Output()
	if err != nil {
		return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: systemctl show: %w", err)
	}
	info := parseSystemdShow(name, string(out))
	if info.Status == StatusUnknown {
		return info, fmt.Errorf("svcquery: service %s not found", name)
	}
	return info, nil
}
