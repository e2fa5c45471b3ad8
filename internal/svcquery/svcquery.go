// Package svcquery reports the state of the OS service that hosts the
// updated application, so the CLI can tell whether a relaunch will go
// through the service manager.
package svcquery

import (
	"bufio"
	"strings"
)

type ServiceStatus string

const (
	StatusRunning  ServiceStatus = "running"
	StatusStopped  ServiceStatus = "stopped"
	StatusDisabled ServiceStatus = "disabled"
	StatusUnknown  ServiceStatus = "unknown"
)

// ServiceInfo describes one service.
type ServiceInfo struct {
	Name       string        `json:"name"`
	Status     ServiceStatus `json:"status"`
	StartType  string        `json:"startType,omitempty"`
	BinaryPath string        `json:"binaryPath,omitempty"`
}

func (s ServiceInfo) IsActive() bool {
	return s.Status == StatusRunning
}

// parseSystemdShow maps `systemctl show` key=value output onto ServiceInfo.
func parseSystemdShow(name, output string) ServiceInfo {
	info := ServiceInfo{Name: name, Status: StatusUnknown}
	props := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			props[k] = strings.TrimSpace(v)
		}
	}
	if props["LoadState"] == "not-found" {
		return info
	}

	switch props["ActiveState"] {
	case "active", "activating", "reloading":
		info.Status = StatusRunning
	case "inactive", "failed", "deactivating":
		info.Status = StatusStopped
	}
	switch props["UnitFileState"] {
	case "enabled", "enabled-runtime", "static":
		info.StartType = "automatic"
	case "disabled":
		info.StartType = "manual"
	case "masked":
		info.StartType = "disabled"
		if info.Status != StatusRunning {
			info.Status = StatusDisabled
		}
	}
	if exec := props["ExecStart"]; exec != "" {
		info.BinaryPath = execPath(exec)
	}
	return info
}

// execPath pulls path= out of systemd's ExecStart property.
func execPath(prop string) string {
	for _, f := range strings.Split(strings.Trim(prop, "{} "), ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(f), "=")
		if ok && strings.TrimSpace(k) == "path" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseLaunchctlList finds label in `launchctl list` output.
func parseLaunchctlList(name, output string) (ServiceInfo, bool) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		label := fields[2]
		if label != name && !strings.HasSuffix(label, "."+name) {
			continue
		}
		info := ServiceInfo{Name: label, Status: StatusStopped}
		if fields[0] != "-" {
			info.Status = StatusRunning
		}
		return info, true
	}
	return ServiceInfo{}, false
}
