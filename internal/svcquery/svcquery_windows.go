//go:build windows

package svcquery

import (
	"fmt"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// GetStatus queries a service through the SCM.
func GetStatus(name string) (ServiceInfo, error) {
	m, err := mgr.Connect()
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("svcquery: connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: open service %s: %w", name, err)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: query %s: %w", name, err)
	}
	cfg, _ := s.Config()

	info := ServiceInfo{
		Name:       name,
		Status:     mapState(status.State),
		StartType:  mapStartType(cfg.StartType),
		BinaryPath: cfg.BinaryPathName,
	}
	if cfg.StartType == mgr.StartDisabled {
		info.Status = StatusDisabled
	}
	return info, nil
}

func mapState(state svc.State) ServiceStatus {
	switch state {
	case svc.Running, svc.StartPending, svc.ContinuePending:
		return StatusRunning
	case svc.Stopped, svc.Paused, svc.StopPending, svc.PausePending:
		return StatusStopped
	}
	return StatusUnknown
}

func mapStartType(t uint32) string {
	switch t {
	case mgr.StartAutomatic:
		return "automatic"
	case mgr.StartManual:
		return "manual"
	case mgr.StartDisabled:
		return "disabled"
	}
	return fmt.Sprintf("type_%d", t)
}
