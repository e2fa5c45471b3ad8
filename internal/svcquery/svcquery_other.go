//go:build !windows && !darwin && !linux

package svcquery

import "fmt"

func GetStatus(name string) (ServiceInfo, error) {
	return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: not implemented on this platform")
}
