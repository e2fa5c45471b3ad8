package updater

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

// Dependency is a runtime component the installed application needs.
type Dependency interface {
	Name() string
	Check() error
}

// RuntimeDependency is satisfied when Path exists, or when Executable is
// found on PATH. Exactly one of the two should be set.
type RuntimeDependency struct {
	Label      string
	Path       string
	Executable string
}

func (d RuntimeDependency) Name() string {
	if d.Label != "" {
		return d.Label
	}
	if d.Executable != "" {
		return d.Executable
	}
	return d.Path
}

func (d RuntimeDependency) Check() error {
	switch {
	case d.Executable != "":
		if _, err := exec.LookPath(d.Executable); err != nil {
			return fmt.Errorf("%w: %s: %v", updateerr.ErrMissingDependency, d.Name(), err)
		}
	case d.Path != "":
		if _, err := os.Stat(d.Path); err != nil {
			return fmt.Errorf("%w: %s: %v", updateerr.ErrMissingDependency, d.Name(), err)
		}
	}
	return nil
}

// ParseDependency turns a config entry into a dependency. Entries that
// look like paths are checked with stat, anything else with PATH lookup.
func ParseDependency(entry string) Dependency {
	for _, c := range entry {
		if c == '/' || c == '\\' {
			return RuntimeDependency{Path: entry}
		}
	}
	return RuntimeDependency{Executable: entry}
}

func checkDependencies(deps []Dependency) error {
	for _, d := range deps {
		if err := d.Check(); err != nil {
			return err
		}
	}
	return nil
}
