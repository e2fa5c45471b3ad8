// Package trust decides whether a staged file may be installed.
package trust

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

// Verifier returns nil when path may be installed and an error wrapping
// updateerr.ErrTrustFailure otherwise.
type Verifier interface {
	Verify(path string) error
}

// Func adapts a function to Verifier.
type Func func(path string) error

func (f Func) Verify(path string) error { return f(path) }

// Nop trusts every file.
type Nop struct{}

func (Nop) Verify(string) error { return nil }

// AllowList skips verification for files whose base name is listed.
// Some vendor libraries self-check their own bytes and break when signed,
// so they ship unsigned.
type AllowList struct {
	Next  Verifier
	names map[string]struct{}
}

func NewAllowList(next Verifier, names []string) *AllowList {
	a := &AllowList{Next: next, names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		a.names[strings.ToLower(n)] = struct{}{}
	}
	return a
}

func (a *AllowList) Verify(path string) error {
	if _, ok := a.names[strings.ToLower(filepath.Base(path))]; ok {
		return nil
	}
	if a.Next == nil {
		return nil
	}
	return a.Next.Verify(path)
}

// DefaultExtensions are the file types whose signatures are checked.
var DefaultExtensions = []string{".exe", ".dll"}

// Authenticode checks embedded code signatures on files with one of the
// configured extensions. Other files pass. On platforms without
// Authenticode support every file passes.
type Authenticode struct {
	Extensions []string
}

func (a *Authenticode) applies(path string) bool {
	exts := a.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

func untrusted(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", updateerr.ErrTrustFailure, filepath.Base(path), err)
}

// New returns the platform verifier with names exempted.
func New(extensions, allow []string) Verifier {
	return NewAllowList(&Authenticode{Extensions: extensions}, allow)
}
