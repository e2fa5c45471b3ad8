//go:build !windows

package trust

func (a *Authenticode) Verify(path string) error {
	return nil
}
