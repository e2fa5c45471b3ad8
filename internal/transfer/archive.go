package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

// containedPath resolves an archive entry name under basePath and rejects
// names that escape it.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("entry %q resolves outside %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// ExtractZip unpacks every entry of the archive at src into dir and
// returns the written paths. Each entry is written to a temp file and
// renamed, so an interrupted extraction never leaves a half-written entry
// under its final name. Any failure is reported as ErrCorruptArchive.
func ExtractZip(src, dir string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", updateerr.ErrCorruptArchive, filepath.Base(src), err)
	}
	defer zr.Close()

	var written []string
	for _, f := range zr.File {
		target, err := containedPath(dir, f.Name)
		if err != nil {
			return written, fmt.Errorf("%w: %v", updateerr.ErrCorruptArchive, err)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := extractEntry(f, target); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

func extractEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open entry %s: %v", updateerr.ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".unzip-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", f.Name, err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, rc); err != nil {
		return fmt.Errorf("%w: inflate %s: %v", updateerr.ErrCorruptArchive, f.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if mode := f.Mode().Perm(); mode != 0 {
		os.Chmod(tmpName, mode)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename %s: %w", target, err)
	}
	ok = true
	return nil
}
