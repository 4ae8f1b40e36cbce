package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"plugsched/internal/apperr"
)

// skipName reports files and directories left out of checksums and snapshots.
// Hidden entries are skipped except .env, which is plugin configuration.
func skipName(name string) bool {
	if name == ".env" {
		return false
	}
	return strings.HasPrefix(name, ".") || name == "__pycache__" || strings.HasSuffix(name, "~")
}

// Checksum hashes a source: sorted relative paths and file contents plus the
// canonical descriptor bytes. Builtins hash their descriptor only.
func Checksum(src Source) (string, error) {
	h := sha256.New()
	_, _ = h.Write([]byte(string(src.Kind) + "\x00" + src.Name + "\x00"))
	_, _ = h.Write(src.descriptorBytes())
	if src.Kind == SourceBuiltin {
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	files, err := listFiles(src.Dir)
	if err != nil {
		return "", apperr.New(apperr.PluginLoad, "plugin.checksum", err)
	}
	for _, rel := range files {
		_, _ = h.Write([]byte("\x00" + filepath.ToSlash(rel) + "\x00"))
		f, err := os.Open(filepath.Join(src.Dir, rel))
		if err != nil {
			return "", apperr.New(apperr.PluginLoad, "plugin.checksum", err)
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", apperr.New(apperr.PluginLoad, "plugin.checksum", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// listFiles returns regular files under dir as sorted relative paths.
func listFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && skipName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	sort.Strings(out)
	return out, err
}

// copyTree copies the files listFiles selects from src into dst, keeping modes.
func copyTree(src, dst string) error {
	files, err := listFiles(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, rel := range files {
		if err := copyFile(filepath.Join(src, rel), filepath.Join(dst, rel)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
