package fsutil

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var frameExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".png":  {},
}

var rawStackExts = map[string]struct{}{
	".oir": {},
	".oib": {},
	".nd2": {},
	".czi": {},
	".lif": {},
}

// ListFrames returns frame image files under root in natural frame order.
func ListFrames(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrameFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortNatural(files)
	return files, nil
}

// IsFrameFile checks if a file is a supported frame image.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := frameExts[ext]
	return ok
}

// IsRawStackFile checks if a file is a vendor microscope format that needs
// conversion before stabilization.
func IsRawStackFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := rawStackExts[ext]
	return ok
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SortNatural orders paths so that embedded frame numbers sort numerically:
// frame_2.tif before frame_10.tif.
func SortNatural(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return naturalLess(filepath.Base(paths[i]), filepath.Base(paths[j]))
	})
}

func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		if isDigit(a[0]) && isDigit(b[0]) {
			an, arest := leadingInt(a)
			bn, brest := leadingInt(b)
			if an != bn {
				return an < bn
			}
			a, b = arest, brest
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func leadingInt(s string) (int64, string) {
	var n int64
	i := 0
	for i < len(s) && isDigit(s[i]) {
		n = n*10 + int64(s[i]-'0')
		i++
	}
	return n, s[i:]
}

// NewSessionDir creates a unique working directory under base and returns
// its path. Callers own cleanup.
func NewSessionDir(base string) (string, error) {
	dir := filepath.Join(base, "session-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// ZipFiles writes the named files into a zip archive at dest, storing each
// under its base name.
func ZipFiles(dest string, files []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			zw.Close()
			return err
		}
		w, err := zw.Create(filepath.Base(path))
		if err == nil {
			_, err = io.Copy(w, f)
		}
		f.Close()
		if err != nil {
			zw.Close()
			return fmt.Errorf("zip %s: %w", filepath.Base(path), err)
		}
	}
	return zw.Close()
}

// Unzip extracts an archive into dir, flattening entry paths to base names.
// Returns the extracted file paths in natural order.
func Unzip(src, dir string) ([]string, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var paths []string
	for _, entry := range r.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(entry.Name)
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		dst := filepath.Join(dir, name)
		rc, err := entry.Open()
		if err != nil {
			return nil, err
		}
		out, err := os.Create(dst)
		if err == nil {
			_, err = io.Copy(out, rc)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
		}
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", name, err)
		}
		paths = append(paths, dst)
	}
	SortNatural(paths)
	return paths, nil
}
