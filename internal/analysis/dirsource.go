package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSource samples the newest still frames from a directory an external
// recorder writes into. Only .jpg/.jpeg/.png files are considered.
type DirSource struct {
	dir string
}

var _ FrameSource = (*DirSource)(nil)

// NewDirSource creates a source over the given directory.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (d *DirSource) Sample(ctx context.Context, n int) ([][]byte, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory: %w", err)
	}

	type candidate struct {
		path string
		mod  int64
	}
	var files []candidate
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{
			path: filepath.Join(d.dir, e.Name()),
			mod:  info.ModTime().UnixNano(),
		})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frames in %s", d.dir)
	}

	// Newest n files, returned oldest first.
	sort.Slice(files, func(i, j int) bool { return files[i].mod > files[j].mod })
	if len(files) > n {
		files = files[:n]
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })

	frames := make([][]byte, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %s: %w", f.path, err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
