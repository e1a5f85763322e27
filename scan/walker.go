package scan

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mordilloSan/go_logger/logger"

	"blendscan/blend"
)

// Progress receives incremental walker updates. The scan job implements it;
// every callback comes from the single goroutine running the walk.
type Progress interface {
	// EntryScanned is called once per visited entry, directories included.
	EntryScanned(path string)
	// BlendFound is called after EntryScanned for every signature-valid
	// .blend file, so found counts never outrun scanned counts.
	BlendFound()
}

// BlendCache is the subset of the parse cache the walker needs. Lookups are
// keyed by path plus size and mtime, so a touched file is a miss. A nil cache
// is valid and means every file is parsed fresh.
type BlendCache interface {
	Get(ctx context.Context, path string, size int64, modUnix int64) (*blend.Info, bool)
	Put(ctx context.Context, path string, size int64, modUnix int64, info *blend.Info)
}

// maxBlendReadBytes caps how much of a .blend file is read for parsing. The
// header, thumbnail and scene blocks sit at the front; the mesh data that
// makes production files large is never needed.
const maxBlendReadBytes = 32 << 20

// Walker traverses a directory subtree, building the folder tree and flat
// file list while parsing every .blend file it encounters.
type Walker struct {
	Cache    BlendCache
	Progress Progress
}

// Walk scans the subtree rooted at root. Per-entry failures (unreadable
// directories or files, symlinks) are skipped and logged; only the root
// itself becoming unreadable, or ctx being cancelled, fails the walk.
func (w *Walker) Walk(ctx context.Context, root string) (*Result, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("scan root: %w", err)
	}

	tb := newTreeBuilder(filepath.Base(root), root)
	files := []FlatFile{}

	w.entryScanned(root)

	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == root {
				// The whole scan target vanished or lost permissions.
				return nil, fmt.Errorf("scan root became unreadable: %w", err)
			}
			// The directory node stays in the tree with no children.
			logger.Debugf("skipping unreadable directory %s: %v", dir, err)
			continue
		}

		var subdirs []string
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			path := filepath.Join(dir, entry.Name())
			w.entryScanned(path)

			switch {
			case entry.Type()&os.ModeSymlink != 0:
				// Symlinks are counted but never followed, so a link back
				// into an ancestor cannot cycle the walk.
				logger.Debugf("skipping symlink %s", path)
			case entry.IsDir():
				tb.addDir(dir, entry.Name(), path)
				subdirs = append(subdirs, path)
			case entry.Type().IsRegular() && isBlendName(entry.Name()):
				w.scanBlend(ctx, tb, &files, dir, path, entry)
			}
		}

		// Push in reverse so subdirectories pop in directory-listing order.
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	return &Result{Tree: tb.build(), Files: files}, nil
}

// scanBlend reads and parses one candidate file and, if the signature checks
// out, records it in the tree and flat list. All failures are per-file: they
// skip or degrade this entry and never abort the walk.
func (w *Walker) scanBlend(ctx context.Context, tb *treeBuilder, files *[]FlatFile, dir, path string, entry os.DirEntry) {
	fsInfo, err := entry.Info()
	if err != nil {
		logger.Debugf("skipping %s: %v", path, err)
		return
	}
	size := fsInfo.Size()
	modUnix := fsInfo.ModTime().Unix()

	var info *blend.Info
	if w.Cache != nil {
		if cached, ok := w.Cache.Get(ctx, path, size, modUnix); ok {
			info = cached
		}
	}
	if info == nil {
		data, truncated, err := readBlendBytes(path)
		if err != nil {
			logger.Debugf("skipping unreadable file %s: %v", path, err)
			return
		}
		if truncated {
			info, err = blend.ParsePrefix(data)
		} else {
			info, err = blend.Parse(data)
		}
		if err != nil {
			// Wrong signature: treated like a non-matching extension.
			return
		}
		if w.Cache != nil {
			w.Cache.Put(ctx, path, size, modUnix, info)
		}
	}

	w.blendFound()

	meta := &FileMeta{
		SizeBytes: uint64(size),
		Created:   createdTimestamp(fsInfo),
		Modified:  modifiedTimestamp(fsInfo),
		Folder:    dir,
		Blender:   info,
	}
	tb.addFile(dir, entry.Name(), path, meta)
	*files = append(*files, FlatFile{
		Name:           entry.Name(),
		Path:           path,
		Folder:         dir,
		SizeBytes:      meta.SizeBytes,
		Created:        meta.Created,
		Modified:       meta.Modified,
		BlenderVersion: info.Version,
		Thumbnail:      info.Thumbnail,
		RenderEngine:   info.RenderEngine,
	})
}

// readBlendBytes reads at most maxBlendReadBytes from the file. truncated
// reports that the cap was reached, so the parser can treat the buffer as a
// prefix of a larger file rather than a complete one.
func readBlendBytes(path string) (data []byte, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()
	data, err = io.ReadAll(io.LimitReader(f, maxBlendReadBytes))
	if err != nil {
		return nil, false, err
	}
	return data, len(data) == maxBlendReadBytes, nil
}

func (w *Walker) entryScanned(path string) {
	if w.Progress != nil {
		w.Progress.EntryScanned(path)
	}
}

func (w *Walker) blendFound() {
	if w.Progress != nil {
		w.Progress.BlendFound()
	}
}
