package scan

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"blendscan/blend"
)

// timeUnavailable is the sentinel used when a filesystem timestamp cannot be
// read, so callers never have to deal with a null flowing into formatting.
const timeUnavailable = "—"

// TreeNode is one node of the scanned folder hierarchy. Directories carry
// Children in traversal order; file leaves carry Meta.
type TreeNode struct {
	NodeType string     `json:"node_type"` // "dir" or "file"
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Meta     *FileMeta  `json:"meta,omitempty"`
	Children []TreeNode `json:"children,omitempty"`
}

// FileMeta is the filesystem metadata of one .blend file plus the decoded
// header information.
type FileMeta struct {
	SizeBytes uint64      `json:"size_bytes"`
	Created   string      `json:"created"`
	Modified  string      `json:"modified"`
	Folder    string      `json:"folder"`
	Blender   *blend.Info `json:"blender,omitempty"`
}

// FlatFile is the flattened per-file entry returned alongside the tree, with
// the most-searched Blender fields lifted to the top level.
type FlatFile struct {
	Name           string `json:"name"`
	Path           string `json:"path"`
	Folder         string `json:"folder"`
	SizeBytes      uint64 `json:"size_bytes"`
	Created        string `json:"created"`
	Modified       string `json:"modified"`
	BlenderVersion string `json:"blender_version,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	RenderEngine   string `json:"render_engine,omitempty"`
}

// Result is the final payload of a completed scan.
type Result struct {
	Tree  TreeNode   `json:"tree"`
	Files []FlatFile `json:"files"`
}

func isBlendName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".blend")
}

func modifiedTimestamp(info os.FileInfo) string {
	t := info.ModTime()
	if t.IsZero() {
		return timeUnavailable
	}
	return t.Format(time.RFC3339)
}

// createdTimestamp reports the inode status-change time, the closest thing to
// a creation time Linux exposes through stat(2). Filesystems that expose
// neither get the sentinel.
func createdTimestamp(info os.FileInfo) string {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return timeUnavailable
	}
	return time.Unix(st.Ctim.Sec, st.Ctim.Nsec).Format(time.RFC3339)
}
