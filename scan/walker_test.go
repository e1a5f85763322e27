package scan

import (
	"context"
	"encoding/binary"
	"os"
	"runtime"
	"testing"

	"blendscan/blend"
	"blendscan/scan/testhelpers"
)

// progressRecorder counts walker callbacks without a job attached.
type progressRecorder struct {
	scanned uint64
	found   uint64
	paths   []string
}

func (p *progressRecorder) EntryScanned(path string) {
	p.scanned++
	p.paths = append(p.paths, path)
}

func (p *progressRecorder) BlendFound() {
	p.found++
}

func walkTree(t *testing.T, root string) (*Result, *progressRecorder) {
	t.Helper()
	rec := &progressRecorder{}
	w := &Walker{Progress: rec}
	res, err := w.Walk(context.Background(), root)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	return res, rec
}

// collectLeaves gathers every file-type leaf path without recursion.
func collectLeaves(root TreeNode) []string {
	var leaves []string
	stack := []TreeNode{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node.NodeType == "file" {
			leaves = append(leaves, node.Path)
			continue
		}
		stack = append(stack, node.Children...)
	}
	return leaves
}

func TestWalkEmptyDirectory(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)

	res, rec := walkTree(t, mock.Root)

	if res.Tree.NodeType != "dir" {
		t.Errorf("root node_type = %q, want dir", res.Tree.NodeType)
	}
	if res.Tree.Path != mock.Root {
		t.Errorf("root path = %q, want %q", res.Tree.Path, mock.Root)
	}
	if len(res.Tree.Children) != 0 {
		t.Errorf("expected zero children, got %d", len(res.Tree.Children))
	}
	if len(res.Files) != 0 {
		t.Errorf("expected empty file list, got %d entries", len(res.Files))
	}
	if rec.scanned != 1 || rec.found != 0 {
		t.Errorf("counters = %d/%d, want 1 scanned (the root) and 0 found", rec.scanned, rec.found)
	}
}

func TestWalkFindsBlendFiles(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateBlendFile("scene1.blend", "306")
	mock.CreateFile("notes.txt", []byte("not a scene"))

	res, rec := walkTree(t, mock.Root)

	if rec.found != 1 {
		t.Errorf("found = %d, want 1", rec.found)
	}
	if rec.scanned != 3 { // root + two files
		t.Errorf("scanned = %d, want 3", rec.scanned)
	}
	if len(res.Files) != 1 {
		t.Fatalf("file list has %d entries, want 1", len(res.Files))
	}
	file := res.Files[0]
	if file.Name != "scene1.blend" {
		t.Errorf("name = %q, want scene1.blend", file.Name)
	}
	if file.BlenderVersion != "3.6" {
		t.Errorf("blender_version = %q, want 3.6", file.BlenderVersion)
	}
	if file.SizeBytes == 0 {
		t.Errorf("size_bytes should be populated")
	}
	if file.Modified == "" || file.Created == "" {
		t.Errorf("timestamps must always carry a value or the sentinel")
	}
}

func TestWalkSkipsNonBlendExtensionsWithoutReading(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	// Valid blend content under the wrong extension must be excluded.
	mock.CreateFile("scene.blend.bak", testhelpers.BlendFileBytes("306", false))
	// Wrong content under the right extension is silently excluded too.
	mock.CreateFile("broken.blend", []byte("GLENDER nope"))
	// Extension matching is case-insensitive.
	mock.CreateFile("UPPER.BLEND", testhelpers.BlendFileBytes("402", false))

	res, rec := walkTree(t, mock.Root)

	if len(res.Files) != 1 || res.Files[0].Name != "UPPER.BLEND" {
		t.Fatalf("expected only UPPER.BLEND, got %+v", res.Files)
	}
	if rec.found != 1 {
		t.Errorf("found = %d, want 1", rec.found)
	}
}

func TestWalkTreeListConsistency(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateBlendFile("a/x.blend", "306")
	mock.CreateBlendFile("a/b/y.blend", "279")
	mock.CreateBlendFile("c/z.blend", "402")
	mock.CreateDir("empty")
	mock.CreateFile("a/b/readme.md", []byte("hi"))

	res, _ := walkTree(t, mock.Root)

	leaves := collectLeaves(res.Tree)
	if len(leaves) != len(res.Files) {
		t.Fatalf("tree has %d leaves, list has %d entries", len(leaves), len(res.Files))
	}
	leafSet := make(map[string]bool, len(leaves))
	for _, p := range leaves {
		if leafSet[p] {
			t.Errorf("duplicate leaf path %q", p)
		}
		leafSet[p] = true
	}
	for _, f := range res.Files {
		if !leafSet[f.Path] {
			t.Errorf("file list entry %q has no tree leaf", f.Path)
		}
	}
	if res.Tree.Path != mock.Root {
		t.Errorf("tree root path = %q, want scanned folder %q", res.Tree.Path, mock.Root)
	}
}

func TestWalkPartialParseStillListed(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	// Signature plus garbage where the block headers should be.
	content := append([]byte("BLENDER-v306"), []byte("GLOB\xff\xff\xff\xff")...)
	mock.CreateFile("corrupt.blend", content)

	res, rec := walkTree(t, mock.Root)

	if rec.found != 1 {
		t.Fatalf("a detected-but-broken blend must still count, found = %d", rec.found)
	}
	if len(res.Files) != 1 {
		t.Fatalf("file list has %d entries, want 1", len(res.Files))
	}
	meta := res.Tree.Children[0].Meta
	if meta == nil || meta.Blender == nil {
		t.Fatalf("expected blend metadata on the leaf")
	}
	if meta.Blender.Version != "3.6" {
		t.Errorf("version = %q, want 3.6", meta.Blender.Version)
	}
}

// appendRawBlock appends one little-endian 64-bit file block.
func appendRawBlock(buf []byte, code string, payload []byte) []byte {
	codeBytes := make([]byte, 4)
	copy(codeBytes, code)
	buf = append(buf, codeBytes...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.LittleEndian.AppendUint64(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	return append(buf, payload...)
}

func TestWalkLargeBlendFileParsesCleanly(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)

	// Header and scene block up front, then bulk data pushing the file past
	// the read cap so the final block is cut mid-payload.
	content := []byte("BLENDER-v306")
	content = appendRawBlock(content, "SC", []byte("eevee"))
	content = appendRawBlock(content, "DATA", make([]byte, maxBlendReadBytes))
	mock.CreateFile("big.blend", content)

	res, rec := walkTree(t, mock.Root)

	if rec.found != 1 {
		t.Fatalf("found = %d, want 1", rec.found)
	}
	if len(res.Files) != 1 {
		t.Fatalf("file list has %d entries, want 1", len(res.Files))
	}
	file := res.Files[0]
	if file.BlenderVersion != "3.6" {
		t.Errorf("blender_version = %q, want 3.6", file.BlenderVersion)
	}
	if file.RenderEngine != "Eevee" {
		t.Errorf("render_engine = %q, want Eevee", file.RenderEngine)
	}
	meta := res.Tree.Children[0].Meta
	if meta == nil || meta.Blender == nil {
		t.Fatalf("expected blend metadata on the leaf")
	}
	if meta.Blender.Error != "" {
		t.Errorf("a healthy file past the read cap must carry no diagnostic, got %q", meta.Blender.Error)
	}
}

func TestWalkSkipsSymlinkCycles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateDir("a/b")
	mock.CreateBlendFile("a/scene.blend", "306")
	mock.CreateSymlink("a", "a/b/loop")

	res, rec := walkTree(t, mock.Root)

	if rec.found != 1 {
		t.Errorf("found = %d, want 1", rec.found)
	}
	// The symlink is scanned as an entry but never descended into.
	if rec.scanned != 5 { // root, a, a/scene.blend, a/b, a/b/loop
		t.Errorf("scanned = %d, want 5", rec.scanned)
	}
	if len(res.Files) != 1 {
		t.Errorf("file list has %d entries, want 1", len(res.Files))
	}
}

func TestWalkUnreadableDirectoryIsSkippedSubtree(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateBlendFile("ok/scene.blend", "306")
	mock.CreateBlendFile("locked/hidden.blend", "306")
	if err := os.Chmod(mock.Path("locked"), 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(mock.Path("locked"), 0o755) })

	res, _ := walkTree(t, mock.Root)

	var locked *TreeNode
	for i := range res.Tree.Children {
		if res.Tree.Children[i].Name == "locked" {
			locked = &res.Tree.Children[i]
		}
	}
	if locked == nil {
		t.Fatalf("the unreadable directory must still appear in the tree")
	}
	if len(locked.Children) != 0 {
		t.Errorf("unreadable directory should have no children")
	}
	if len(res.Files) != 1 {
		t.Errorf("scan should continue past the unreadable directory, files = %d", len(res.Files))
	}
}

func TestWalkCancelled(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateBlendFile("scene.blend", "306")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &Walker{}
	if _, err := w.Walk(ctx, mock.Root); err == nil {
		t.Fatalf("expected an error from a cancelled walk")
	}
}

func TestWalkMissingRoot(t *testing.T) {
	w := &Walker{}
	if _, err := w.Walk(context.Background(), "/definitely/not/here"); err == nil {
		t.Fatalf("expected an error for a missing root")
	}
}

// memoryCache is an in-memory BlendCache recording hit/put counts.
type memoryCache struct {
	entries map[string]memoryCacheEntry
	hits    int
	puts    int
}

type memoryCacheEntry struct {
	size    int64
	modUnix int64
	info    *blend.Info
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]memoryCacheEntry)}
}

func (c *memoryCache) Get(_ context.Context, path string, size, modUnix int64) (*blend.Info, bool) {
	e, ok := c.entries[path]
	if !ok || e.size != size || e.modUnix != modUnix {
		return nil, false
	}
	c.hits++
	return e.info, true
}

func (c *memoryCache) Put(_ context.Context, path string, size, modUnix int64, info *blend.Info) {
	c.puts++
	c.entries[path] = memoryCacheEntry{size: size, modUnix: modUnix, info: info}
}

func TestWalkUsesCache(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	mock.CreateBlendFile("scene.blend", "306")

	cache := newMemoryCache()
	w := &Walker{Cache: cache}

	first, err := w.Walk(context.Background(), mock.Root)
	if err != nil {
		t.Fatalf("first walk: %v", err)
	}
	if cache.hits != 0 || cache.puts != 1 {
		t.Fatalf("first walk cache hits/puts = %d/%d, want 0/1", cache.hits, cache.puts)
	}

	second, err := w.Walk(context.Background(), mock.Root)
	if err != nil {
		t.Fatalf("second walk: %v", err)
	}
	if cache.hits != 1 {
		t.Errorf("second walk should hit the cache, hits = %d", cache.hits)
	}
	if first.Files[0].BlenderVersion != second.Files[0].BlenderVersion {
		t.Errorf("cached walk diverged: %q vs %q",
			first.Files[0].BlenderVersion, second.Files[0].BlenderVersion)
	}
}
