package scan

import (
	"fmt"
	"testing"
)

func TestTreeBuilderNesting(t *testing.T) {
	tb := newTreeBuilder("root", "/root")
	tb.addDir("/root", "a", "/root/a")
	tb.addFile("/root/a", "x.blend", "/root/a/x.blend", &FileMeta{SizeBytes: 1})
	tb.addDir("/root", "b", "/root/b")
	tb.addFile("/root", "y.blend", "/root/y.blend", &FileMeta{SizeBytes: 2})

	root := tb.build()
	if root.Name != "root" || root.NodeType != "dir" {
		t.Fatalf("bad root: %+v", root)
	}
	if len(root.Children) != 3 {
		t.Fatalf("root children = %d, want 3", len(root.Children))
	}
	// Children keep insertion order.
	if root.Children[0].Name != "a" || root.Children[1].Name != "b" || root.Children[2].Name != "y.blend" {
		t.Errorf("children out of order: %v", []string{
			root.Children[0].Name, root.Children[1].Name, root.Children[2].Name,
		})
	}
	a := root.Children[0]
	if len(a.Children) != 1 || a.Children[0].NodeType != "file" {
		t.Fatalf("expected one file leaf under a, got %+v", a.Children)
	}
	if a.Children[0].Meta == nil || a.Children[0].Meta.SizeBytes != 1 {
		t.Errorf("leaf meta was not carried through")
	}
}

func TestTreeBuilderIgnoresUnknownParents(t *testing.T) {
	tb := newTreeBuilder("root", "/root")
	tb.addFile("/nowhere", "x.blend", "/nowhere/x.blend", nil)
	tb.addDir("/nowhere", "a", "/nowhere/a")

	root := tb.build()
	if len(root.Children) != 0 {
		t.Errorf("entries under unregistered parents must be dropped, got %d", len(root.Children))
	}
}

func TestTreeBuilderDeepTree(t *testing.T) {
	// Deep enough that naive recursion would be a problem, while the
	// accumulated per-node absolute paths stay a modest allocation.
	const depth = 20000

	tb := newTreeBuilder("0", "/0")
	parent := "/0"
	for i := 1; i < depth; i++ {
		path := fmt.Sprintf("%s/%d", parent, i)
		tb.addDir(parent, fmt.Sprintf("%d", i), path)
		parent = path
	}

	root := tb.build()
	steps := 0
	node := &root
	for len(node.Children) > 0 {
		node = &node.Children[0]
		steps++
	}
	if steps != depth-1 {
		t.Errorf("materialized depth = %d, want %d", steps, depth-1)
	}
}
