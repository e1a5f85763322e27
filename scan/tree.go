package scan

// treeBuilder accumulates the folder hierarchy as an arena of nodes addressed
// by index, with parents holding child indices. Neither insertion nor the
// final materialization recurses, so pathologically deep directory trees
// never hit Go stack limits.
type treeBuilder struct {
	nodes []builderNode
	index map[string]int // directory path -> arena index
}

type builderNode struct {
	name     string
	path     string
	nodeType string
	meta     *FileMeta
	children []int
}

func newTreeBuilder(rootName, rootPath string) *treeBuilder {
	tb := &treeBuilder{index: map[string]int{rootPath: 0}}
	tb.nodes = append(tb.nodes, builderNode{name: rootName, path: rootPath, nodeType: "dir"})
	return tb
}

// addDir registers a directory under an already-registered parent.
func (tb *treeBuilder) addDir(parentPath, name, path string) {
	parent, ok := tb.index[parentPath]
	if !ok {
		return
	}
	idx := len(tb.nodes)
	tb.nodes = append(tb.nodes, builderNode{name: name, path: path, nodeType: "dir"})
	tb.index[path] = idx
	tb.nodes[parent].children = append(tb.nodes[parent].children, idx)
}

// addFile registers a file leaf under an already-registered parent.
func (tb *treeBuilder) addFile(parentPath, name, path string, meta *FileMeta) {
	parent, ok := tb.index[parentPath]
	if !ok {
		return
	}
	idx := len(tb.nodes)
	tb.nodes = append(tb.nodes, builderNode{name: name, path: path, nodeType: "file", meta: meta})
	tb.nodes[parent].children = append(tb.nodes[parent].children, idx)
}

// build materializes the arena into nested TreeNodes. Children are always
// appended after their parent, so a single reverse pass sees every child
// fully assembled before its parent is.
func (tb *treeBuilder) build() TreeNode {
	out := make([]TreeNode, len(tb.nodes))
	for i := len(tb.nodes) - 1; i >= 0; i-- {
		n := tb.nodes[i]
		node := TreeNode{NodeType: n.nodeType, Name: n.name, Path: n.path, Meta: n.meta}
		if len(n.children) > 0 {
			node.Children = make([]TreeNode, 0, len(n.children))
			for _, c := range n.children {
				node.Children = append(node.Children, out[c])
			}
		}
		out[i] = node
	}
	return out[0]
}
