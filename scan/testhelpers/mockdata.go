// Package testhelpers builds temporary directory structures, including
// synthetic .blend files, for scanner tests.
package testhelpers

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// MockFileSystem creates a temporary directory structure for testing.
type MockFileSystem struct {
	Root string
	t    *testing.T
}

// NewMockFileSystem creates a new mock filesystem in a temp directory.
func NewMockFileSystem(t *testing.T) *MockFileSystem {
	t.Helper()
	return &MockFileSystem{Root: t.TempDir(), t: t}
}

// Path returns the absolute path of a relative entry in the mock tree.
func (m *MockFileSystem) Path(rel string) string {
	return filepath.Join(m.Root, rel)
}

// CreateDir creates a directory in the mock filesystem.
func (m *MockFileSystem) CreateDir(path string) {
	m.t.Helper()
	if err := os.MkdirAll(m.Path(path), 0o755); err != nil {
		m.t.Fatalf("Failed to create directory %s: %v", path, err)
	}
}

// CreateFile creates a file with the given content.
func (m *MockFileSystem) CreateFile(path string, content []byte) {
	m.t.Helper()
	fullPath := m.Path(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		m.t.Fatalf("Failed to create parent dir for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		m.t.Fatalf("Failed to create file %s: %v", path, err)
	}
}

// CreateBlendFile writes a synthetic .blend file carrying the given raw
// version digits (e.g. "306" for 3.6).
func (m *MockFileSystem) CreateBlendFile(path, rawVersion string) {
	m.t.Helper()
	m.CreateFile(path, BlendFileBytes(rawVersion, false))
}

// CreateSymlink creates a symbolic link inside the mock tree pointing at
// target (also relative to the root).
func (m *MockFileSystem) CreateSymlink(target, link string) {
	m.t.Helper()
	if err := os.Symlink(m.Path(target), m.Path(link)); err != nil {
		m.t.Fatalf("Failed to create symlink %s -> %s: %v", link, target, err)
	}
}

// BlendFileBytes builds a minimal little-endian 64-bit .blend file: header,
// optionally a 2x2 thumbnail block, and the end marker.
func BlendFileBytes(rawVersion string, withThumbnail bool) []byte {
	buf := []byte("BLENDER-v")
	buf = append(buf, rawVersion...)

	if withThumbnail {
		pixels := bytes.Repeat([]byte{0x10, 0x20, 0x30, 0xFF}, 2*2)
		payload := binary.LittleEndian.AppendUint32(nil, 2)
		payload = binary.LittleEndian.AppendUint32(payload, 2)
		payload = append(payload, pixels...)
		buf = appendBlendBlock(buf, "TEST", payload)
	}
	return appendBlendBlock(buf, "ENDB", nil)
}

func appendBlendBlock(buf []byte, code string, payload []byte) []byte {
	codeBytes := make([]byte, 4)
	copy(codeBytes, code)
	buf = append(buf, codeBytes...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.LittleEndian.AppendUint64(buf, 0) // old memory address
	buf = binary.LittleEndian.AppendUint32(buf, 0) // SDNA index
	buf = binary.LittleEndian.AppendUint32(buf, 1) // count
	return append(buf, payload...)
}
