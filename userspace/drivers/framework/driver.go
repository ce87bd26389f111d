// Package framework exports file-shaped hardware drivers over 9P.
package framework

import (
	"errors"
	"hash/fnv"
	"path"
	"strings"
	"time"
)

// Driver represents a hardware driver that presents itself as a small file
// tree. Paths are slash separated and relative to the driver root, which is
// the empty string.
type Driver interface {
	// Name returns the driver name
	Name() string

	// Init initializes the driver
	Init() error

	// HandleRead handles read operations on a file
	HandleRead(path string, offset uint64, count uint32) ([]byte, error)

	// HandleWrite handles write operations on a file
	HandleWrite(path string, offset uint64, data []byte) (uint32, error)

	// HandleOpen checks that path may be opened with the given 9P mode
	HandleOpen(path string, mode uint8) error

	// HandleStat returns file statistics
	HandleStat(path string) (Stat, error)

	// HandleList returns the entries of a directory
	HandleList(path string) ([]Stat, error)
}

// Mode bits carried in Stat.Mode.
const (
	ModeDir  uint32 = 0x80000000
	ModePerm uint32 = 0777
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrPermission  = errors.New("permission denied")
	ErrIsDir       = errors.New("is a directory")
	ErrNotDir      = errors.New("not a directory")
	ErrUnsupported = errors.New("operation not supported")
)

// Stat represents file statistics
type Stat struct {
	Qid    Qid
	Mode   uint32
	MTime  time.Time
	Length uint64
	Name   string
}

// IsDir reports whether the entry is a directory.
func (s Stat) IsDir() bool { return s.Mode&ModeDir != 0 }

// Qid represents a file's unique identifier
type Qid struct {
	Type    uint8
	Version uint32
	Path    uint64
}

// QidPath derives a stable qid path from a file path.
func QidPath(p string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p))
	return h.Sum64()
}

// Clean normalises a request path to the form drivers see: no leading or
// trailing slash, root as "".
func Clean(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}
