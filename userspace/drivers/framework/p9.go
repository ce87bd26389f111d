package framework

import (
	"fmt"
	"io"

	"github.com/DeedleFake/p9"
)

// 9P open modes, low two bits.
const (
	oread  = 0
	owrite = 1
	ordwr  = 2
	oexec  = 3
)

// OpenMode is the access part of a 9P open mode.
func OpenMode(mode uint8) uint8 { return mode & 3 }

// Writable reports whether mode asks for write access.
func Writable(mode uint8) bool {
	m := OpenMode(mode)
	return m == owrite || m == ordwr
}

// FileSystem adapts a Driver to a 9P file system. Files can be read,
// written and listed; creation, removal and metadata changes are refused.
func FileSystem(d Driver) p9.FileSystem { return fsys{d} }

type fsys struct{ d Driver }

func (fs fsys) Auth(user, aname string) (p9.File, error) {
	return nil, fmt.Errorf("%s: authentication: %w", fs.d.Name(), ErrUnsupported)
}

func (fs fsys) Attach(afile p9.File, user, aname string) (p9.Attachment, error) {
	return attachment{fs.d}, nil
}

type attachment struct{ d Driver }

func (a attachment) Stat(p string) (p9.DirEntry, error) {
	st, err := a.d.HandleStat(Clean(p))
	if err != nil {
		return p9.DirEntry{}, err
	}
	return dirEntry(st), nil
}

func (a attachment) WriteStat(p string, changes p9.StatChanges) error {
	return fmt.Errorf("%s: wstat: %w", Clean(p), ErrPermission)
}

func (a attachment) Open(p string, mode uint8) (p9.File, error) {
	p = Clean(p)
	st, err := a.d.HandleStat(p)
	if err != nil {
		return nil, err
	}
	if st.IsDir() && OpenMode(mode) != oread && OpenMode(mode) != oexec {
		return nil, fmt.Errorf("%s: %w", p, ErrIsDir)
	}
	if err := a.d.HandleOpen(p, mode); err != nil {
		return nil, err
	}
	return &file{d: a.d, path: p, mode: mode, dir: st.IsDir()}, nil
}

func (a attachment) Create(p string, perm p9.FileMode, mode uint8) (p9.File, error) {
	return nil, fmt.Errorf("%s: create: %w", Clean(p), ErrPermission)
}

func (a attachment) Remove(p string) error {
	return fmt.Errorf("%s: remove: %w", Clean(p), ErrPermission)
}

// file is an open fid.
type file struct {
	d    Driver
	path string
	mode uint8
	dir  bool
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if f.dir {
		return 0, fmt.Errorf("%s: %w", f.path, ErrIsDir)
	}
	data, err := f.d.HandleRead(f.path, uint64(off), uint32(len(p)))
	n := copy(p, data)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if f.dir {
		return 0, fmt.Errorf("%s: %w", f.path, ErrIsDir)
	}
	if !Writable(f.mode) {
		return 0, fmt.Errorf("%s: not open for writing: %w", f.path, ErrPermission)
	}
	n, err := f.d.HandleWrite(f.path, uint64(off), p)
	return int(n), err
}

func (f *file) Readdir() ([]p9.DirEntry, error) {
	if !f.dir {
		return nil, fmt.Errorf("%s: %w", f.path, ErrNotDir)
	}
	list, err := f.d.HandleList(f.path)
	if err != nil {
		return nil, err
	}
	entries := make([]p9.DirEntry, 0, len(list))
	for _, st := range list {
		entries = append(entries, dirEntry(st))
	}
	return entries, nil
}

func (f *file) Close() error { return nil }

func dirEntry(st Stat) p9.DirEntry {
	mode := p9.FileMode(st.Mode & ModePerm)
	if st.IsDir() {
		mode |= p9.ModeDir
	}
	return p9.DirEntry{
		FileMode:  mode,
		ATime:     st.MTime,
		MTime:     st.MTime,
		Length:    st.Length,
		EntryName: st.Name,
		UID:       "none",
		GID:       "none",
		MUID:      "none",
		Path:      st.Qid.Path,
		Version:   st.Qid.Version,
	}
}
