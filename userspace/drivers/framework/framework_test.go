package framework

import (
	"fmt"
	"io"
	"net"
	"sort"
	"testing"

	"github.com/DeedleFake/p9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDriver serves a flat directory of byte slices.
type memDriver struct {
	files    map[string][]byte
	readonly map[string]bool
	inited   bool
}

func newMemDriver() *memDriver {
	return &memDriver{
		files: map[string][]byte{
			"hello": []byte("hello, world\n"),
			"ctl":   []byte("state ok\n"),
		},
		readonly: map[string]bool{"ctl": true},
	}
}

func (m *memDriver) Name() string { return "mem" }

func (m *memDriver) Init() error {
	m.inited = true
	return nil
}

func (m *memDriver) HandleRead(p string, offset uint64, count uint32) ([]byte, error) {
	data, ok := m.files[p]
	if !ok {
		return nil, ErrNotFound
	}
	if offset >= uint64(len(data)) {
		return nil, nil
	}
	end := min(offset+uint64(count), uint64(len(data)))
	return data[offset:end], nil
}

func (m *memDriver) HandleWrite(p string, offset uint64, data []byte) (uint32, error) {
	cur, ok := m.files[p]
	if !ok {
		return 0, ErrNotFound
	}
	if end := int(offset) + len(data); end > len(cur) {
		cur = append(cur, make([]byte, end-len(cur))...)
	}
	copy(cur[offset:], data)
	m.files[p] = cur
	return uint32(len(data)), nil
}

func (m *memDriver) HandleOpen(p string, mode uint8) error {
	if m.readonly[p] && Writable(mode) {
		return fmt.Errorf("%s: %w", p, ErrPermission)
	}
	return nil
}

func (m *memDriver) HandleStat(p string) (Stat, error) {
	if p == "" {
		return Stat{Qid: Qid{Type: 0x80, Path: QidPath(p)}, Mode: ModeDir | 0555, Name: "/"}, nil
	}
	data, ok := m.files[p]
	if !ok {
		return Stat{}, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return Stat{Qid: Qid{Path: QidPath(p)}, Mode: 0644, Length: uint64(len(data)), Name: p}, nil
}

func (m *memDriver) HandleList(p string) ([]Stat, error) {
	if p != "" {
		return nil, ErrNotDir
	}
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	var list []Stat
	for _, name := range names {
		st, _ := m.HandleStat(name)
		list = append(list, st)
	}
	return list, nil
}

func TestClean(t *testing.T) {
	assert.Equal(t, "", Clean("/"))
	assert.Equal(t, "", Clean(""))
	assert.Equal(t, "sdC0/data", Clean("/sdC0/data/"))
	assert.Equal(t, "sdC0", Clean("sdC0/ctl/.."))
	assert.Equal(t, "", Clean("/../.."))
}

func TestQidPathStable(t *testing.T) {
	assert.Equal(t, QidPath("sdC0/data"), QidPath("sdC0/data"))
	assert.NotEqual(t, QidPath("sdC0/data"), QidPath("sdC1/data"))
}

func TestOpenModes(t *testing.T) {
	assert.False(t, Writable(0))
	assert.True(t, Writable(1))
	assert.True(t, Writable(2))
	assert.False(t, Writable(3))
	assert.True(t, Writable(1|0x10))
}

func TestAttachmentStat(t *testing.T) {
	fs := FileSystem(newMemDriver())
	a, err := fs.Attach(nil, "glenda", "")
	require.NoError(t, err)

	root, err := a.Stat("/")
	require.NoError(t, err)
	assert.True(t, root.FileMode&p9.ModeDir != 0)

	st, err := a.Stat("/hello")
	require.NoError(t, err)
	assert.False(t, st.FileMode&p9.ModeDir != 0)
	assert.Equal(t, "hello", st.EntryName)
	assert.EqualValues(t, 13, st.Length)
	assert.Equal(t, QidPath("hello"), st.Path)

	_, err = a.Stat("/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttachmentReadWrite(t *testing.T) {
	d := newMemDriver()
	a, err := FileSystem(d).Attach(nil, "glenda", "")
	require.NoError(t, err)

	f, err := a.Open("hello", 2)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	buf = make([]byte, 64)
	n, err = f.ReadAt(buf, 7)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "world\n", string(buf[:n]))

	n, err = f.WriteAt([]byte("WORLD"), 7)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello, WORLD\n", string(d.files["hello"]))
}

func TestAttachmentReadOnlyOpen(t *testing.T) {
	a, err := FileSystem(newMemDriver()).Attach(nil, "glenda", "")
	require.NoError(t, err)

	_, err = a.Open("ctl", 1)
	assert.ErrorIs(t, err, ErrPermission)

	f, err := a.Open("hello", 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, ErrPermission)
}

func TestAttachmentDirectories(t *testing.T) {
	a, err := FileSystem(newMemDriver()).Attach(nil, "glenda", "")
	require.NoError(t, err)

	_, err = a.Open("/", 1)
	assert.ErrorIs(t, err, ErrIsDir)

	dir, err := a.Open("/", 0)
	require.NoError(t, err)
	entries, err := dir.Readdir()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ctl", entries[0].EntryName)
	assert.Equal(t, "hello", entries[1].EntryName)

	_, err = dir.ReadAt(make([]byte, 8), 0)
	assert.ErrorIs(t, err, ErrIsDir)

	f, err := a.Open("hello", 0)
	require.NoError(t, err)
	_, err = f.Readdir()
	assert.ErrorIs(t, err, ErrNotDir)
}

func TestAttachmentRefusesMetadataChanges(t *testing.T) {
	fs := FileSystem(newMemDriver())
	_, err := fs.Auth("glenda", "")
	assert.ErrorIs(t, err, ErrUnsupported)

	a, err := fs.Attach(nil, "glenda", "")
	require.NoError(t, err)
	_, err = a.Create("new", 0644, 2)
	assert.ErrorIs(t, err, ErrPermission)
	assert.ErrorIs(t, a.Remove("hello"), ErrPermission)
}

func TestDriverServerLifecycle(t *testing.T) {
	d := newMemDriver()
	ds := NewDriverServer(d, 0)
	assert.Nil(t, ds.Addr())
	assert.Error(t, ds.Serve())

	require.NoError(t, ds.Listen("tcp", "127.0.0.1:0"))
	assert.True(t, d.inited)
	addr := ds.Addr()
	require.NotNil(t, addr)

	done := make(chan error, 1)
	go func() { done <- ds.Serve() }()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, ds.Close())
	assert.NoError(t, <-done)
}
