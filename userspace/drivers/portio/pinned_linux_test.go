//go:build linux

package portio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// threadSpace records the OS thread of every access.
type threadSpace struct {
	mu   sync.Mutex
	tids map[int]int
}

func (s *threadSpace) note() {
	s.mu.Lock()
	s.tids[unix.Gettid()]++
	s.mu.Unlock()
}

func (s *threadSpace) In8(uint16) uint8 { s.note(); return 0 }
func (s *threadSpace) Out8(uint16, uint8) { s.note() }
func (s *threadSpace) In16(uint16) uint16 { s.note(); return 0 }
func (s *threadSpace) Out16(uint16, uint16) { s.note() }

func TestPinnedRunsOnGrantingThread(t *testing.T) {
	backend := &threadSpace{tids: map[int]int{}}
	var granted int
	p, err := Pin(func() error { granted = unix.Gettid(); return nil }, backend)
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				p.Out8(0x1f6, 0xe0)
				p.In8(0x1f7)
				p.In16(0x1f0)
				p.Out16(0x1f0, 0)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, map[int]int{granted: 32 * 20 * 4}, backend.tids)
}
