package watchdog

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStopSignalFiresOnce(t *testing.T) {
	s := NewStopSignal()

	assert.False(t, s.Fired())
	assert.True(t, s.Fire())
	assert.False(t, s.Fire())
	assert.True(t, s.Fired())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Fire")
	}
}

func TestStopSignalConcurrentFire(t *testing.T) {
	s := NewStopSignal()

	var wins atomic.Int32
	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Fire() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestTableReleaseOnlyOwnMonitor(t *testing.T) {
	tbl := newTable()

	first := &monitor{key: "game.bin", stop: NewStopSignal()}
	second := &monitor{key: "game.bin", stop: NewStopSignal()}

	assert.True(t, tbl.claim(first))
	assert.False(t, tbl.claim(second))

	assert.False(t, tbl.release(second))
	assert.Equal(t, 1, tbl.count())

	assert.True(t, tbl.release(first))
	assert.Equal(t, 0, tbl.count())

	assert.True(t, tbl.claim(second))
}
