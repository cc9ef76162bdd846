package watchdog

import "sync"

// StopSignal is a single-use notification from the reconciler to one
// monitor. It can be fired any number of times but is delivered once.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Fire delivers the signal. It reports false if the signal had already
// been fired.
func (s *StopSignal) Fire() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	return fired
}

// Done is closed once the signal has been fired
func (s *StopSignal) Done() <-chan struct{} {
	return s.ch
}

// Fired reports whether the signal has been delivered
func (s *StopSignal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
