package engine

// signal is a coalescing wake-up channel.
//
// Notify never blocks: the buffer of 1 collapses any number of notifications
// that arrive before the Run loop wakes into a single drain.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1)}
}

// Notify requests a wake-up. Safe from any goroutine.
func (s *signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait returns the channel to select on.
func (s *signal) Wait() <-chan struct{} {
	return s.ch
}
