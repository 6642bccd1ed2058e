package pipeline

import (
	"context"
	"errors"
	"sync"
)

// writer feeds one destination. It owns a bounded queue that is filled by the
// pipeline and drained by its own pump goroutine into the destination's play
// call, so a slow destination never blocks the others.
type writer struct {
	dest    Destination
	opus    bool
	backlog int

	mu      sync.Mutex
	queue   [][]byte
	closed  bool
	dropped bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// lost is called at most once, outside the lock, when the writer stops
	// accepting input before the pipeline finished or aborted it.
	lost func(w *writer, cause error)

	errMu sync.Mutex
	err   error
}

func newWriter(dest Destination, opus bool, backlog int, lost func(*writer, error)) *writer {
	ctx, cancel := context.WithCancel(context.Background())
	return &writer{
		dest:     dest,
		opus:     opus,
		backlog:  backlog,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		lost:     lost,
	}
}

func (w *writer) start() {
	go w.pump()
}

// push queues one chunk. It reports false when the writer no longer accepts
// input.
func (w *writer) push(chunk []byte) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	if len(w.queue) >= w.backlog {
		w.mu.Unlock()
		w.drop(ErrBacklogExceeded)
		return false
	}
	w.queue = append(w.queue, chunk)
	w.mu.Unlock()
	w.signal()
	return true
}

// finish stops accepting input and lets the queue drain.
func (w *writer) finish() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

// abort stops the writer immediately, discarding the queue.
func (w *writer) abort() {
	w.mu.Lock()
	w.closed = true
	w.queue = nil
	w.mu.Unlock()
	w.cancel()
}

// drop stops a writer that is still accepting input and reports cause through
// lost. It does nothing once the writer is closed.
func (w *writer) drop(cause error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.dropped = true
	w.queue = nil
	w.mu.Unlock()
	w.cancel()
	if w.lost != nil {
		w.lost(w, cause)
	}
}

// wasDropped reports whether the writer was stopped through drop.
func (w *writer) wasDropped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// playbackStopped handles a play call that returned while input was still
// expected: the destination failed or another playback took it over.
func (w *writer) playbackStopped() {
	cause := w.Err()
	if cause == nil {
		cause = ErrPlaybackStopped
	}
	w.drop(cause)
}

func (w *writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Err returns the play failure, if any. Cancellation is not a failure.
func (w *writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *writer) pump() {
	defer close(w.done)
	defer w.cancel()

	out := make(chan []byte)
	playDone := make(chan struct{})
	go func() {
		defer close(playDone)
		var err error
		if w.opus {
			err = w.dest.PlayOpus(w.ctx, out)
		} else {
			err = w.dest.PlayPCM(w.ctx, out)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			w.errMu.Lock()
			w.err = err
			w.errMu.Unlock()
		}
	}()

	defer func() { <-playDone }()

	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, chunk := range batch {
			select {
			case out <- chunk:
			case <-w.ctx.Done():
				return
			case <-playDone:
				w.playbackStopped()
				return
			}
		}
		if closed && len(batch) == 0 {
			close(out)
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-w.wake:
		case <-w.ctx.Done():
			return
		case <-playDone:
			w.playbackStopped()
			return
		}
	}
}
