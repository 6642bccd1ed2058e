package discord

import (
	"sync"
	"time"
)

// streamBuffer is the number of packets an inbound stream holds before new
// packets are dropped.
const streamBuffer = 64

// inboundStream implements [audio.InboundStream] for one subscribed member.
// It ends by itself after silence without packets.
type inboundStream struct {
	user    string
	frames  chan []byte
	silence time.Duration
	onEnd   func(*inboundStream)

	mu      sync.Mutex
	timer   *time.Timer
	ended   bool
	err     error
	dropped int
}

func newInboundStream(user string, silence time.Duration, onEnd func(*inboundStream)) *inboundStream {
	s := &inboundStream{
		user:    user,
		frames:  make(chan []byte, streamBuffer),
		silence: silence,
		onEnd:   onEnd,
	}
	s.timer = time.AfterFunc(silence, func() { s.end(nil) })
	return s
}

func (s *inboundStream) UserID() string        { return s.user }
func (s *inboundStream) Frames() <-chan []byte { return s.frames }

func (s *inboundStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *inboundStream) Close() error {
	s.end(nil)
	return nil
}

// push delivers one packet without blocking and restarts the silence timer.
func (s *inboundStream) push(packet []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.frames <- packet:
	default:
		s.dropped++
	}
	s.timer.Reset(s.silence)
}

func (s *inboundStream) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	s.timer.Stop()
	close(s.frames)
	s.mu.Unlock()

	if s.onEnd != nil {
		s.onEnd(s)
	}
}
