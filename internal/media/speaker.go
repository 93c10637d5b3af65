package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Speaker plays s16le mono PCM through oto. It is a pull-based sink: oto's
// player reads from the internal buffer, which the playback scheduler fills.
// Flush implements barge-in by dropping everything queued and resetting the
// player so stale audio cannot bleed into the next turn.
type Speaker struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	player  *oto.Player
	playing bool
	closed  bool
}

func NewSpeaker(sampleRate int) (*Speaker, error) {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms at 24kHz mono s16le; small enough for responsive barge-in.
		BufferSize: time.Duration(sampleRate / 10 * 2),
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &Speaker{
		otoCtx: otoCtx,
		buf:    make([]byte, 0, sampleRate*4),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Write queues PCM for playback, starting the player on first data.
func (s *Speaker) Write(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(speakerReader{s})
		s.player.Play()
	}
	s.cond.Signal()
}

// Flush drops all queued audio and stops the current player immediately.
func (s *Speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	player := s.player
	wasPlaying := s.playing
	s.player = nil
	s.playing = false
	s.mu.Unlock()

	if player != nil && wasPlaying {
		player.Pause()
		player.Close()
	}
}

// Suspend pauses the audio context without tearing it down, so a reconnect
// can reuse it.
func (s *Speaker) Suspend() error {
	return s.otoCtx.Suspend()
}

// Resume reactivates a suspended context.
func (s *Speaker) Resume() error {
	return s.otoCtx.Resume()
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	player := s.player
	s.player = nil
	s.playing = false
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		player.Close()
	}
	return nil
}

// speakerReader is the io.Reader oto pulls from. Starvation yields silence so
// the device keeps running between chunks.
type speakerReader struct {
	s *Speaker
}

func (r speakerReader) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
