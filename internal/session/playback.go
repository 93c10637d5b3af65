package session

import (
	"time"

	"github.com/lumenlabs/lumen/internal/audio"
)

// Sink receives decoded PCM for actual playback. media.Speaker satisfies it.
type Sink interface {
	Write(pcm []byte)
	Flush()
}

// Source is one scheduled audio segment, expressed as offsets from the
// scheduler epoch.
type Source struct {
	Start time.Duration
	End   time.Duration
}

// Scheduler queues inbound audio segments back-to-back. The clock is the
// "next scheduled start": each segment starts at max(clock, elapsed) and
// advances the clock by its own duration, which yields gap-free,
// overlap-free, strictly sequential playback as long as messages arrive in
// order. The scheduler is owned by the session loop and is not safe for
// concurrent use.
type Scheduler struct {
	sink    Sink
	rate    int
	now     func() time.Time
	epoch   time.Time
	clock   time.Duration
	sources []Source
}

func NewScheduler(sink Sink, sampleRate int, now func() time.Time) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{sink: sink, rate: sampleRate, now: now}
	s.Reset()
	return s
}

// Reset zeroes the clock and drops source bookkeeping. Called on session
// (re)start; it does not touch the sink.
func (s *Scheduler) Reset() {
	s.epoch = s.now()
	s.clock = 0
	s.sources = nil
}

// Schedule queues one segment and returns its slot.
func (s *Scheduler) Schedule(pcm []byte) (Source, error) {
	if err := audio.ValidateChunk(pcm); err != nil {
		return Source{}, err
	}
	elapsed := s.now().Sub(s.epoch)
	start := s.clock
	if elapsed > start {
		start = elapsed
	}
	src := Source{Start: start, End: start + audio.Duration(len(pcm), s.rate)}
	s.clock = src.End

	s.prune(elapsed)
	s.sources = append(s.sources, src)
	if s.sink != nil {
		s.sink.Write(pcm)
	}
	return src, nil
}

// StopAll implements barge-in: every queued or playing segment is dropped,
// the sink is flushed, and the clock resets to zero.
func (s *Scheduler) StopAll() {
	s.sources = nil
	s.clock = 0
	s.epoch = s.now()
	if s.sink != nil {
		s.sink.Flush()
	}
}

// Active returns how many segments have not yet finished naturally.
func (s *Scheduler) Active() int {
	s.prune(s.now().Sub(s.epoch))
	return len(s.sources)
}

// Clock returns the next scheduled start offset.
func (s *Scheduler) Clock() time.Duration {
	return s.clock
}

func (s *Scheduler) prune(elapsed time.Duration) {
	kept := s.sources[:0]
	for _, src := range s.sources {
		if src.End > elapsed {
			kept = append(kept, src)
		}
	}
	s.sources = kept
}
