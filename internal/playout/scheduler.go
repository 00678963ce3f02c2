// Package playout turns a stream of timestamped compressed audio
// frames into continuously paced playback. Frames arrive whenever the
// network delivers them; playback starts are anchored to a monotonic
// origin plus each frame's sender-side presentation time, clamped by a
// running playhead so scheduled audio never overlaps.
package playout

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/protocol"
)

// DefaultJitterBudget is the fixed initial delay absorbing network
// timing variance before playout begins.
const DefaultJitterBudget = 80 * time.Millisecond

// Buffer is one decoded chunk of linear PCM, opaque except for how
// long it plays.
type Buffer interface {
	Duration() time.Duration
}

// Decoder is the opaque codec capability: compressed payload in,
// PCM buffer out. A failed decode skips the frame, nothing more.
type Decoder interface {
	Decode(payload []byte) (Buffer, error)
}

// Sink renders a decoded buffer starting at an absolute instant.
type Sink interface {
	Play(buf Buffer, startAt time.Time)
}

// Clock supplies the presentation clock. Real time in production, a
// fake in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock.
var SystemClock Clock = systemClock{}

// Scheduler computes when each decoded frame starts playing.
//
// The first frame of a stream anchors base (its timestamp) and origin
// (now + jitter budget). Every later frame targets
// origin + (timestamp - base); the actual start is the latest of now,
// the running playhead and that target, so starts are monotonic and
// never overlap even when frames arrive late or bursted. Late frames
// cost silence, never time-stretching.
type Scheduler struct {
	dec    Decoder
	sink   Sink
	clock  Clock
	jitter time.Duration

	onDecodeError func(error)

	mu       sync.Mutex
	anchored bool
	base     uint64
	origin   time.Time
	playhead time.Time
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithJitterBudget(d time.Duration) Option {
	return func(s *Scheduler) { s.jitter = d }
}

// WithDecodeErrorObserver installs a callback for per-frame decode
// failures. The stream always continues past them.
func WithDecodeErrorObserver(fn func(error)) Option {
	return func(s *Scheduler) { s.onDecodeError = fn }
}

func NewScheduler(dec Decoder, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		dec:    dec,
		sink:   sink,
		clock:  SystemClock,
		jitter: DefaultJitterBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue decodes one frame and hands it to the sink with its computed
// start time.
func (s *Scheduler) Enqueue(f *protocol.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.anchored {
		s.anchored = true
		s.base = f.Timestamp
		s.origin = now.Add(s.jitter)
		s.playhead = s.origin
	}

	// Timestamps are sender-side microseconds relative to capture.
	rel := time.Duration(f.Timestamp-s.base) * time.Microsecond
	target := s.origin.Add(rel)

	buf, err := s.dec.Decode(f.Payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "playout").Uint32("seq", f.Sequence).Msg("decode failed, frame skipped")
		if s.onDecodeError != nil {
			s.onDecodeError(err)
		}
		return
	}

	startAt := latest(now, s.playhead, target)
	s.sink.Play(buf, startAt)
	s.playhead = startAt.Add(buf.Duration())
}

// Reset discards the timing anchor so the next frame re-anchors.
// Called on stop/restart; in-flight decode work is dropped, not
// awaited.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.anchored = false
	s.mu.Unlock()
	log.Debug().Str("module", "playout").Msg("scheduler reset")
}

func latest(a, b, c time.Time) time.Time {
	out := a
	if b.After(out) {
		out = b
	}
	if c.After(out) {
		out = c
	}
	return out
}
