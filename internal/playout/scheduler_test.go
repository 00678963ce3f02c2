package playout

import (
	"errors"
	"testing"
	"time"

	"github.com/guestuser2025NL/meshaudio/internal/protocol"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeBuffer struct{ d time.Duration }

func (b fakeBuffer) Duration() time.Duration { return b.d }

type fakeDecoder struct {
	frameDuration time.Duration
	failOn        func(payload []byte) bool
	calls         int
}

func (d *fakeDecoder) Decode(payload []byte) (Buffer, error) {
	d.calls++
	if d.failOn != nil && d.failOn(payload) {
		return nil, errors.New("corrupt frame")
	}
	return fakeBuffer{d: d.frameDuration}, nil
}

type playCall struct {
	buf     Buffer
	startAt time.Time
}

type fakeSink struct{ plays []playCall }

func (s *fakeSink) Play(buf Buffer, startAt time.Time) {
	s.plays = append(s.plays, playCall{buf: buf, startAt: startAt})
}

func frame(seq uint32, tsMicros uint64) *protocol.AudioFrame {
	return &protocol.AudioFrame{Sequence: seq, Timestamp: tsMicros, Payload: []byte{0x01}}
}

func newTestScheduler(frameDur time.Duration) (*Scheduler, *fakeClock, *fakeSink, *fakeDecoder) {
	clock := &fakeClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	sink := &fakeSink{}
	dec := &fakeDecoder{frameDuration: frameDur}
	s := NewScheduler(dec, sink, WithClock(clock), WithJitterBudget(80*time.Millisecond))
	return s, clock, sink, dec
}

func TestPromptFramesPlayBackToBack(t *testing.T) {
	s, clock, sink, _ := newTestScheduler(20 * time.Millisecond)
	start := clock.now
	origin := start.Add(80 * time.Millisecond)

	// 0ms, 20ms, 40ms presentation times, arriving promptly.
	s.Enqueue(frame(0, 0))
	clock.now = start.Add(5 * time.Millisecond)
	s.Enqueue(frame(1, 20_000))
	clock.now = start.Add(11 * time.Millisecond)
	s.Enqueue(frame(2, 40_000))

	if len(sink.plays) != 3 {
		t.Fatalf("scheduled %d plays, want 3", len(sink.plays))
	}
	if !sink.plays[0].startAt.Equal(origin) {
		t.Errorf("first start = %v, want origin %v", sink.plays[0].startAt, origin)
	}
	for i := 1; i < 3; i++ {
		want := sink.plays[i-1].startAt.Add(20 * time.Millisecond)
		if !sink.plays[i].startAt.Equal(want) {
			t.Errorf("frame %d start = %v, want %v (no gap, no overlap)", i, sink.plays[i].startAt, want)
		}
	}
}

func TestLateFrameClampsToPlayhead(t *testing.T) {
	s, clock, sink, _ := newTestScheduler(20 * time.Millisecond)
	start := clock.now

	s.Enqueue(frame(0, 0))
	playhead := sink.plays[0].startAt.Add(20 * time.Millisecond)

	// Frame with presentation time 20ms arrives 500ms late: its target
	// is long past; it starts exactly at the playhead, never earlier.
	clock.now = start.Add(500 * time.Millisecond)
	s.Enqueue(frame(1, 20_000))

	got := sink.plays[1].startAt
	if got.Before(playhead) {
		t.Fatalf("late frame starts %v, before prior frame end %v", got, playhead)
	}
	if !got.Equal(clock.now) {
		// Playhead already passed; the clamp is the wall clock.
		t.Errorf("late frame start = %v, want now %v", got, clock.now)
	}
}

func TestBurstedFramesNeverOverlap(t *testing.T) {
	s, _, sink, _ := newTestScheduler(20 * time.Millisecond)

	// Ten frames all arrive at once.
	for i := 0; i < 10; i++ {
		s.Enqueue(frame(uint32(i), uint64(i)*20_000))
	}
	for i := 1; i < len(sink.plays); i++ {
		prevEnd := sink.plays[i-1].startAt.Add(20 * time.Millisecond)
		if sink.plays[i].startAt.Before(prevEnd) {
			t.Fatalf("frame %d overlaps its predecessor", i)
		}
	}
}

func TestResetReanchors(t *testing.T) {
	s, clock, sink, _ := newTestScheduler(20 * time.Millisecond)
	s.Enqueue(frame(0, 1_000_000))
	s.Enqueue(frame(1, 1_020_000))

	s.Reset()
	clock.now = clock.now.Add(10 * time.Second)
	// New stream with completely unrelated timestamps.
	s.Enqueue(frame(0, 777_000_000))

	want := clock.now.Add(80 * time.Millisecond)
	if got := sink.plays[2].startAt; !got.Equal(want) {
		t.Errorf("post-reset first start = %v, want fresh origin %v", got, want)
	}
}

func TestDecodeErrorSkipsFrameOnly(t *testing.T) {
	s, _, sink, dec := newTestScheduler(20 * time.Millisecond)
	dec.failOn = func(payload []byte) bool { return payload[0] == 0xBB }

	var observed []error
	s.onDecodeError = func(err error) { observed = append(observed, err) }

	s.Enqueue(frame(0, 0))
	s.Enqueue(&protocol.AudioFrame{Sequence: 1, Timestamp: 20_000, Payload: []byte{0xBB}})
	s.Enqueue(frame(2, 40_000))

	if len(sink.plays) != 2 {
		t.Fatalf("scheduled %d plays, want 2 (bad frame skipped)", len(sink.plays))
	}
	if len(observed) != 1 {
		t.Errorf("observer called %d times, want 1", len(observed))
	}
	// The stream keeps its pacing; the third frame still lands on its
	// presentation target.
	want := sink.plays[0].startAt.Add(40 * time.Millisecond)
	if !sink.plays[1].startAt.Equal(want) {
		t.Errorf("post-error frame start = %v, want %v", sink.plays[1].startAt, want)
	}
}

func TestReceiverFeedsScheduler(t *testing.T) {
	s, clock, sink, _ := newTestScheduler(20 * time.Millisecond)
	r := NewReceiver(s)

	r.OnBinary(frame(0, 0).Marshal())
	r.OnBinary([]byte{0x01, 0x02}) // undersized, dropped
	r.OnBinary(frame(1, 20_000).Marshal())

	if len(sink.plays) != 2 {
		t.Fatalf("scheduled %d plays, want 2", len(sink.plays))
	}

	// A stop status resets the anchor.
	r.OnText([]byte(`{"type":"stopped"}`))
	clock.now = clock.now.Add(time.Minute)
	r.OnBinary(frame(0, 999_000_000).Marshal())
	want := clock.now.Add(80 * time.Millisecond)
	if got := sink.plays[2].startAt; !got.Equal(want) {
		t.Errorf("post-stop start = %v, want %v", got, want)
	}
}
