package sequencer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cbegin/mmltone-go/internal/mml"
	"github.com/cbegin/mmltone-go/internal/tone"
)

// fakeSink queues events per channel with an optional capacity. consume moves
// queued events to played, standing in for the synthesis engine.
type fakeSink struct {
	capacity int
	queues   map[int][]tone.Event
	played   []tone.Event
	clears   []int
}

func newFakeSink(capacity int) *fakeSink {
	return &fakeSink{capacity: capacity, queues: map[int][]tone.Event{}}
}

func (f *fakeSink) Enqueue(ev tone.Event) bool {
	q := f.queues[ev.Channel]
	if f.capacity > 0 && len(q) >= f.capacity {
		return false
	}
	f.queues[ev.Channel] = append(q, ev)
	return true
}

func (f *fakeSink) Clear(ch int) {
	f.clears = append(f.clears, ch)
	delete(f.queues, ch)
}

func (f *fakeSink) Pending(ch int) float64 {
	var ms float64
	for _, ev := range f.queues[ch] {
		ms += ev.DurationMS
	}
	return ms
}

func (f *fakeSink) consume(ch int) {
	f.played = append(f.played, f.queues[ch]...)
	f.queues[ch] = nil
}

// drive ticks until ch stops playing, consuming after every tick.
func drive(t *testing.T, seq *Sequencer, sink *fakeSink, ch int, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		seq.Tick()
		sink.consume(ch)
		if !seq.Playing(ch) {
			return
		}
	}
	t.Fatalf("channel %d still playing after %d ticks", ch, maxTicks)
}

func TestSequencerScaleEndToEnd(t *testing.T) {
	sink := newFakeSink(0)
	var events []Event
	seq := NewWithOptions(4, sink, Options{OnEvent: func(ev Event) { events = append(events, ev) }})
	if err := seq.Play(0, "T120 L4 CDEFGAB"); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	drive(t, seq, sink, 0, 100)

	want := []int{39, 41, 43, 44, 46, 48, 50}
	if len(sink.played) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(sink.played))
	}
	for i, ev := range sink.played {
		if ev.FreqHz != wantHz(want[i]) || ev.DurationMS != 500 || ev.Channel != 0 {
			t.Fatalf("event %d = %+v, want %s for 500ms", i, ev, mml.NoteName(want[i]))
		}
	}
	st := seq.Status(0)
	if st.Alive || st.Err != nil {
		t.Fatalf("channel should end cleanly, got %+v", st)
	}
	if len(events) != 1 || events[0].Kind != EventPlaybackEnded {
		t.Fatalf("expected a single playback-ended event, got %#v", events)
	}
}

func TestSequencerKeepsLookaheadBuffered(t *testing.T) {
	sink := newFakeSink(0)
	seq := NewWithOptions(1, sink, Options{Lookahead: 600 * time.Millisecond})
	if err := seq.Play(0, "L8 CDEFGAB"); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	seq.Tick()
	if got := len(sink.queues[0]); got != 3 {
		t.Fatalf("expected 3 eighths queued for 600ms lookahead, got %d", got)
	}
	seq.Tick()
	if got := len(sink.queues[0]); got != 3 {
		t.Fatalf("tick with a full horizon should queue nothing, got %d", got)
	}
}

func TestSequencerRepeatReturnsAfterMark(t *testing.T) {
	sink := newFakeSink(0)
	loops := 0
	seq := NewWithOptions(1, sink, Options{
		Lookahead: time.Second,
		OnEvent: func(ev Event) {
			if ev.Kind == EventLoopCompleted {
				loops++
			}
		},
	})
	if err := seq.Play(0, "$L8CDEF"); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	seq.Tick()
	sink.consume(0)
	if len(sink.played) != 4 {
		t.Fatalf("first pass should queue 4 eighths, got %d", len(sink.played))
	}
	seq.Tick()
	sink.consume(0)
	if len(sink.played) != 8 {
		t.Fatalf("second pass should queue 4 more, got %d", len(sink.played))
	}
	for i := 0; i < 4; i++ {
		if sink.played[i] != sink.played[i+4] {
			t.Fatalf("loop event %d differs: %+v vs %+v", i, sink.played[i], sink.played[i+4])
		}
		if sink.played[i].DurationMS != 250 {
			t.Fatalf("eighth at tempo 120 should last 250ms, got %v", sink.played[i].DurationMS)
		}
	}
	st := seq.Status(0)
	if st.RepeatAt != 1 || loops != 1 || !seq.Playing(0) {
		t.Fatalf("repeat point %d, loops %d, playing %v", st.RepeatAt, loops, seq.Playing(0))
	}
}

func TestSequencerRingPreservesDuration(t *testing.T) {
	cases := []struct {
		mml     string
		sounded float64
	}{
		{"C4*0.75", 375},
		{"C4*0.5", 250},
		{"C4*1", 500},
		{"C4*2", 500},
		{"C4*0", 0},
	}
	for _, tc := range cases {
		t.Run(tc.mml, func(t *testing.T) {
			sink := newFakeSink(0)
			seq := New(1, sink)
			if err := seq.Play(0, tc.mml); err != nil {
				t.Fatalf("play failed: %v", err)
			}
			drive(t, seq, sink, 0, 10)
			var total float64
			for _, ev := range sink.played {
				total += ev.DurationMS
			}
			if math.Abs(total-500) > 1e-9 {
				t.Fatalf("total duration %v, want 500", total)
			}
			first := sink.played[0]
			if tc.sounded == 0 {
				if len(sink.played) != 1 || !first.IsRest() {
					t.Fatalf("zero ring should leave a single rest, got %+v", sink.played)
				}
				return
			}
			if first.DurationMS != tc.sounded || first.IsRest() {
				t.Fatalf("sounded event %+v, want %vms", first, tc.sounded)
			}
			if tc.sounded < 500 && (len(sink.played) != 2 || !sink.played[1].IsRest()) {
				t.Fatalf("expected a trailing rest, got %+v", sink.played)
			}
		})
	}
}

func TestSequencerBackpressureNeverDropsOrDuplicates(t *testing.T) {
	text := "T150 L8 C*0.5 D E*0.25 F R G4. A16 N440 N-1 B*0.9 >C"

	ref := newFakeSink(0)
	refSeq := New(1, ref)
	if err := refSeq.Play(0, text); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	drive(t, refSeq, ref, 0, 200)

	for _, capacity := range []int{1, 2, 3} {
		sink := newFakeSink(capacity)
		seq := NewWithOptions(1, sink, Options{Lookahead: time.Hour})
		if err := seq.Play(0, text); err != nil {
			t.Fatalf("play failed: %v", err)
		}
		drive(t, seq, sink, 0, 200)
		if len(sink.played) != len(ref.played) {
			t.Fatalf("capacity %d: got %d events, want %d", capacity, len(sink.played), len(ref.played))
		}
		for i := range ref.played {
			if sink.played[i] != ref.played[i] {
				t.Fatalf("capacity %d: event %d = %+v, want %+v", capacity, i, sink.played[i], ref.played[i])
			}
		}
	}
}

func TestSequencerTrailingRestSurvivesFullQueue(t *testing.T) {
	sink := newFakeSink(1)
	seq := NewWithOptions(1, sink, Options{Lookahead: time.Hour})
	if err := seq.Play(0, "C4*0.5"); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	seq.Tick()
	if got := seq.Status(0).State.PendingRestMS; got != 250 {
		t.Fatalf("pending rest = %v, want 250", got)
	}
	sink.consume(0)
	seq.Tick()
	sink.consume(0)
	if len(sink.played) != 2 || !sink.played[1].IsRest() || sink.played[1].DurationMS != 250 {
		t.Fatalf("trailing rest not delivered: %+v", sink.played)
	}
	if seq.Status(0).State.PendingRestMS != 0 || seq.Playing(0) {
		t.Fatalf("channel should finish after the rest: %+v", seq.Status(0))
	}
}

func TestSequencerPlayRejectsInvalidText(t *testing.T) {
	sink := newFakeSink(0)
	seq := New(2, sink)
	if err := seq.Play(1, "CDE"); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	err := seq.Play(1, "CD@Q")
	var se *mml.SyntaxError
	if !errors.As(err, &se) || se.Index != 3 {
		t.Fatalf("expected syntax error at 3, got %v", err)
	}
	if !seq.Playing(1) {
		t.Fatalf("rejected text must not disturb the playing channel")
	}
}

func TestSequencerStopsSilentLoop(t *testing.T) {
	sink := newFakeSink(0)
	var got []Event
	seq := NewWithOptions(1, sink, Options{OnEvent: func(ev Event) { got = append(got, ev) }})
	if err := seq.Play(0, "C$ T100"); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	drive(t, seq, sink, 0, 20)
	if !errors.Is(seq.Err(0), ErrSilentLoop) {
		t.Fatalf("expected ErrSilentLoop, got %v", seq.Err(0))
	}
	if len(sink.played) != 1 {
		t.Fatalf("only the leading note should play, got %d events", len(sink.played))
	}
	if last := got[len(got)-1]; last.Kind != EventError || last.Err == nil {
		t.Fatalf("expected a trailing error event, got %#v", last)
	}
}

func TestSequencerStopClearsSink(t *testing.T) {
	sink := newFakeSink(0)
	seq := New(4, sink)
	for ch := 0; ch < 4; ch++ {
		if err := seq.Play(ch, "$CDEF"); err != nil {
			t.Fatalf("play failed: %v", err)
		}
	}
	seq.Tick()
	sink.clears = nil
	seq.Stop(2)
	if seq.Playing(2) || len(sink.queues[2]) != 0 {
		t.Fatalf("channel 2 should be stopped and drained")
	}
	if len(sink.clears) != 1 || sink.clears[0] != 2 {
		t.Fatalf("expected a single clear of channel 2, got %v", sink.clears)
	}
	if !seq.Playing(0) || !seq.Playing(3) {
		t.Fatalf("other channels must keep playing")
	}
	seq.StopAll()
	for ch := 0; ch < 4; ch++ {
		if seq.Playing(ch) {
			t.Fatalf("channel %d still playing after StopAll", ch)
		}
	}
}

func TestSequencerReportsMarkers(t *testing.T) {
	sink := newFakeSink(0)
	markers := 0
	seq := NewWithOptions(1, sink, Options{OnEvent: func(ev Event) {
		if ev.Kind == EventMarker {
			markers++
		}
	}})
	if err := seq.Play(0, "C ! D ! E"); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	drive(t, seq, sink, 0, 20)
	if markers != 2 {
		t.Fatalf("expected 2 markers, got %d", markers)
	}
}

func TestSplitRing(t *testing.T) {
	for _, ring := range []float64{-1, 0, 0.1, 0.333, 0.5, 0.99, 1, 3} {
		sounded, rest := splitRing(437.5, ring)
		if sounded < 0 || rest < 0 || math.Abs(sounded+rest-437.5) > 1e-9 {
			t.Fatalf("ring %v: %v + %v", ring, sounded, rest)
		}
	}
}

type discardSink struct{}

func (discardSink) Enqueue(tone.Event) bool { return true }
func (discardSink) Clear(int)               {}
func (discardSink) Pending(int) float64     { return 0 }

func BenchmarkSequencerTick(b *testing.B) {
	// Pending never grows, so each Tick runs until the text is exhausted.
	seq := New(4, discardSink{})
	for i := 0; i < b.N; i++ {
		for ch := 0; ch < 4; ch++ {
			if err := seq.Play(ch, "T150 O5 L16 CDEFGAB<C>C D E F G A B"); err != nil {
				b.Fatalf("play failed: %v", err)
			}
		}
		seq.Tick()
	}
}

func wantHz(index int) float64 {
	hz, _ := mml.Freq(index)
	return hz
}
