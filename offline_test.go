package mmltone

import (
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"testing"
	"time"
)

// upwardCrossings counts negative-to-non-negative transitions, roughly one per
// cycle of a sine.
func upwardCrossings(s []int16) int {
	n := 0
	for i := 1; i < len(s); i++ {
		if s[i-1] < 0 && s[i] >= 0 {
			n++
		}
	}
	return n
}

func TestRenderPCMScale(t *testing.T) {
	samples, err := RenderPCM([]string{"T120 L4 CDEFGAB"}, 0)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	// Seven quarter notes at 120 BPM: 3.5 s at 8 kHz, plus at most one
	// trailing tick of silence.
	if len(samples) < 28000 || len(samples) > 28000+200 {
		t.Fatalf("rendered %d samples, want ~28000", len(samples))
	}
	for i, s := range samples[28000:] {
		if s != 0 {
			t.Fatalf("sample %d after the last note = %d", 28000+i, s)
		}
	}
	notes := []float64{261.63, 293.66, 329.63, 349.23, 392.00, 440.00, 493.88}
	for i, hz := range notes {
		seg := samples[i*4000 : (i+1)*4000]
		got := float64(upwardCrossings(seg)) / 0.5
		if math.Abs(got-hz)/hz > 0.03 {
			t.Fatalf("note %d measured at %.1f Hz, want %.1f", i, got, hz)
		}
	}
}

func TestRenderPCMLoopsUntilLimit(t *testing.T) {
	samples, err := RenderPCM([]string{"$L8CDEF"}, 2*time.Second)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(samples) != 16000 {
		t.Fatalf("rendered %d samples, want 16000", len(samples))
	}
	// The loop period is one second, so the second pass repeats the first
	// after the initial note.
	first := upwardCrossings(samples[2000:8000])
	second := upwardCrossings(samples[10000:16000])
	if first == 0 || absInt(first-second) > 1 {
		t.Fatalf("loop passes differ: %d vs %d crossings", first, second)
	}
}

func TestRenderPCMMixesChannels(t *testing.T) {
	one, err := RenderPCM([]string{"L2 C"}, 0)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	two, err := RenderPCM([]string{"L2 C", "L2 R"}, 0)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !slices.Equal(one[:8000], two[:8000]) {
		t.Fatalf("a resting channel should not change the mix")
	}
}

func TestRenderPCMNoiseDependsOnSeed(t *testing.T) {
	a, _ := RenderPCM([]string{"N-1"}, 0, WithNoiseSeed(3))
	b, _ := RenderPCM([]string{"N-1"}, 0, WithNoiseSeed(3))
	c, _ := RenderPCM([]string{"N-1"}, 0, WithNoiseSeed(4))
	if len(a) < 4000 || !slices.Equal(a, b) {
		t.Fatalf("same seed should render identical noise")
	}
	if slices.Equal(a, c) {
		t.Fatalf("different seeds should render different noise")
	}
}

func TestRenderPCMRejectsBadText(t *testing.T) {
	_, err := RenderPCM([]string{"C", "O9 Q"}, time.Second)
	var se *SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("expected syntax error, got %v", err)
	}
}

type failingSink struct{ writes int }

func (s *failingSink) WriteSamples([]int16) error {
	s.writes++
	if s.writes == 3 {
		return errors.New("disk full")
	}
	return nil
}

func TestRenderToStopsOnSinkError(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.Play(0, "$CDEF"); err != nil {
		t.Fatalf("play: %v", err)
	}
	sink := &failingSink{}
	if _, err := d.RenderTo(sink, 60, 0); err == nil || sink.writes != 3 {
		t.Fatalf("expected the sink error on write 3, got %v after %d writes", err, sink.writes)
	}
}

func TestEncodeWAVPCM16LE(t *testing.T) {
	wav := EncodeWAVPCM16LE([]int16{1, 2, 3}, 8000, 2)
	if len(wav) != 44+12 {
		t.Fatalf("wav size = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad RIFF header")
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != 12 {
		t.Fatalf("data size = %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:]); got != 2 {
		t.Fatalf("channels = %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(wav[52:])); got != 3 {
		t.Fatalf("last left sample = %d", got)
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
