package mmltone

import (
	"errors"
	"time"

	intaudio "github.com/cbegin/mmltone-go/internal/audio"
)

// RenderTo plays the driver offline: it alternates Tick with rendering
// sampleRate/tickRate samples into sink, as a host loop at tickRate Hz
// would. It stops once no channel is playing and every queued tone has
// sounded, or after maxDuration when that is positive. It returns the
// rendered duration.
func (d *Driver) RenderTo(sink Sink, tickRate int, maxDuration time.Duration) (time.Duration, error) {
	if tickRate <= 0 {
		return 0, errors.New("mmltone: tick rate must be positive")
	}
	rate := d.cfg.sampleRate
	limit := -1
	if maxDuration > 0 {
		limit = int(maxDuration.Seconds() * float64(rate))
	}
	buf := make([]int16, rate/tickRate+1)
	frames := 0
	for tick := 0; limit < 0 || frames < limit; tick++ {
		d.Tick()
		if !d.AnyPlaying() && d.engine.Idle() {
			break
		}
		// Spread the fractional samples per tick so the long-run rate is exact.
		n := (tick+1)*rate/tickRate - tick*rate/tickRate
		if limit >= 0 {
			n = min(n, limit-frames)
		}
		chunk := buf[:n]
		d.Render(chunk)
		if err := sink.WriteSamples(chunk); err != nil {
			return samplesToDuration(frames, rate), err
		}
		frames += n
	}
	return samplesToDuration(frames, rate), nil
}

type sliceSink struct {
	samples []int16
}

func (s *sliceSink) WriteSamples(p []int16) error {
	s.samples = append(s.samples, p...)
	return nil
}

// RenderPCM plays texts on channels 0, 1, ... of a fresh driver and returns
// the mono samples, ticking at 60 Hz. maxDuration bounds looping texts.
func RenderPCM(texts []string, maxDuration time.Duration, opts ...Option) ([]int16, error) {
	opts = append([]Option{WithChannels(max(len(texts), 1))}, opts...)
	d, err := New(opts...)
	if err != nil {
		return nil, err
	}
	for ch, text := range texts {
		if text == "" {
			continue
		}
		if err := d.Play(ch, text); err != nil {
			return nil, err
		}
	}
	sink := &sliceSink{}
	if _, err := d.RenderTo(sink, 60, maxDuration); err != nil {
		return nil, err
	}
	return sink.samples, nil
}

// EncodeWAVPCM16LE wraps mono samples in a 16-bit PCM WAV file, duplicating
// them across channels.
func EncodeWAVPCM16LE(samples []int16, sampleRate int, channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	out := intaudio.WAVHeader(sampleRate, channels, len(samples)*2*channels)
	return intaudio.EncodePCM16LE(out, samples, channels)
}

func samplesToDuration(frames int, rate int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(rate)
}
